package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/auth"
	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"github.com/MarcoPoloResearchLab/pactum/internal/metrics"
	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/MarcoPoloResearchLab/pactum/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "pactum-identity"
	testCookieName    = "pactum_session"
)

type testAPI struct {
	server    *httptest.Server
	contracts *contracts.Service
	hub       *rooms.Hub
	realtime  *RealtimeDispatcher
	spans     *tracetest.SpanRecorder
}

func newTestAPI(testContext *testing.T) *testAPI {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "pactum.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	models := append(contracts.AllModels(), &users.Identity{})
	if err := db.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	logger := zap.NewNop()
	spans := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	testContext.Cleanup(func() {
		_ = tracerProvider.Shutdown(context.Background())
	})
	contractService, err := contracts.NewService(contracts.ServiceConfig{
		Database:       db,
		IDProvider:     contracts.NewUUIDProvider(),
		Logger:         logger,
		TracerProvider: tracerProvider,
	})
	if err != nil {
		testContext.Fatalf("failed to construct contracts service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to construct users service: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}
	tickets, err := auth.NewRoomTicketIssuer(auth.RoomTicketConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "pactum-api",
	})
	if err != nil {
		testContext.Fatalf("failed to construct ticket issuer: %v", err)
	}

	registry := prometheus.NewRegistry()
	apiMetrics := metrics.NewWithRegistry(registry, registry)
	hub := rooms.NewHub(rooms.HubConfig{
		Store:   NewReplicaStore(contractService),
		Logger:  logger,
		Metrics: apiMetrics,
	})
	testContext.Cleanup(hub.Close)

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Contracts:      contractService,
		Sessions:       sessions,
		Profiles:       userService,
		Tickets:        tickets,
		Hub:            hub,
		Realtime:       realtime,
		Metrics:        apiMetrics,
		Logger:         logger,
		TracerProvider: tracerProvider,
	})
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)
	return &testAPI{server: server, contracts: contractService, hub: hub, realtime: realtime, spans: spans}
}

func signTestSession(testContext *testing.T, userID string) string {
	testContext.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: "User " + userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign session: %v", err)
	}
	return token
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) decode(testContext *testing.T, target any) {
	testContext.Helper()
	if err := json.Unmarshal(r.body, target); err != nil {
		testContext.Fatalf("failed to decode %s: %v", string(r.body), err)
	}
}

func (r apiResponse) errorCode(testContext *testing.T) errorResponse {
	testContext.Helper()
	var payload struct {
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	r.decode(testContext, &payload)
	return errorResponse{Error: payload.Error, Details: payload.Details}
}

func (api *testAPI) call(testContext *testing.T, method, path, userID string, body any) apiResponse {
	testContext.Helper()
	var payload io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		payload = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, api.server.URL+path, payload)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+signTestSession(testContext, userID))
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read response: %v", err)
	}
	return apiResponse{status: response.StatusCode, body: raw}
}

func (api *testAPI) mustCreateContract(testContext *testing.T, ownerID, title string) contractResponse {
	testContext.Helper()
	response := api.call(testContext, http.MethodPost, "/contracts", ownerID, gin.H{"title": title})
	if response.status != http.StatusCreated {
		testContext.Fatalf("expected contract creation, got %d: %s", response.status, string(response.body))
	}
	var contract contractResponse
	response.decode(testContext, &contract)
	return contract
}

func (api *testAPI) mustSnapshot(testContext *testing.T, contractID, userID, text string) versionResponse {
	testContext.Helper()
	response := api.call(testContext, http.MethodPost, "/contracts/"+contractID+"/snapshot", userID, gin.H{
		"content_structured": gin.H{"format": "plain", "text": text},
		"content_text":       text,
	})
	if response.status != http.StatusCreated {
		testContext.Fatalf("expected snapshot creation, got %d: %s", response.status, string(response.body))
	}
	var version versionResponse
	response.decode(testContext, &version)
	return version
}

func (api *testAPI) mustAddCollaborator(testContext *testing.T, contractID, ownerID, userID, role string) {
	testContext.Helper()
	response := api.call(testContext, http.MethodPost, "/contracts/"+contractID+"/collaborators", ownerID, gin.H{
		"user_id": userID,
		"role":    role,
	})
	if response.status != http.StatusCreated {
		testContext.Fatalf("expected collaborator grant, got %d: %s", response.status, string(response.body))
	}
}
