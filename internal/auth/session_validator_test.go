package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret     = "secret"
	testSessionIssuer     = "pactum-identity"
	testSessionCookieName = "pactum_session"
	testSessionUserID     = "user-123"
	testSessionUserEmail  = "user@example.com"
)

func newTestSessionValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signSession(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validSessionClaims(clockNow time.Time) SessionClaims {
	return SessionClaims{
		UserID:          testSessionUserID,
		UserEmail:       testSessionUserEmail,
		UserDisplayName: "Casey Counsel",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestSessionValidator(t, clockNow)

	claims, err := validator.ValidateToken(signSession(t, validSessionClaims(clockNow), testSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if claims.UserDisplayName != "Casey Counsel" {
		t.Fatalf("unexpected display name: %s", claims.UserDisplayName)
	}
}

func TestSessionValidatorRejectsInvalidTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestSessionValidator(t, clockNow)

	expired := validSessionClaims(clockNow)
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	foreignIssuer := validSessionClaims(clockNow)
	foreignIssuer.Issuer = "someone-else"
	anonymous := validSessionClaims(clockNow)
	anonymous.UserID = ""
	anonymous.Subject = ""
	relayTicket := validSessionClaims(clockNow)
	relayTicket.Audience = jwt.ClaimStrings{roomTicketAudience}

	testCases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty", token: " ", expected: ErrMissingSessionToken},
		{name: "expired", token: signSession(t, expired, testSigningSecret), expected: ErrExpiredSessionToken},
		{name: "wrong secret", token: signSession(t, validSessionClaims(clockNow), "other"), expected: ErrInvalidSessionToken},
		{name: "wrong issuer", token: signSession(t, foreignIssuer, testSigningSecret), expected: ErrInvalidSessionToken},
		{name: "no subject", token: signSession(t, anonymous, testSigningSecret), expected: ErrMissingSessionSubject},
		{name: "relay audience", token: signSession(t, relayTicket, testSigningSecret), expected: ErrInvalidSessionToken},
		{name: "garbage", token: "not-a-jwt", expected: ErrInvalidSessionToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestSessionValidator(t, clockNow)
	signed := signSession(t, validSessionClaims(clockNow), testSigningSecret)

	cookieRequest := httptest.NewRequest(http.MethodGet, "/contracts/c-1", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	if claims, err := validator.ValidateRequest(cookieRequest); err != nil || claims.UserID != testSessionUserID {
		t.Fatalf("expected cookie session to validate, got %v", err)
	}

	bearerRequest := httptest.NewRequest(http.MethodGet, "/contracts/c-1", http.NoBody)
	bearerRequest.Header.Set("Authorization", "Bearer "+signed)
	if claims, err := validator.ValidateRequest(bearerRequest); err != nil || claims.UserID != testSessionUserID {
		t.Fatalf("expected bearer session to validate, got %v", err)
	}

	basicRequest := httptest.NewRequest(http.MethodGet, "/contracts/c-1", http.NoBody)
	basicRequest.Header.Set("Authorization", "Basic abc")
	basicRequest.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	if _, err := validator.ValidateRequest(basicRequest); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected malformed authorization header to be rejected, got %v", err)
	}

	emptyRequest := httptest.NewRequest(http.MethodGet, "/contracts/c-1", http.NoBody)
	if _, err := validator.ValidateRequest(emptyRequest); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		config   SessionValidatorConfig
		expected error
	}{
		{name: "secret", config: SessionValidatorConfig{Issuer: "i", CookieName: "c"}, expected: ErrMissingSessionSigningKey},
		{name: "issuer", config: SessionValidatorConfig{SigningSecret: []byte("s"), CookieName: "c"}, expected: ErrMissingSessionIssuer},
		{name: "cookie", config: SessionValidatorConfig{SigningSecret: []byte("s"), Issuer: "i"}, expected: ErrMissingSessionCookieName},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewSessionValidator(testCase.config); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}
