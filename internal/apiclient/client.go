// Package apiclient is the HTTP JSON client editors use to reach the contract API: snapshots,
// approvals, status changes and realtime room tickets.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 64 << 10
	headerAuthorization   = "Authorization"
	headerContentType     = "Content-Type"
	contentTypeJSON       = "application/json"
)

var (
	errMissingBaseURL     = errors.New("apiclient: base url is required")
	errMissingTokenSource = errors.New("apiclient: token source is required")
)

// TokenSource returns the session token sent as a bearer credential.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the contract API.
type Client struct {
	baseURL    *url.URL
	token      TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// New validates the configuration and constructs a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("apiclient: invalid base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: unsupported scheme %q", baseURL.Scheme)
	}
	if cfg.Token == nil {
		return nil, errMissingTokenSource
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// WebSocketBaseURL returns the base URL with a ws or wss scheme, as the relay transport expects.
func (c *Client) WebSocketBaseURL() string {
	socketURL := *c.baseURL
	if socketURL.Scheme == "https" {
		socketURL.Scheme = "wss"
	} else {
		socketURL.Scheme = "ws"
	}
	return socketURL.String()
}

// APIError is a non-2xx response decoded from the API error body.
type APIError struct {
	StatusCode int
	Code       string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("apiclient: %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("apiclient: %d %s %v", e.StatusCode, e.Code, e.Details)
}

// Is lets callers test API errors against the contracts error taxonomy.
func (e *APIError) Is(target error) bool {
	switch e.Code {
	case "access_denied":
		return target == contracts.ErrAccessDenied
	case "not_found":
		return target == contracts.ErrNotFound
	case "conflict":
		return target == contracts.ErrConflict
	case "invalid_state":
		return target == contracts.ErrInvalidState
	case "invalid_transition":
		return target == contracts.ErrInvalidTransition
	case "approvals_incomplete":
		return target == contracts.ErrApprovalsIncomplete
	case "persistence_failure":
		return target == contracts.ErrPersistenceFailure
	case "validation_failed", "invalid_request":
		return target == contracts.ErrValidation
	default:
		return false
	}
}

// Temporary reports whether retrying the same request later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func (c *Client) do(ctx context.Context, method, path string, body any, expected int, target any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, payload)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("apiclient: session token: %w", err)
	}
	request.Header.Set(headerAuthorization, "Bearer "+token)
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("api request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode != expected {
		return decodeAPIError(response)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(response *http.Response) error {
	apiErr := &APIError{StatusCode: response.StatusCode}
	var body struct {
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, maxErrorBodyBytes)).Decode(&body); err == nil {
		apiErr.Code = body.Error
		apiErr.Details = body.Details
	}
	if apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(response.StatusCode), " ", "_"))
	}
	return apiErr
}

func contractPath(contractID string, suffix string) string {
	return "/contracts/" + url.PathEscape(contractID) + suffix
}
