package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/felipepmaragno/credential-broker/internal/broker"
	"github.com/felipepmaragno/credential-broker/internal/circuitbreaker"
	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/httputil"
	"github.com/felipepmaragno/credential-broker/internal/repository"
	"github.com/felipepmaragno/credential-broker/internal/session"
)

const testClientKey = "cb-test-client-key"

// MockRefresher implements broker.Refresher for testing
type MockRefresher struct {
	RefreshFunc func(ctx context.Context, cred domain.Credential, proxy *domain.ProxyConfig) (*oauth2.Token, error)
}

func (m *MockRefresher) Refresh(ctx context.Context, cred domain.Credential, proxy *domain.ProxyConfig) (*oauth2.Token, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, cred, proxy)
	}
	return nil, errors.New("not implemented")
}

// MockHealthChecker implements HealthChecker for testing
type MockHealthChecker struct {
	name string
	err  error
}

func (m *MockHealthChecker) Name() string                    { return m.name }
func (m *MockHealthChecker) Check(ctx context.Context) error { return m.err }

// upstreamRecorder remembers the bearer tokens it was called with.
type upstreamRecorder struct {
	mu     sync.Mutex
	tokens []string
}

func (u *upstreamRecorder) record(r *http.Request) string {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	u.mu.Lock()
	u.tokens = append(u.tokens, token)
	u.mu.Unlock()
	return token
}

func (u *upstreamRecorder) seen() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.tokens...)
}

type testEnv struct {
	broker   *broker.Broker
	apiKeys  *repository.InMemoryAPIKeyRepository
	handler  *Handler
	upstream *httptest.Server
}

func newTestEnv(t *testing.T, upstream http.HandlerFunc, checkers ...HealthChecker) *testEnv {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg := broker.DefaultConfig()
	cfg.RefreshBackoff = time.Millisecond
	b := broker.New(cfg, &MockRefresher{}, session.New(100, time.Hour))

	keys := repository.NewInMemoryAPIKeyRepository()
	require.NoError(t, keys.Create(context.Background(),
		repository.NewAPIKeyWithSecret("client", "test client", testClientKey, time.Now())))

	h := NewHandler(HandlerConfig{
		Broker:      b,
		APIKeys:     keys,
		Clients:     httputil.NewClientCache(httputil.DefaultConfig()),
		UpstreamURL: srv.URL,
		MaxAttempts: 3,
		Checkers:    checkers,
	})

	return &testEnv{broker: b, apiKeys: keys, handler: h, upstream: srv}
}

// addCredential registers a credential whose access token is valid for an hour.
func (e *testEnv) addCredential(t *testing.T, poolID, accessToken string) domain.Credential {
	t.Helper()
	cred, err := e.broker.AddCredential(broker.CredentialSpec{
		PoolID:       poolID,
		RefreshToken: "rt-" + accessToken,
		AccessToken:  accessToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return cred
}

func (e *testEnv) forward(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages?beta=true", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", testClientKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp["error"]
}

const testBody = `{"model":"claude","messages":[{"role":"user","content":"hi"}]}`

func TestForward_MissingAPIKey(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(testBody))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	errBody := decodeError(t, rec)
	assert.Equal(t, "authentication_error", errBody["type"])
	assert.Equal(t, float64(http.StatusUnauthorized), errBody["code"])
}

func TestForward_InvalidAPIKey(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	})

	rec := env.forward(t, testBody, map[string]string{"X-Api-Key": "cb-wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForward_DisabledAPIKey(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	})
	require.NoError(t, env.apiKeys.SetEnabled(context.Background(), "client", false))

	rec := env.forward(t, testBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForward_Success(t *testing.T) {
	var got struct {
		path, query, auth, apiKey, session, contentType string
		body                                            []byte
	}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.apiKey = r.Header.Get("X-Api-Key")
		got.session = r.Header.Get("X-Session-ID")
		got.contentType = r.Header.Get("Content-Type")
		got.body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.Write([]byte(`{"id":"msg_1"}`))
	})
	cred := env.addCredential(t, "", "at-1")

	rec := env.forward(t, testBody, map[string]string{"X-Session-ID": "s1", "X-Request-ID": "req-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"msg_1"}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	assert.Equal(t, "/v1/messages", got.path)
	assert.Equal(t, "beta=true", got.query)
	assert.Equal(t, "Bearer at-1", got.auth)
	assert.Empty(t, got.apiKey, "client key must not leak upstream")
	assert.Empty(t, got.session)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, testBody, string(got.body))

	stored, err := env.broker.GetCredential(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Stats.SuccessCount)
	assert.Equal(t, 0, stored.Stats.FailureCount)
}

func TestForward_GeneratesRequestID(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	env.addCredential(t, "", "at-1")

	rec := env.forward(t, testBody, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestForward_RetriesOnAnotherCredential(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if upstream.record(r) == "at-1" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"slow down"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	c1 := env.addCredential(t, "", "at-1")
	c2 := env.addCredential(t, "", "at-2")

	rec := env.forward(t, testBody, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"at-1", "at-2"}, upstream.seen())

	first, err := env.broker.GetCredential(c1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Stats.FailureCount)

	second, err := env.broker.GetCredential(c2.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Stats.SuccessCount)
}

func TestForward_RetryMovesSessionOffFailingCredential(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if upstream.record(r) == "at-1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	env.addCredential(t, "", "at-1")
	env.addCredential(t, "", "at-2")

	headers := map[string]string{"X-Session-ID": "s1"}
	require.Equal(t, http.StatusOK, env.forward(t, testBody, headers).Code)
	require.Equal(t, http.StatusOK, env.forward(t, testBody, headers).Code)

	// The session is re-pinned to the credential that answered.
	assert.Equal(t, []string{"at-1", "at-2", "at-2"}, upstream.seen())
}

func TestForward_QuotaExhaustedDisablesCredential(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if upstream.record(r) == "at-1" {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c1 := env.addCredential(t, "", "at-1")
	env.addCredential(t, "", "at-2")

	rec := env.forward(t, testBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.broker.GetCredential(c1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAutoDisabled, stored.State)
	assert.Equal(t, domain.ReasonQuotaExceeded, stored.DisabledReason)
}

func TestForward_ClientErrorIsNotRetried(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		upstream.record(r)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad model"}`))
	})
	cred := env.addCredential(t, "", "at-1")
	env.addCredential(t, "", "at-2")

	rec := env.forward(t, testBody, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"bad model"}`, rec.Body.String())
	assert.Len(t, upstream.seen(), 1)

	stored, err := env.broker.GetCredential(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Stats.FailureCount)
}

func TestForward_LastUpstreamErrorIsReturned(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		upstream.record(r)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"overloaded"}`))
	})
	env.addCredential(t, "", "at-1")
	env.addCredential(t, "", "at-2")
	env.addCredential(t, "", "at-3")

	rec := env.forward(t, testBody, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"overloaded"}`, rec.Body.String())
	assert.Len(t, upstream.seen(), 3)
}

func TestForward_CircuitBreakerStopsTraffic(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		upstream.record(r)
		w.WriteHeader(http.StatusBadGateway)
	})
	env.addCredential(t, "", "at-1")
	env.addCredential(t, "", "at-2")

	h := NewHandler(HandlerConfig{
		Broker:      env.broker,
		APIKeys:     env.apiKeys,
		Clients:     httputil.NewClientCache(httputil.DefaultConfig()),
		UpstreamURL: env.upstream.URL,
		MaxAttempts: 3,
		Breakers: circuitbreaker.NewManager(circuitbreaker.Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(testBody))
	req.Header.Set("X-Api-Key", testClientKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Len(t, upstream.seen(), 2, "the third attempt is stopped by the open circuit")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var health struct {
		Upstreams map[string]string `json:"upstreams"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "open", health.Upstreams[strings.TrimPrefix(env.upstream.URL, "http://")])
}

func TestForward_NoCredentialAvailable(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	})

	rec := env.forward(t, testBody, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "overloaded_error", decodeError(t, rec)["type"])
}

func TestForward_RefreshFailureFailsOver(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		upstream.record(r)
		w.WriteHeader(http.StatusOK)
	})

	_, err := env.broker.AddCredential(broker.CredentialSpec{RefreshToken: "rt-expired"})
	require.NoError(t, err)
	env.addCredential(t, "", "at-2")

	rec := env.forward(t, testBody, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"at-2"}, upstream.seen())
}

func TestForward_UsesBoundPool(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		upstream.record(r)
		w.WriteHeader(http.StatusOK)
	})
	_, err := env.broker.CreatePool(broker.PoolSpec{ID: "p1", Name: "Pool 1"})
	require.NoError(t, err)

	env.addCredential(t, "", "at-default")
	env.addCredential(t, "p1", "at-p1")
	require.NoError(t, env.broker.BindAPIKey("client", "p1"))

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.forward(t, testBody, nil).Code)
	}
	assert.Equal(t, []string{"at-p1", "at-p1", "at-p1"}, upstream.seen())
}

func TestForward_SessionAffinity(t *testing.T) {
	upstream := &upstreamRecorder{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		upstream.record(r)
		w.WriteHeader(http.StatusOK)
	})
	env.addCredential(t, "", "at-1")
	env.addCredential(t, "", "at-2")

	body := `{"metadata":{"user_id":"user_abc_account__session_1234__x"},"messages":[]}`
	for i := 0; i < 4; i++ {
		require.Equal(t, http.StatusOK, env.forward(t, body, nil).Code)
	}

	seen := upstream.seen()
	require.Len(t, seen, 4)
	for _, token := range seen {
		assert.Equal(t, seen[0], token)
	}
}

func TestExtractSessionKey(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		header string
		want   string
	}{
		{
			name: "session in metadata user id",
			body: `{"metadata":{"user_id":"user_1_account__session_0b44-f5be__tail"}}`,
			want: "session_0b44-f5be",
		},
		{
			name: "session at end of user id",
			body: `{"metadata":{"user_id":"user_1_session_abc"}}`,
			want: "session_abc",
		},
		{
			name:   "metadata wins over header",
			body:   `{"metadata":{"user_id":"session_meta"}}`,
			header: "hdr",
			want:   "session_meta",
		},
		{
			name:   "header when user id has no session",
			body:   `{"metadata":{"user_id":"user_1"}}`,
			header: "hdr",
			want:   "hdr",
		},
		{
			name: "no session information",
			body: `{"messages":[]}`,
			want: "",
		},
		{
			name: "invalid json",
			body: `not json`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			if tt.header != "" {
				req.Header.Set("X-Session-ID", tt.header)
			}
			assert.Equal(t, tt.want, extractSessionKey(req, []byte(tt.body)))
		})
	}
}

func TestExtractSessionKey_SystemPromptHash(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)

	fromString := extractSessionKey(req, []byte(`{"system":"You are helpful."}`))
	fromBlocks := extractSessionKey(req, []byte(`{"system":[{"type":"text","text":"You are "},{"type":"text","text":"helpful."}]}`))
	other := extractSessionKey(req, []byte(`{"system":"Something else"}`))

	assert.True(t, strings.HasPrefix(fromString, "sys_"))
	assert.Len(t, fromString, len("sys_")+16)
	assert.Equal(t, fromString, fromBlocks)
	assert.NotEqual(t, fromString, other)
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		outcome   domain.Outcome
		retryable bool
	}{
		{http.StatusOK, "", domain.OutcomeSuccess, false},
		{http.StatusCreated, "", domain.OutcomeSuccess, false},
		{http.StatusBadRequest, `{"error":"bad"}`, domain.OutcomeSuccess, false},
		{http.StatusNotFound, "", domain.OutcomeSuccess, false},
		{http.StatusUnauthorized, "", domain.OutcomeFailure, true},
		{http.StatusForbidden, "", domain.OutcomeFailure, true},
		{http.StatusTooManyRequests, "", domain.OutcomeFailure, true},
		{http.StatusInternalServerError, "", domain.OutcomeFailure, true},
		{http.StatusBadGateway, "", domain.OutcomeFailure, true},
		{http.StatusPaymentRequired, "", domain.OutcomeQuotaExhausted, true},
		{http.StatusTooManyRequests, `{"reason":"MONTHLY_REQUEST_COUNT"}`, domain.OutcomeQuotaExhausted, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status)+tt.body, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Body:       io.NopCloser(bytes.NewBufferString(tt.body)),
			}
			outcome, retryable, peeked := classifyResponse(resp)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.retryable, retryable)
			if tt.status >= 400 {
				assert.Equal(t, tt.body, string(peeked))
			}
		})
	}
}

func TestExtractAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	assert.Empty(t, extractAPIKey(req))

	req.Header.Set("Authorization", "Bearer from-bearer")
	assert.Equal(t, "from-bearer", extractAPIKey(req))

	req.Header.Set("X-Api-Key", "from-header")
	assert.Equal(t, "from-header", extractAPIKey(req))
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	live := get("/health/live")
	assert.Equal(t, http.StatusOK, live.Code)
	assert.JSONEq(t, `{"status":"ok"}`, live.Body.String())

	ready := get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, ready.Code, "no credentials means not ready")

	env.addCredential(t, "", "at-1")

	ready = get("/health/ready")
	require.Equal(t, http.StatusOK, ready.Code)
	var status ReadinessReport
	require.NoError(t, json.NewDecoder(ready.Body).Decode(&status))
	assert.Equal(t, "ready", status.Status)
	assert.Equal(t, "ok", status.Checks["credentials"].Status)
	require.NotNil(t, status.Credentials)
	assert.Equal(t, broker.HealthHealthy, status.Credentials.Status)

	summary := get("/health")
	require.Equal(t, http.StatusOK, summary.Code)
	var health broker.HealthSummary
	require.NoError(t, json.NewDecoder(summary.Body).Decode(&health))
	assert.Equal(t, 1, health.Total)
	assert.Equal(t, 1, health.Available)
}

func TestHealthReady_FailingDependency(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {},
		&MockHealthChecker{name: "redis", err: errors.New("connection refused")},
	)
	env.addCredential(t, "", "at-1")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status ReadinessReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "not_ready", status.Status)
	assert.Equal(t, "error", status.Checks["redis"].Status)
	assert.Equal(t, "connection refused", status.Checks["redis"].Error)
	assert.Equal(t, "ok", status.Checks["credentials"].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRunHealthChecks_ReportsEveryCheck(t *testing.T) {
	results := runHealthChecks(context.Background(), []HealthChecker{
		&MockHealthChecker{name: "redis", err: errors.New("timeout")},
		&MockHealthChecker{name: "postgres", err: errors.New("refused")},
		&MockHealthChecker{name: "credentials"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "timeout", results["redis"].Error)
	assert.Equal(t, "refused", results["postgres"].Error)
	assert.Equal(t, "ok", results["credentials"].Status)
	assert.NotEmpty(t, results["credentials"].Duration)
}
