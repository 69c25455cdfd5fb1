package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/credential-broker/internal/broker"
	"github.com/felipepmaragno/credential-broker/internal/circuitbreaker"
	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/httputil"
	"github.com/felipepmaragno/credential-broker/internal/metrics"
	"github.com/felipepmaragno/credential-broker/internal/repository"
	"github.com/felipepmaragno/credential-broker/internal/telemetry"
)

const (
	maxRequestBody  = 10 << 20
	maxErrorBodyLog = 512
)

// hopHeaders are not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type HandlerConfig struct {
	Broker       *broker.Broker
	APIKeys      repository.APIKeyRepository
	Clients      *httputil.ClientCache
	UpstreamURL  string
	MaxAttempts  int
	// Breakers guards the upstream; nil uses circuitbreaker.DefaultConfig.
	Breakers     *circuitbreaker.Manager
	Checkers     []HealthChecker
	ReadyTimeout time.Duration
}

type Handler struct {
	broker       *broker.Broker
	apiKeys      repository.APIKeyRepository
	clients      *httputil.ClientCache
	upstreamURL  string
	maxAttempts  int
	breakers     *circuitbreaker.Manager
	upstreamHost string
	checkers     []HealthChecker
	readyTimeout time.Duration
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 5 * time.Second
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	}
	upstreamHost := cfg.UpstreamURL
	if u, err := url.Parse(cfg.UpstreamURL); err == nil && u.Host != "" {
		upstreamHost = u.Host
	}

	h := &Handler{
		broker:       cfg.Broker,
		apiKeys:      cfg.APIKeys,
		clients:      cfg.Clients,
		upstreamURL:  strings.TrimRight(cfg.UpstreamURL, "/"),
		maxAttempts:  maxAttempts,
		breakers:     breakers,
		upstreamHost: upstreamHost,
		checkers:     append([]HealthChecker{NewBrokerHealthChecker(cfg.Broker)}, cfg.Checkers...),
		readyTimeout: readyTimeout,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("/v1/", h.handleForward)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	ctx, span := telemetry.StartSpan(ctx, "api.Forward")
	defer span.End()
	telemetry.AddRequestID(span, requestID)

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		metrics.RecordProxyRequest("unauthorized")
		writeError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	key, err := h.apiKeys.GetByKey(ctx, apiKey)
	if err != nil {
		slog.Warn("invalid API key", "error", err, "request_id", requestID)
		metrics.RecordProxyRequest("unauthorized")
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		metrics.RecordProxyRequest("bad_request")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target := h.broker.ResolveAPIKey(key.ID)
	sessionKey := extractSessionKey(r, body)
	telemetry.AddSelectionAttributes(span, target, sessionKey)
	breaker := h.breakers.Get(h.upstreamHost)

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		if err := breaker.Allow(); err != nil {
			lastErr = err
			break
		}

		lease, err := h.broker.Acquire(ctx, target, sessionKey)
		if err != nil {
			lastErr = err
			break
		}
		telemetry.AddCredentialAttributes(span, lease.Credential.PoolID, lease.Credential.ID)

		resp, latency, err := h.send(ctx, r, body, lease)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("client went away", "request_id", requestID, "credential_id", lease.Credential.ID)
				metrics.RecordProxyRequest("canceled")
				return
			}
			slog.Warn("upstream request failed",
				"request_id", requestID,
				"credential_id", lease.Credential.ID,
				"attempt", attempt,
				"error", err,
			)
			breaker.RecordFailure()
			h.report(lease.Credential.ID, domain.OutcomeFailure, latency)
			h.broker.ForgetSession(target, sessionKey)
			lastErr = err
			continue
		}

		outcome, retryable, peeked := classifyResponse(resp)
		if resp.StatusCode >= 500 {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
		h.report(lease.Credential.ID, outcome, latency)

		if retryable && attempt < h.maxAttempts {
			slog.Warn("upstream rejected request, retrying on another credential",
				"request_id", requestID,
				"credential_id", lease.Credential.ID,
				"status", resp.StatusCode,
				"outcome", outcome.String(),
				"attempt", attempt,
				"body", truncate(peeked, maxErrorBodyLog),
			)
			resp.Body.Close()
			h.broker.ForgetSession(target, sessionKey)
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			continue
		}

		slog.Info("request forwarded",
			"request_id", requestID,
			"api_key_id", key.ID,
			"pool_id", lease.Credential.PoolID,
			"credential_id", lease.Credential.ID,
			"status", resp.StatusCode,
			"attempts", attempt,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		metrics.RecordProxyRequest(statusClass(resp.StatusCode))
		copyResponse(w, resp, peeked)
		return
	}

	telemetry.AddErrorAttribute(span, lastErr)
	slog.Error("request failed",
		"request_id", requestID,
		"api_key_id", key.ID,
		"target", target,
		"last_status", lastStatus,
		"error", lastErr,
	)

	switch {
	case errors.Is(lastErr, circuitbreaker.ErrOpen):
		metrics.RecordProxyRequest("circuit_open")
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable")
	case errors.Is(lastErr, domain.ErrNoCredentialAvailable), errors.Is(lastErr, domain.ErrPoolNotFound):
		metrics.RecordProxyRequest("unavailable")
		writeError(w, http.StatusServiceUnavailable, "no credential available")
	default:
		metrics.RecordProxyRequest("bad_gateway")
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", lastErr))
	}
}

func (h *Handler) send(ctx context.Context, r *http.Request, body []byte, lease *broker.Lease) (*http.Response, time.Duration, error) {
	client, err := h.clients.Get(lease.Proxy)
	if err != nil {
		return nil, 0, err
	}

	upstream := h.upstreamURL + r.URL.Path
	if r.URL.RawQuery != "" {
		upstream += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstream, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	copyRequestHeaders(req.Header, r.Header)
	req.Header.Set("Authorization", "Bearer "+lease.AccessToken)

	start := time.Now()
	resp, err := client.Do(req)
	return resp, time.Since(start), err
}

func (h *Handler) report(id uint64, outcome domain.Outcome, latency time.Duration) {
	if err := h.broker.ReportOutcome(id, outcome, latency); err != nil {
		// The credential may have been deleted while the request was in flight.
		slog.Debug("outcome not recorded", "credential_id", id, "error", err)
	}
}

// classifyResponse maps an upstream response to a credential outcome. Error
// bodies are read so quota exhaustion can be told apart from other rejections;
// the bytes read are returned for replay.
func classifyResponse(resp *http.Response) (domain.Outcome, bool, []byte) {
	code := resp.StatusCode
	if code < 400 {
		return domain.OutcomeSuccess, false, nil
	}

	peeked, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if code == http.StatusPaymentRequired || isQuotaBody(peeked) {
		return domain.OutcomeQuotaExhausted, true, peeked
	}

	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return domain.OutcomeFailure, true, peeked
	case code >= 500:
		return domain.OutcomeFailure, true, peeked
	default:
		// Other 4xx are the client's fault; the credential itself was accepted.
		return domain.OutcomeSuccess, false, peeked
	}
}

func isQuotaBody(body []byte) bool {
	s := string(body)
	return strings.Contains(s, "MONTHLY_REQUEST_COUNT") || strings.Contains(s, "INSUFFICIENT_MODEL_CAPACITY")
}

func copyResponse(w http.ResponseWriter, resp *http.Response, peeked []byte) {
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, hh := range hopHeaders {
		w.Header().Del(hh)
	}
	w.WriteHeader(resp.StatusCode)

	if peeked != nil {
		w.Write(peeked)
		return
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "X-Api-Key", "Host", "Content-Length", "X-Session-Id":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, hh := range hopHeaders {
		dst.Del(hh)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		broker.HealthSummary
		Upstreams map[string]string `json:"upstreams,omitempty"`
	}{
		HealthSummary: h.broker.Health(),
		Upstreams:     h.breakers.States(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type sessionProbe struct {
	Metadata *struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
	System json.RawMessage `json:"system"`
}

// extractSessionKey derives the affinity key for a request. In order: the
// session_ part of metadata.user_id, the X-Session-ID header, then a hash of
// the system prompt. An empty key disables affinity.
func extractSessionKey(r *http.Request, body []byte) string {
	var probe sessionProbe
	if len(body) > 0 {
		_ = json.Unmarshal(body, &probe)
	}

	if probe.Metadata != nil {
		if i := strings.Index(probe.Metadata.UserID, "session_"); i >= 0 {
			part := probe.Metadata.UserID[i:]
			if end := strings.Index(part, "__"); end >= 0 {
				part = part[:end]
			}
			return part
		}
	}

	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}

	if text := systemText(probe.System); text != "" {
		sum := sha256.Sum256([]byte(text))
		return "sys_" + hex.EncodeToString(sum[:8])
	}
	return ""
}

// systemText accepts the system prompt as a string or as a list of text blocks.
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	return sb.String()
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusConflict:
		return "conflict_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	case http.StatusBadGateway:
		return "api_error"
	default:
		return "error"
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errorType(status),
			"code":    status,
		},
	})
}
