package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	authcore "github.com/sentinelvault/authcore"
)

const (
	testUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	testPassword = "correct-horse-battery"
)

var testApprovalSecret = []byte("0123456789abcdef0123456789abcdef")

type memoryProvider struct {
	mu      sync.Mutex
	byEmail map[string]*authcore.PrincipalRecord
	byID    map[string]*authcore.PrincipalRecord
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{
		byEmail: make(map[string]*authcore.PrincipalRecord),
		byID:    make(map[string]*authcore.PrincipalRecord),
	}
}

func (p *memoryProvider) CreatePrincipal(_ context.Context, rec *authcore.PrincipalRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byEmail[rec.Email]; ok {
		return authcore.ErrAccountExists
	}
	cp := *rec
	p.byEmail[cp.Email] = &cp
	p.byID[cp.ID] = &cp
	return nil
}

func (p *memoryProvider) ByEmail(_ context.Context, email string) (*authcore.PrincipalRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byEmail[email]
	if !ok {
		return nil, authcore.ErrPrincipalNotFound
	}
	cp := *rec
	return &cp, nil
}

func (p *memoryProvider) ByID(_ context.Context, id string) (*authcore.PrincipalRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byID[id]
	if !ok {
		return nil, authcore.ErrPrincipalNotFound
	}
	cp := *rec
	return &cp, nil
}

func (p *memoryProvider) UpdatePasswordHash(_ context.Context, id, hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byID[id]
	if !ok {
		return authcore.ErrPrincipalNotFound
	}
	rec.PasswordHash = hash
	return nil
}

func newTestHandler(t *testing.T, mutate func(*authcore.Config), opts ...Option) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.MFA.ApprovalSecret = testApprovalSecret
	cfg.Session.TTL = time.Hour
	cfg.RateLimit.Enabled = false
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.KeyLength = 16
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPrincipalProvider(newMemoryProvider()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	opts = append([]Option{WithBaseURL("https://auth.example.com")}, opts...)
	return NewServer(engine, opts...).Router()
}

// doJSON issues a request with browser-shaped fingerprint headers and
// decodes the JSON response body.
func doJSON(t *testing.T, h http.Handler, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		req.Header[k] = vs
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func bearerHeader(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// registerAndLogin drives the full password flow over HTTP, approving the
// step-up challenge an unfamiliar device triggers, and returns the final
// login result payload.
func registerAndLogin(t *testing.T, h http.Handler, email string) map[string]any {
	t.Helper()
	rec, _ := doJSON(t, h, http.MethodPost, "/auth/register", map[string]string{
		"email": email, "password": testPassword,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body)
	}

	rec, body := doJSON(t, h, http.MethodPost, "/auth/login", map[string]string{
		"email": email, "password": testPassword,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rec.Code, rec.Body)
	}
	result := body["result"].(map[string]any)
	if requires, _ := result["requires_mfa"].(bool); requires {
		code := result["mfa_challenge"].(string)
		principal := result["principal_id"].(string)
		solution := authcore.ComputeChallengeSolution(testApprovalSecret, code, principal)

		rec, _ = doJSON(t, h, http.MethodPost, "/mfa/challenge/"+code+"/approve", map[string]string{
			"solution": solution,
		}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("approve: status %d body %s", rec.Code, rec.Body)
		}

		rec, body = doJSON(t, h, http.MethodPost, "/auth/login", map[string]string{
			"email": email, "password": testPassword, "mfa_code": code,
		}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("login with mfa code: status %d body %s", rec.Code, rec.Body)
		}
		result = body["result"].(map[string]any)
	}
	if tok, _ := result["access_token"].(string); tok == "" {
		t.Fatal("login result carries no access token")
	}
	return result
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, nil)
	rec, body := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if body["success"] != true || body["status"] != "ok" {
		t.Fatalf("body: %v", body)
	}
}

func TestRegisterLoginAndMe(t *testing.T) {
	h := newTestHandler(t, nil)
	result := registerAndLogin(t, h, "user@example.com")

	access := result["access_token"].(string)
	rec, body := doJSON(t, h, http.MethodGet, "/auth/me", nil, bearerHeader(access))
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d body %s", rec.Code, rec.Body)
	}
	if body["email"] != "user@example.com" {
		t.Fatalf("email: %v", body["email"])
	}
	if body["method"] != "password" {
		t.Fatalf("method: %v", body["method"])
	}
	if body["principal_id"] != result["principal_id"] {
		t.Fatalf("principal mismatch: %v vs %v", body["principal_id"], result["principal_id"])
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	h := newTestHandler(t, nil)

	cases := []map[string]string{
		{"email": "not-an-email", "password": testPassword},
		{"email": "user@example.com", "password": "short"},
		{"email": "", "password": testPassword},
	}
	for _, c := range cases {
		rec, body := doJSON(t, h, http.MethodPost, "/auth/register", c, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("input %v: status %d", c, rec.Code)
			continue
		}
		errBody := body["error"].(map[string]any)
		if errBody["code"] != "validation_error" {
			t.Errorf("input %v: error code %v", c, errBody["code"])
		}
	}

	// Malformed JSON body.
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader("{nope"))
	req.Header.Set("User-Agent", testUA)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", rec.Code)
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	h := newTestHandler(t, nil)
	payload := map[string]string{"email": "dup@example.com", "password": testPassword}

	rec, _ := doJSON(t, h, http.MethodPost, "/auth/register", payload, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first register: status %d", rec.Code)
	}
	rec, body := doJSON(t, h, http.MethodPost, "/auth/register", payload, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register: status %d", rec.Code)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "conflict_error" {
		t.Fatalf("error code: %v", errBody["code"])
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	h := newTestHandler(t, nil)
	registerAndLogin(t, h, "user@example.com")

	for _, c := range []map[string]string{
		{"email": "user@example.com", "password": "wrong-password-value"},
		{"email": "ghost@example.com", "password": testPassword},
	} {
		rec, body := doJSON(t, h, http.MethodPost, "/auth/login", c, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("input %v: status %d", c, rec.Code)
			continue
		}
		errBody := body["error"].(map[string]any)
		if errBody["code"] != "authentication_error" || errBody["message"] != "authentication failed" {
			t.Errorf("input %v: leaked detail %v", c, errBody)
		}
	}
}

func TestRefreshRotatesAndInvalidatesOldToken(t *testing.T) {
	h := newTestHandler(t, nil)
	result := registerAndLogin(t, h, "user@example.com")
	refresh := result["refresh_token"].(string)

	rec, body := doJSON(t, h, http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", rec.Code, rec.Body)
	}
	next := body["result"].(map[string]any)
	if next["refresh_token"] == refresh {
		t.Fatal("refresh token was not rotated")
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: status %d", rec.Code)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	h := newTestHandler(t, nil)
	result := registerAndLogin(t, h, "user@example.com")
	access := result["access_token"].(string)

	rec, _ := doJSON(t, h, http.MethodPost, "/auth/logout", nil, bearerHeader(access))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: status %d body %s", rec.Code, rec.Body)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/auth/me", nil, bearerHeader(access))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout: status %d", rec.Code)
	}
}

func TestSessionsListsActiveSession(t *testing.T) {
	h := newTestHandler(t, nil)
	result := registerAndLogin(t, h, "user@example.com")
	access := result["access_token"].(string)

	rec, body := doJSON(t, h, http.MethodGet, "/auth/session", nil, bearerHeader(access))
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions: status %d body %s", rec.Code, rec.Body)
	}
	sessions := body["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions: %d", len(sessions))
	}
	first := sessions[0].(map[string]any)
	if current, _ := first["current"].(bool); !current {
		t.Fatalf("session not marked current: %v", first)
	}
}

func TestGuardedRoutesRejectAnonymous(t *testing.T) {
	h := newTestHandler(t, nil)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/auth/me"},
		{http.MethodGet, "/auth/session"},
		{http.MethodPost, "/auth/logout"},
		{http.MethodPost, "/mfa/challenge"},
	}
	for _, p := range paths {
		rec, _ := doJSON(t, h, p.method, p.path, nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status %d", p.method, p.path, rec.Code)
		}
	}
}

func TestMFAStatusUnknownCode(t *testing.T) {
	h := newTestHandler(t, nil)
	rec, body := doJSON(t, h, http.MethodGet, "/mfa/challenge/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "not_found" {
		t.Fatalf("error code: %v", errBody["code"])
	}
}

func TestMFAApproveWithoutProofIsRejected(t *testing.T) {
	h := newTestHandler(t, nil)
	rec, _ := doJSON(t, h, http.MethodPost, "/mfa/challenge/abc/approve", map[string]string{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("User-Agent", testUA)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain; version=0.0.4") {
		t.Fatalf("content type: %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "authcore_audit_dropped_total") {
		t.Fatalf("exposition missing audit counter: %s", rec.Body)
	}
}

func TestDiscoveryAndJWKSEndpoints(t *testing.T) {
	h := newTestHandler(t, nil)

	rec, body := doJSON(t, h, http.MethodGet, "/oidc/.well-known/openid-configuration", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("discovery: status %d", rec.Code)
	}
	if body["issuer"] == "" || body["issuer"] == nil {
		t.Fatalf("discovery issuer missing: %v", body)
	}
	authz, _ := body["authorization_endpoint"].(string)
	if !strings.HasPrefix(authz, "https://auth.example.com/") {
		t.Fatalf("authorization_endpoint not rooted at base URL: %q", authz)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/oidc/jwks", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("jwks: status %d", rec.Code)
	}
	keys, _ := body["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("jwks keys: %v", body)
	}
}

func TestAuthorizeValidatesClient(t *testing.T) {
	h := newTestHandler(t, nil)

	rec, body := doJSON(t, h, http.MethodGet,
		"/oidc/authorize?client_id=nope&redirect_uri=https%3A%2F%2Frp.example.com%2Fcb&response_type=code", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d body %s", rec.Code, rec.Body)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "not_found" {
		t.Fatalf("error code: %v", errBody["code"])
	}
}

func TestRateLimitedLoginReturns429(t *testing.T) {
	// httptest requests arrive from 192.0.2.1, here playing the reverse
	// proxy, so its forwarded header is honored.
	h := newTestHandler(t, func(cfg *authcore.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.MaxAttempts = 3
		cfg.RateLimit.Window = time.Minute
	}, WithTrustedProxies("192.0.2.0/24"))

	// Register from a distinct client address so the attack bucket below
	// starts empty.
	registerHeader := http.Header{"X-Forwarded-For": {"198.51.100.9"}}
	rec, _ := doJSON(t, h, http.MethodPost, "/auth/register", map[string]string{
		"email": "user@example.com", "password": testPassword,
	}, registerHeader)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body)
	}

	attack := http.Header{"X-Forwarded-For": {"203.0.113.66"}}
	wrong := map[string]string{"email": "user@example.com", "password": "wrong-password-value"}
	for i := 0; i < 3; i++ {
		rec, _ = doJSON(t, h, http.MethodPost, "/auth/login", wrong, attack)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i+1, rec.Code)
		}
	}

	rec, body := doJSON(t, h, http.MethodPost, "/auth/login", wrong, attack)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("limited attempt: status %d body %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if retry, _ := body["retry_after_seconds"].(float64); retry < 1 {
		t.Fatalf("retry_after_seconds: %v", body["retry_after_seconds"])
	}
}

func TestForwardedForIgnoredWithoutTrustedProxy(t *testing.T) {
	h := newTestHandler(t, func(cfg *authcore.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.MaxAttempts = 3
		cfg.RateLimit.Window = time.Minute
	})

	// Register under a different User-Agent so its attempt lands on
	// another limiter key than the attack below.
	regHeader := http.Header{"User-Agent": {"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:124.0) Gecko/20100101 Firefox/124.0"}}
	rec, _ := doJSON(t, h, http.MethodPost, "/auth/register", map[string]string{
		"email": "user@example.com", "password": testPassword,
	}, regHeader)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body)
	}

	// No trusted proxies are configured, so rotating the forwarded
	// header must not buy the caller a fresh limiter bucket.
	wrong := map[string]string{"email": "user@example.com", "password": "wrong-password-value"}
	for i := 0; i < 3; i++ {
		spoof := http.Header{"X-Forwarded-For": {fmt.Sprintf("203.0.113.%d", 50+i)}}
		rec, _ = doJSON(t, h, http.MethodPost, "/auth/login", wrong, spoof)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d body %s", i+1, rec.Code, rec.Body)
		}
	}

	spoof := http.Header{"X-Forwarded-For": {"203.0.113.99"}}
	rec, _ = doJSON(t, h, http.MethodPost, "/auth/login", wrong, spoof)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("spoofed source escaped the limiter: status %d body %s", rec.Code, rec.Body)
	}
}

func TestRequestLoggerPreservesStatus(t *testing.T) {
	h := newTestHandler(t, nil)
	rec, _ := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	// A 404 from the router passes through the logger unchanged.
	rec, _ = doJSON(t, h, http.MethodGet, fmt.Sprintf("/no-such-route-%d", time.Now().UnixNano()), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route status: %d", rec.Code)
	}
}
