package flare

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/flaregames/flare/instrumentation"
	"github.com/flaregames/flare/providers"
	"github.com/flaregames/flare/providers/mock"
	"github.com/flaregames/flare/storage"
	"github.com/flaregames/flare/storage/memory"
)

const testSessionKey = "0123456789abcdef0123456789abcdef"

// secretPattern matches the login secret in log-delivered notifications.
var secretPattern = regexp.MustCompile(`"token":"([0-9a-f]{36})"`)

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *memory.Store
	logs    *bytes.Buffer
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	store := memory.NewWithInterval(0)
	t.Cleanup(func() { store.Close() })

	registry := providers.NewRegistry()
	registry.RegisterClaimedIdentity(&mock.Provider{NameValue: "steam"})
	registry.RegisterBearerToken(&mock.Provider{NameValue: "itch"})
	registry.RegisterAuthorizationCode(&mock.CodeProvider{NameValue: "epic"})
	registry.RegisterUnsupported("gog", "GOG has no public account linking API")

	cfg := &Config{
		BaseURL:  "http://localhost:8080",
		CacheDir: t.TempDir(),
		Auth:     AuthConfig{SessionKey: testSessionKey},
		Security: SecurityConfig{AllowedOrigins: []string{"https://app.example"}},
		Logger:   logger,
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewServer(cfg, store, registry)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(srv.Close)

	// Noop instrumentation, so every handler test also exercises the
	// metric and span recording paths.
	inst, err := instrumentation.New(instrumentation.Config{ServiceName: "flare-test"})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	srv.SetInstrumentation(inst)

	h := NewHandler(srv, logger)
	mux := http.NewServeMux()
	h.Routes(mux)

	return &testEnv{
		srv:     srv,
		handler: h.Middleware(mux),
		store:   store,
		logs:    logs,
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	r := httptest.NewRequest(method, target, reader)
	r.RemoteAddr = "203.0.113.50:12345"
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(r)
	}

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

// lastSecret pulls the most recently logged login secret.
func (e *testEnv) lastSecret(t *testing.T) string {
	t.Helper()
	matches := secretPattern.FindAllStringSubmatch(e.logs.String(), -1)
	if len(matches) == 0 {
		t.Fatal("no login secret in log output")
	}
	return matches[len(matches)-1][1]
}

// session creates a user directly and mints a session token for it.
func (e *testEnv) session(t *testing.T, email string) (userID, token string) {
	t.Helper()
	u, err := e.store.GetOrCreateUser(t.Context(), &storage.User{ID: "user-" + email, Email: email})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err = e.srv.Auth.Sessions().Issue(u.ID)
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	return u.ID, token
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestAuthInit(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/auth/init", `{"email":"alice@example.com"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var resp IssueTokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}
	if resp.UserID == "" {
		t.Error("user_id missing from response")
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want positive", resp.ExpiresIn)
	}

	// The secret goes out of band only, never in the response.
	if strings.Contains(w.Body.String(), env.lastSecret(t)) {
		t.Error("login secret leaked in the init response")
	}
}

func TestAuthInit_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "missing email", body: `{}`, wantCode: ErrorCodeInvalidInput},
		{name: "invalid email", body: `{"email":"not-an-email"}`, wantCode: ErrorCodeInvalidInput},
		{name: "malformed json", body: `{"email":`, wantCode: ErrorCodeInvalidInput},
		{name: "unknown field", body: `{"email":"a@example.com","extra":1}`, wantCode: ErrorCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/auth/init", tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if resp := decodeError(t, w); resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestAuthInit_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.Limit = 2
	})

	for i := 0; i < 2; i++ {
		w := env.do(t, "POST", "/api/auth/init", `{"email":"burst@example.com"}`, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}

	w := env.do(t, "POST", "/api/auth/init", `{"email":"burst@example.com"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeRateLimitExceeded)
	}
}

func TestAuthValidate(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, "POST", "/api/auth/init", `{"email":"alice@example.com"}`, nil)
	secret := env.lastSecret(t)

	w := env.do(t, "POST", "/api/auth/validate", fmt.Sprintf(`{"token":%q}`, secret), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var resp ValidateTokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.User.Email != "alice@example.com" {
		t.Errorf("user email = %q", resp.User.Email)
	}
	if resp.SessionToken == "" {
		t.Error("session token missing from response")
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("session cookie not set")
	}
	if !cookie.HttpOnly {
		t.Error("session cookie not HttpOnly")
	}
	if cookie.Value != resp.SessionToken {
		t.Error("cookie value differs from session token")
	}

	// The same secret cannot be redeemed twice.
	w = env.do(t, "POST", "/api/auth/validate", fmt.Sprintf(`{"token":%q}`, secret), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", w.Code)
	}
	if errResp := decodeError(t, w); errResp.Error != ErrorCodeInvalidOrExpiredToken {
		t.Errorf("replay error = %q, want %q", errResp.Error, ErrorCodeInvalidOrExpiredToken)
	}
}

func TestAuthValidate_UnknownToken(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/auth/validate", `{"token":"deadbeef"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeInvalidOrExpiredToken {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidOrExpiredToken)
	}
}

func TestAuthPoll(t *testing.T) {
	env := newTestEnv(t, nil)

	// No session at all is still a 200.
	w := env.do(t, "GET", "/api/auth/poll", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp PollResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Authenticated || resp.User != nil {
		t.Errorf("unauthenticated poll = %+v", resp)
	}

	// Garbage session is also a 200, not an error.
	w = env.do(t, "GET", "/api/auth/poll", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer garbage")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("garbage session status = %d, want 200", w.Code)
	}

	userID, token := env.session(t, "alice@example.com")
	w = env.do(t, "GET", "/api/auth/poll", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Authenticated || resp.User == nil || resp.User.ID != userID {
		t.Errorf("authenticated poll = %+v", resp)
	}

	// The session also rides in the cookie.
	w = env.do(t, "GET", "/api/auth/poll", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	})
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Authenticated {
		t.Error("cookie session not accepted")
	}
}

func TestConnectInit_RequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/connect/steam/init", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeUnauthenticated {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeUnauthenticated)
	}
}

func TestConnectInit(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")

	// Browser clients get the redirect.
	w := env.do(t, "GET", "/api/connect/steam/init", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, "https://provider.example/authorize") {
		t.Errorf("Location = %q", loc)
	}

	// JSON clients get the URL in the body.
	w = env.do(t, "GET", "/api/connect/steam/init", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
		r.Header.Set("Accept", "application/json")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp LinkInitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RedirectURL == "" {
		t.Error("redirect_url missing")
	}
}

func TestConnectInit_UnsupportedProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")

	for _, provider := range []string{"gog", "origin"} {
		w := env.do(t, "GET", "/api/connect/"+provider+"/init", "", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", provider, w.Code)
		}
		if resp := decodeError(t, w); resp.Error != ErrorCodeUnsupportedProvider {
			t.Errorf("%s error = %q, want %q", provider, resp.Error, ErrorCodeUnsupportedProvider)
		}
	}
}

// beginLink starts a link and returns the nonce or state embedded in the
// mock provider's redirect.
func beginLink(t *testing.T, env *testEnv, token, provider string) string {
	t.Helper()

	w := env.do(t, "GET", "/api/connect/"+provider+"/init", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
		r.Header.Set("Accept", "application/json")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("init status = %d, body = %s", w.Code, w.Body)
	}
	var resp LinkInitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode init response: %v", err)
	}
	u, err := url.Parse(resp.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect URL: %v", err)
	}
	return u.Query().Get("value")
}

func TestConnectComplete_ClaimedIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")
	nonce := beginLink(t, env, token, "steam")

	target := "/api/connect/steam/complete?nonce=" + url.QueryEscape(nonce) + "&mock_id=76561198000000001"
	w := env.do(t, "GET", target, "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var resp LinkCompleteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Platform != "steam" || resp.ExtID != "76561198000000001" {
		t.Errorf("response = %+v", resp)
	}
	if resp.LinkedAt == 0 {
		t.Error("linked_at missing")
	}

	// A replayed callback fails: the nonce was consumed.
	w = env.do(t, "GET", target, "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", w.Code)
	}
	if errResp := decodeError(t, w); errResp.Error != ErrorCodeInvalidNonce {
		t.Errorf("replay error = %q, want %q", errResp.Error, ErrorCodeInvalidNonce)
	}
}

func TestConnectComplete_WrongNonce(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")
	beginLink(t, env, token, "steam")

	w := env.do(t, "GET", "/api/connect/steam/complete?nonce=forged&mock_id=42", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeInvalidNonce {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidNonce)
	}
}

func TestConnectComplete_BearerToken(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")
	state := beginLink(t, env, token, "itch")

	form := url.Values{}
	form.Set("access_token", "itch-access")
	form.Set("state", state)
	w := env.do(t, "POST", "/api/connect/itch/complete", form.Encode(), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var resp LinkCompleteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Platform != "itch" || resp.ExtID != "mock-account" {
		t.Errorf("response = %+v", resp)
	}
}

func TestConnectComplete_WrongState(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")
	beginLink(t, env, token, "itch")

	w := env.do(t, "GET", "/api/connect/itch/complete?access_token=x&state=forged", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeInvalidState {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidState)
	}
}

func TestConnectComplete_AuthorizationCode(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")

	w := env.do(t, "GET", "/api/connect/epic/complete?code=auth-code-1", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var resp LinkCompleteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Platform != "epic" || resp.ExtID != "mock-account" {
		t.Errorf("response = %+v", resp)
	}
}

func TestConnectComplete_MissingParameter(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")

	w := env.do(t, "GET", "/api/connect/epic/complete", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeInvalidInput {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidInput)
	}
}

func TestConnectComplete_UnverifiableIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")
	nonce := beginLink(t, env, token, "steam")

	// Valid nonce but no identity claim in the callback: a client-side 400,
	// not an upstream failure.
	w := env.do(t, "GET", "/api/connect/steam/complete?nonce="+url.QueryEscape(nonce), "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeInvalidInput {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidInput)
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeNotFound {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeNotFound)
	}
}

func TestGames(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")

	// Not linked yet.
	w := env.do(t, "GET", "/api/games/steam", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unlinked status = %d, want 404", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeNotFound {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeNotFound)
	}

	// Link, then read.
	nonce := beginLink(t, env, token, "steam")
	env.do(t, "GET", "/api/connect/steam/complete?nonce="+url.QueryEscape(nonce)+"&mock_id=42", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	w = env.do(t, "GET", "/api/games/steam", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var resp GamesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Platform != "steam" {
		t.Errorf("platform = %q", resp.Platform)
	}
	if string(resp.Games) != `[{"id":"mock-game"}]` {
		t.Errorf("games = %s", resp.Games)
	}
	if resp.Cached {
		t.Error("first read reported cached = true")
	}

	// A second read comes from the cache and says so.
	w = env.do(t, "GET", "/api/games/steam", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("cached read status = %d", w.Code)
	}
	resp = GamesResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode cached response: %v", err)
	}
	if !resp.Cached {
		t.Error("cached read reported cached = false")
	}
}

func TestGames_RequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/games/steam", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestGamesRefresh(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.session(t, "alice@example.com")

	nonce := beginLink(t, env, token, "steam")
	env.do(t, "GET", "/api/connect/steam/complete?nonce="+url.QueryEscape(nonce)+"&mock_id=42", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	w := env.do(t, "POST", "/api/games/refresh", `{"provider":"steam"}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	// Missing provider is a 400.
	w = env.do(t, "POST", "/api/games/refresh", `{}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing provider status = %d, want 400", w.Code)
	}
}

func TestMiddleware_CORS(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "OPTIONS", "/api/auth/poll", "", func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example")
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}

	// Unlisted origins get no CORS grant.
	w = env.do(t, "GET", "/api/auth/poll", "", func(r *http.Request) {
		r.Header.Set("Origin", "https://evil.example")
	})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q for unlisted origin", got)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/auth/poll", "", nil)
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestMiddleware_IPRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.IPRate = 1
		cfg.RateLimit.IPBurst = 1
	})

	w := env.do(t, "GET", "/api/auth/poll", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	w = env.do(t, "GET", "/api/auth/poll", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeRateLimitExceeded)
	}
}

func TestNewServer_Validation(t *testing.T) {
	store := memory.NewWithInterval(0)
	defer store.Close()

	if _, err := NewServer(nil, store, nil); err == nil {
		t.Error("NewServer() without config should fail")
	}
	if _, err := NewServer(&Config{}, nil, nil); err == nil {
		t.Error("NewServer() without store should fail")
	}

	// Short session keys are rejected.
	cfg := &Config{CacheDir: "/tmp", Auth: AuthConfig{SessionKey: "short"}}
	if _, err := NewServer(cfg, store, providers.NewRegistry()); err == nil {
		t.Error("NewServer() with short session key should fail")
	}
}
