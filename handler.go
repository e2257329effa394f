package flare

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flaregames/flare/auth"
	"github.com/flaregames/flare/catalog"
	"github.com/flaregames/flare/linking"
	"github.com/flaregames/flare/security"
	"github.com/flaregames/flare/storage"
)

const (
	// SessionCookieName is the browser session cookie.
	SessionCookieName = "flare_session"

	defaultCORSMaxAge = "3600"

	maxRequestBodyBytes = 1 << 16
)

// Handler serves the HTTP API.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	return h
}

// Routes registers all API endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/init", h.ServeAuthInit)
	mux.HandleFunc("POST /api/auth/validate", h.ServeAuthValidate)
	mux.HandleFunc("GET /api/auth/poll", h.ServeAuthPoll)
	mux.HandleFunc("GET /api/connect/{provider}/init", h.ServeConnectInit)
	mux.HandleFunc("GET /api/connect/{provider}/complete", h.ServeConnectComplete)
	mux.HandleFunc("POST /api/connect/{provider}/complete", h.ServeConnectComplete)
	mux.HandleFunc("GET /api/games/{provider}", h.ServeGames)
	mux.HandleFunc("POST /api/games/refresh", h.ServeGamesRefresh)

	// Unknown routes get the JSON error envelope, not the plain-text default.
	mux.HandleFunc("/", h.ServeNotFound)
}

// ServeNotFound answers unknown routes with the standard error envelope.
func (h *Handler) ServeNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, ErrNotFound("Resource not found"))
}

// Middleware wraps the mux with the standard request pipeline: request IDs,
// security headers, CORS, and the per-IP rate limit.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return security.RequestIDMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			security.SetSecurityHeaders(w, h.server.Config.BaseURL)
			h.setCORSHeaders(w, r)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if h.server.IPRateLimiter != nil {
				ip := h.clientIP(r)
				if !h.server.IPRateLimiter.Allow(ip) {
					if h.server.Instrumentation != nil {
						h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
					}
					h.writeError(w, ErrRateLimitExceeded("Too many requests. Please try again later."))
					return
				}
			}

			if h.tracer != nil {
				ctx, span := h.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
				defer span.End()
				r = r.WithContext(ctx)
			}

			next.ServeHTTP(w, r)
		}))
}

// ServeAuthInit handles POST /api/auth/init: issue a login token for the
// email and deliver the secret out of band. The response never carries the
// secret.
func (h *Handler) ServeAuthInit(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req IssueTokenRequest
	if !h.decodeJSON(w, r, &req) {
		h.recordHTTPMetrics("auth_init", r.Method, http.StatusBadRequest, startTime)
		return
	}
	if req.Email == "" {
		h.recordHTTPMetrics("auth_init", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidInput("email is required"))
		return
	}

	ip := h.clientIP(r)
	userID, err := h.server.Auth.Issue(r.Context(), req.Email, ip, r.UserAgent())
	if err != nil {
		appErr := h.mapError(err)
		h.recordHTTPMetrics("auth_init", r.Method, appErr.Status, startTime)
		h.writeError(w, appErr)
		return
	}

	h.recordHTTPMetrics("auth_init", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, IssueTokenResponse{
		Success:   true,
		UserID:    userID,
		Message:   "Login link sent. Check your email.",
		ExpiresIn: int64(auth.TokenTTL.Seconds()),
	})
}

// ServeAuthValidate handles POST /api/auth/validate: redeem a login secret,
// mint a session, and set the session cookie.
func (h *Handler) ServeAuthValidate(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req ValidateTokenRequest
	if !h.decodeJSON(w, r, &req) {
		h.recordHTTPMetrics("auth_validate", r.Method, http.StatusBadRequest, startTime)
		return
	}
	if req.Token == "" {
		h.recordHTTPMetrics("auth_validate", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidInput("token is required"))
		return
	}

	ip := h.clientIP(r)
	user, err := h.server.Auth.Validate(r.Context(), req.Token, ip, r.UserAgent())
	if err != nil {
		appErr := h.mapError(err)
		h.recordHTTPMetrics("auth_validate", r.Method, appErr.Status, startTime)
		h.writeError(w, appErr)
		return
	}

	sessionToken, err := h.server.Auth.Sessions().Issue(user.ID)
	if err != nil {
		h.logger.Error("Failed to mint session", "error", err)
		h.recordHTTPMetrics("auth_validate", r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrInternal("Failed to create session"))
		return
	}

	h.setSessionCookie(w, r, sessionToken)
	h.recordHTTPMetrics("auth_validate", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, ValidateTokenResponse{
		Success:      true,
		User:         UserInfo{ID: user.ID, Email: user.Email},
		SessionToken: sessionToken,
	})
}

// ServeAuthPoll handles GET /api/auth/poll. An invalid or missing session is
// a 200 with authenticated=false, not an error; polling clients treat errors
// as transport failures.
func (h *Handler) ServeAuthPoll(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	user, err := h.server.Auth.Poll(r.Context(), h.sessionToken(r))
	if err != nil {
		h.logger.Error("Poll failed", "error", err)
		h.recordHTTPMetrics("auth_poll", r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrInternal("Failed to check session"))
		return
	}

	resp := PollResponse{Authenticated: user != nil}
	if user != nil {
		resp.User = &UserInfo{ID: user.ID, Email: user.Email}
	}
	h.recordHTTPMetrics("auth_poll", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeConnectInit handles GET /api/connect/{provider}/init: start a link
// attempt and redirect the browser to the platform. Clients sending
// Accept: application/json get the redirect URL in the body instead.
func (h *Handler) ServeConnectInit(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	provider := r.PathValue("provider")

	user, ok := h.requireSession(w, r, "connect_init", startTime)
	if !ok {
		return
	}

	redirectURL, err := h.server.Linker.Begin(r.Context(), user.ID, provider, h.clientIP(r))
	if err != nil {
		appErr := h.mapError(err)
		h.recordHTTPMetrics("connect_init", r.Method, appErr.Status, startTime)
		h.writeError(w, appErr)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		h.recordHTTPMetrics("connect_init", r.Method, http.StatusOK, startTime)
		h.writeJSON(w, http.StatusOK, LinkInitResponse{RedirectURL: redirectURL})
		return
	}

	h.recordHTTPMetrics("connect_init", r.Method, http.StatusFound, startTime)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeConnectComplete handles the provider callback for
// /api/connect/{provider}/complete. Query and form parameters are merged so
// both GET callbacks and POSTed completions work.
func (h *Handler) ServeConnectComplete(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	provider := r.PathValue("provider")

	user, ok := h.requireSession(w, r, "connect_complete", startTime)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("connect_complete", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidInput("malformed callback parameters"))
		return
	}

	account, err := h.server.Linker.Complete(r.Context(), user.ID, provider, h.clientIP(r), r.Form)
	if err != nil {
		appErr := h.mapError(err)
		h.recordHTTPMetrics("connect_complete", r.Method, appErr.Status, startTime)
		h.writeError(w, appErr)
		return
	}

	h.recordHTTPMetrics("connect_complete", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, LinkCompleteResponse{
		Success:  true,
		Platform: account.Provider,
		ExtID:    account.ExternalID,
		LinkedAt: account.LinkedAt.Unix(),
	})
}

// ServeGames handles GET /api/games/{provider}: the user's game list for a
// linked platform, served through the cache.
func (h *Handler) ServeGames(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	provider := r.PathValue("provider")

	user, ok := h.requireSession(w, r, "games", startTime)
	if !ok {
		return
	}

	games, cached, err := h.server.Catalog.Games(r.Context(), user.ID, provider)
	if err != nil {
		appErr := h.mapError(err)
		h.recordHTTPMetrics("games", r.Method, appErr.Status, startTime)
		h.writeError(w, appErr)
		return
	}

	h.recordHTTPMetrics("games", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, GamesResponse{
		Success:  true,
		Platform: provider,
		Games:    games,
		Cached:   cached,
	})
}

// ServeGamesRefresh handles POST /api/games/refresh: bypass the cache and
// re-fetch the platform's game list.
func (h *Handler) ServeGamesRefresh(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	user, ok := h.requireSession(w, r, "games_refresh", startTime)
	if !ok {
		return
	}

	var req RefreshRequest
	if !h.decodeJSON(w, r, &req) {
		h.recordHTTPMetrics("games_refresh", r.Method, http.StatusBadRequest, startTime)
		return
	}
	if req.Provider == "" {
		h.recordHTTPMetrics("games_refresh", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidInput("provider is required"))
		return
	}

	games, err := h.server.Catalog.Refresh(r.Context(), user.ID, req.Provider)
	if err != nil {
		appErr := h.mapError(err)
		h.recordHTTPMetrics("games_refresh", r.Method, appErr.Status, startTime)
		h.writeError(w, appErr)
		return
	}

	h.recordHTTPMetrics("games_refresh", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, GamesResponse{
		Success:  true,
		Platform: req.Provider,
		Games:    games,
	})
}

// requireSession resolves the authenticated user or writes a 401.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request, endpoint string, startTime time.Time) (*storage.User, bool) {
	user, err := h.server.Auth.Poll(r.Context(), h.sessionToken(r))
	if err != nil {
		h.logger.Error("Session lookup failed", "error", err)
		h.recordHTTPMetrics(endpoint, r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrInternal("Failed to check session"))
		return nil, false
	}
	if user == nil {
		h.recordHTTPMetrics(endpoint, r.Method, http.StatusUnauthorized, startTime)
		h.writeError(w, ErrUnauthenticated("Sign in required"))
		return nil, false
	}
	return user, true
}

// sessionToken pulls the session from the Authorization header or the
// session cookie, in that order.
func (h *Handler) sessionToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.server.Config.Auth.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil || strings.HasPrefix(h.server.Config.BaseURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
}

// mapError translates service errors into the boundary taxonomy. Unmatched
// errors become internal_error with a generic description; detail stays in
// the logs.
func (h *Handler) mapError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, auth.ErrInvalidEmail):
		return ErrInvalidInput("A valid email address is required")
	case errors.Is(err, auth.ErrRateLimited):
		return ErrRateLimitExceeded("Too many login attempts. Please try again later.")
	case errors.Is(err, auth.ErrInvalidToken):
		return ErrInvalidOrExpiredToken("The login link is invalid or has expired")
	case errors.Is(err, linking.ErrUnsupportedProvider),
		errors.Is(err, catalog.ErrUnsupportedProvider):
		return ErrUnsupportedProvider("This platform cannot be connected")
	case errors.Is(err, linking.ErrInvalidNonce):
		return ErrInvalidNonce("The link request is invalid or was already completed")
	case errors.Is(err, linking.ErrInvalidState):
		return ErrInvalidState("The link request is invalid or was already completed")
	case errors.Is(err, linking.ErrMissingParameter):
		return ErrInvalidInput("Missing callback parameter")
	case errors.Is(err, linking.ErrMissingIdentity):
		return ErrInvalidInput("The platform identity could not be verified")
	case errors.Is(err, linking.ErrUpstreamExchange):
		return ErrUpstreamExchangeFailed("The platform rejected the link request")
	case errors.Is(err, catalog.ErrNotLinked):
		return ErrNotFound("Platform not connected")
	case errors.Is(err, catalog.ErrUpstream):
		return ErrUpstreamUnavailable("The platform API is unavailable")
	}

	h.logger.Error("Unhandled service error", "error", err)
	return ErrInternal("An internal error occurred")
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, ErrInvalidInput("malformed JSON body"))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, appErr *AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            appErr.Code,
		ErrorDescription: appErr.Description,
	})
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range h.server.Config.Security.AllowedOrigins {
		if origin == allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", defaultCORSMaxAge)
			w.Header().Set("Vary", "Origin")
			return
		}
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.RateLimit.TrustProxy, 1)
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
