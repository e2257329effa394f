package flare

import "encoding/json"

// IssueTokenRequest is the body of POST /api/auth/init.
type IssueTokenRequest struct {
	Email string `json:"email"`
}

// IssueTokenResponse acknowledges issuance. The login secret itself is only
// ever delivered out of band.
type IssueTokenResponse struct {
	Success   bool   `json:"success"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	ExpiresIn int64  `json:"expires_in"`
}

// ValidateTokenRequest is the body of POST /api/auth/validate.
type ValidateTokenRequest struct {
	Token string `json:"token"`
}

// UserInfo is the public shape of a user.
type UserInfo struct {
	ID    string `json:"user_id"`
	Email string `json:"email"`
}

// ValidateTokenResponse is returned on successful redemption. The session
// token is also set as a cookie for browser clients.
type ValidateTokenResponse struct {
	Success      bool     `json:"success"`
	User         UserInfo `json:"user"`
	SessionToken string   `json:"session_token"`
}

// PollResponse is the body of GET /api/auth/poll.
type PollResponse struct {
	Authenticated bool      `json:"authenticated"`
	User          *UserInfo `json:"user,omitempty"`
}

// LinkInitResponse carries the provider redirect for non-browser clients;
// browser requests get a 302 instead.
type LinkInitResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// LinkCompleteResponse acknowledges a completed platform link.
type LinkCompleteResponse struct {
	Success  bool   `json:"success"`
	Platform string `json:"platform"`
	ExtID    string `json:"ext_id"`
	LinkedAt int64  `json:"linked_at"`
}

// GamesResponse wraps a platform's raw game list. Cached reports whether the
// list was served from the disk cache rather than fetched.
type GamesResponse struct {
	Success  bool            `json:"success"`
	Platform string          `json:"platform"`
	Games    json.RawMessage `json:"games"`
	Cached   bool            `json:"cached"`
}

// RefreshRequest is the body of POST /api/games/refresh.
type RefreshRequest struct {
	Provider string `json:"provider"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
