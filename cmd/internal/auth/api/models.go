package authapi

import "time"

type registerRequest struct {
	Username    *string `json:"username"`
	Email       *string `json:"email"`
	DisplayName *string `json:"display_name"`
	Password    string  `json:"password"`
	RememberMe  bool    `json:"remember_me"`
}

// loginRequest accepts a username or an email in Login.
type loginRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	RememberMe   bool   `json:"remember_me"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Username    *string   `json:"username"`
	Email       *string   `json:"email"`
	DisplayName *string   `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// sessionResponse carries tokens plus the active session id the client
// keeps as its local copy for the realtime hello.
type sessionResponse struct {
	SessionID        string    `json:"session_id"`
	ActiveSessionID  string    `json:"active_session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
}

type meResponse struct {
	User            userResponse `json:"user"`
	SessionID       string       `json:"session_id"`
	ActiveSessionID *string      `json:"active_session_id"`
	// Current is true while this login is the profile's active session.
	Current bool `json:"current"`
}
