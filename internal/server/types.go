// Package server defines the REST payload types and utility helpers that are
// shared by the HTTP handlers and the WebSocket client.
package server

import (
	"errors"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/whisperlink/internal/protocol"
)

var validate = validator.New()

// identityRule is the same username rule the browser client applies before
// connecting: 3 to 20 letters, digits or underscores.
const identityRule = "required,min=3,max=20,alphanum_underscore"

func init() {
	_ = validate.RegisterValidation("alphanum_underscore", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			default:
				return false
			}
		}
		return true
	})
}

// validateIdentity checks a candidate display name before any registry call.
func validateIdentity(identity string) error {
	return validate.Var(identity, identityRule)
}

// CheckUsernameRequest is the body of POST /check-username.
type CheckUsernameRequest struct {
	Username string `json:"username"`
}

// CheckUsernameResponse answers POST /check-username.
type CheckUsernameResponse struct {
	IsTaken bool `json:"is_taken"`
}

// UsersResponse answers GET /users.
type UsersResponse struct {
	Users []string `json:"users"`
}

// MessagesResponse answers GET /messages/{identity}.
type MessagesResponse struct {
	Messages []protocol.Record `json:"messages"`
}

// ErrorResponse is returned with every 4xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
