package protocol

import "errors"

// CloseIdentityInUse is the WebSocket close code sent when a connection asks
// for an identity another session already holds.
const CloseIdentityInUse = 4000

// ReasonIdentityInUse accompanies CloseIdentityInUse.
const ReasonIdentityInUse = "Username already taken"

var (
	// ErrIdentityTaken is returned by Serve when the handshake is refused.
	ErrIdentityTaken = errors.New("identity already in use")
	// ErrMalformedFrame wraps every inbound decoding or validation failure.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrSessionPanic reports a panic recovered inside the receive loop.
	ErrSessionPanic = errors.New("session panicked")
)
