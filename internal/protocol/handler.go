// Package protocol implements the per-connection state machine of the relay:
// the identity handshake, presence announcements, message relay with
// acknowledgement, heartbeats, and teardown.
//
// A connection moves through Handshaking, Active and Closed exactly once.
// Frames from one connection are processed strictly in arrival order.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/whisperlink/internal/registry"
)

// Conn is the transport side of one connection as seen by the protocol.
// Send must not block on a slow peer.
type Conn interface {
	registry.Channel
	// Receive blocks until the next inbound frame. Any error is treated as
	// a disconnect.
	Receive(ctx context.Context) ([]byte, error)
	// Refuse terminates a connection that never became active.
	Refuse(code int, reason string) error
}

// Handler runs connections against a shared Registry.
type Handler struct {
	registry *registry.Registry
	log      *zap.Logger
	now      func() time.Time
	observer Observer
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithClock overrides the time source used for frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithObserver installs lifecycle and traffic hooks.
func WithObserver(o Observer) Option {
	return func(h *Handler) {
		if o != nil {
			h.observer = o
		}
	}
}

// NewHandler creates a Handler bound to reg.
func NewHandler(reg *registry.Registry, opts ...Option) *Handler {
	h := &Handler{
		registry: reg,
		log:      zap.NewNop(),
		now:      time.Now,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs one connection to completion under identity. It returns
// ErrIdentityTaken if the handshake was refused, the context error if ctx
// ended the session, and nil for an ordinary disconnect.
//
// conn becomes reachable through the registry as soon as the identity is
// reserved, so frames sent by other sessions may arrive before the welcome
// and presence snapshot.
func (h *Handler) Serve(ctx context.Context, identity string, conn Conn) error {
	if !h.registry.Reserve(identity, conn) {
		h.log.Info("refusing connection, identity already in use", zap.String("identity", identity))
		h.observer.SessionRefused(identity)
		if err := conn.Refuse(CloseIdentityInUse, ReasonIdentityInUse); err != nil {
			h.log.Debug("refuse failed", zap.String("identity", identity), zap.Error(err))
		}
		return ErrIdentityTaken
	}

	s := &session{
		handler:  h,
		identity: identity,
		conn:     conn,
		log:      h.log.With(zap.String("identity", identity)),
	}
	defer s.close()

	s.open()
	return s.run(ctx)
}

type session struct {
	handler  *Handler
	identity string
	conn     Conn
	log      *zap.Logger
}

func (s *session) open() {
	h := s.handler
	h.observer.SessionOpened(s.identity)
	s.log.Info("session opened", zap.Int("online", h.registry.Count()))

	if frame, err := Welcome(s.identity, h.now()); err == nil {
		s.reply(frame)
	} else {
		s.log.Error("building welcome frame", zap.Error(err))
	}

	if frame, err := PresenceSnapshot(h.registry.Online()); err == nil {
		s.reply(frame)
	} else {
		s.log.Error("building presence snapshot", zap.Error(err))
	}

	if frame, err := Joined(s.identity, h.now()); err == nil {
		h.registry.Broadcast(frame, s.identity)
	} else {
		s.log.Error("building joined frame", zap.Error(err))
	}
}

func (s *session) run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("receive loop panicked", zap.Any("panic", rec))
			err = fmt.Errorf("%w: %v", ErrSessionPanic, rec)
		}
	}()

	for {
		raw, recvErr := s.conn.Receive(ctx)
		if recvErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.log.Debug("receive ended", zap.Error(recvErr))
			return nil
		}
		s.handle(raw)
	}
}

func (s *session) handle(raw []byte) {
	kind, err := DecodeType(raw)
	if err != nil {
		s.reject("undecodable", err)
		return
	}

	switch kind {
	case TypeMessage:
		s.relay(raw)
	case TypePing:
		s.pong()
	default:
		s.log.Debug("ignoring unknown frame type", zap.String("type", kind))
	}
}

func (s *session) relay(raw []byte) {
	h := s.handler

	req, err := DecodeMessage(raw)
	if err != nil {
		s.reject("invalid_message", err)
		return
	}

	msg := registry.NewMessage(s.identity, req.Receiver, req.Content, req.Encrypted(), h.now())
	h.registry.Record(msg)

	delivered := false
	if frame, err := Delivered(msg); err == nil {
		delivered = h.registry.SendTo(msg.Receiver, frame)
	} else {
		s.log.Error("building delivered frame", zap.String("message_id", msg.ID), zap.Error(err))
	}

	if frame, err := SentAck(msg); err == nil {
		s.reply(frame)
	} else {
		s.log.Error("building sent ack", zap.String("message_id", msg.ID), zap.Error(err))
	}

	h.observer.MessageRelayed(delivered)
	s.log.Debug("message relayed",
		zap.String("message_id", msg.ID),
		zap.String("receiver", msg.Receiver),
		zap.Bool("delivered", delivered))
}

func (s *session) pong() {
	frame, err := Pong(s.handler.now())
	if err != nil {
		s.log.Error("building pong frame", zap.Error(err))
		return
	}
	s.reply(frame)
}

func (s *session) reply(frame []byte) {
	if err := s.conn.Send(frame); err != nil {
		s.log.Warn("send to own connection failed", zap.Error(err))
	}
}

func (s *session) reject(reason string, err error) {
	s.handler.observer.FrameRejected(reason)
	if errors.Is(err, ErrMalformedFrame) {
		s.log.Warn("dropping malformed frame", zap.String("reason", reason), zap.Error(err))
		return
	}
	s.log.Error("dropping frame", zap.String("reason", reason), zap.Error(err))
}

// close releases the identity before announcing the departure, so the Left
// frame never reaches the departing connection.
func (s *session) close() {
	h := s.handler
	h.registry.Release(s.identity)

	if frame, err := Left(s.identity, h.now()); err == nil {
		h.registry.Broadcast(frame, "")
	} else {
		s.log.Error("building left frame", zap.Error(err))
	}

	h.observer.SessionClosed(s.identity)
	s.log.Info("session closed", zap.Int("online", h.registry.Count()))
}
