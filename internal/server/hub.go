// Package server tracks live WebSocket clients through the Hub so that
// shutdown can close them and wait for every session to finish teardown.
package server

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub owns the lifetime of every accepted WebSocket client. Its context is
// the parent of each client's context; cancelling it closes all of them.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

// NewHub creates a Hub ready to accept clients.
func NewHub(log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[*Client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
}

// Context is cancelled when the hub begins shutting down.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// register admits c unless shutdown has started.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.log.Debug("client registered", zap.String("remote", c.addr), zap.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.wg.Done()
	h.log.Debug("client unregistered", zap.String("remote", c.addr), zap.Int("clients", len(h.clients)))
}

// Len returns the number of live clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client and waits for their sessions to finish, or
// until ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("shutting down client connections", zap.Int("clients", count))
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-ctx.Done():
		h.log.Warn("hub shutdown timed out", zap.Int("clients", h.Len()))
		return ctx.Err()
	}
}
