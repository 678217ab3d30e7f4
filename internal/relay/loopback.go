package relay

import (
	"context"
	"sync"

	"github.com/marinoas/legal-crm-sub002/internal/wire"
)

// Loopback is an in-process relay bus. Tests attach several hubs to one
// Loopback to exercise cross-instance behavior without a broker. Delivery is
// synchronous and in publish order, which the real broker does not promise;
// handlers must not depend on it.
type Loopback struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

// Attach registers a handler and returns the Relay endpoint for it. Every
// published envelope reaches every attached handler, the publisher's own
// included, matching the visibility the shared subject gives.
func (l *Loopback) Attach(h Handler) Relay {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
	return &loopbackEndpoint{bus: l}
}

func (l *Loopback) broadcast(env wire.Envelope) {
	l.mu.RLock()
	handlers := make([]Handler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

type loopbackEndpoint struct {
	bus *Loopback
}

func (e *loopbackEndpoint) Publish(_ context.Context, env wire.Envelope) error {
	e.bus.broadcast(env)
	return nil
}

func (e *loopbackEndpoint) Close() {}
