package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/rtcsession/internal/app/transport"
	"github.com/dkeye/rtcsession/internal/domain"
)

// Transports holds the live transport of each role.
type Transports struct {
	mu     sync.RWMutex
	byRole map[domain.Role]*transport.PeerTransport
	log    zerolog.Logger
}

func NewTransports(logger zerolog.Logger) *Transports {
	return &Transports{
		byRole: make(map[domain.Role]*transport.PeerTransport),
		log:    logger.With().Str("module", "session.transports").Logger(),
	}
}

// Bind registers t under its role, replacing any previous binding.
func (r *Transports) Bind(t *transport.PeerTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRole[t.Role()] = t
	r.log.Info().Str("role", t.Role().String()).Str("transport_id", t.ID()).Bool("primary", t.IsPrimary()).Msg("bound transport")
}

func (r *Transports) Get(role domain.Role) (*transport.PeerTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byRole[role]
	return t, ok
}

// Current reports whether t is still the bound transport for its role.
// Events from replaced transports are ignored by the coordinator.
func (r *Transports) Current(t *transport.PeerTransport) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRole[t.Role()] == t
}

// All lists bound transports, publisher first.
func (r *Transports) All() []*transport.PeerTransport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered()
}

func (r *Transports) ordered() []*transport.PeerTransport {
	out := make([]*transport.PeerTransport, 0, len(r.byRole))
	for _, role := range []domain.Role{domain.RolePublisher, domain.RoleSubscriber} {
		if t, ok := r.byRole[role]; ok {
			out = append(out, t)
		}
	}
	return out
}

// UnbindAll empties the registry and returns what it held.
func (r *Transports) UnbindAll() []*transport.PeerTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ordered()
	r.byRole = make(map[domain.Role]*transport.PeerTransport)
	if len(out) > 0 {
		r.log.Info().Int("count", len(out)).Msg("unbound transports")
	}
	return out
}
