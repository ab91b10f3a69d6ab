package connector

import (
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
)

// Registry maps connection types to connectors. It is filled at startup and
// read concurrently afterwards.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry returns a registry holding the given connectors.
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register adds c under its Info().Type, replacing any previous entry.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Info().Type] = c
}

// Get returns the connector for connType. An unknown type is a
// connector-not-found error, never a silent no-op.
func (r *Registry) Get(connType string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[connType]
	if !ok {
		return nil, apperrors.New(apperrors.KindConnectorNotFound, "unsupported connection type: %q", connType)
	}
	return c, nil
}

// Types returns info for every registered connector, sorted by type.
func (r *Registry) Types() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
