package registry

import (
	"github.com/markus-barta/nmosmocks/internal/journal"
	"github.com/markus-barta/nmosmocks/internal/metrics"
	"github.com/rs/zerolog"
)

// PoolOptions configures a pool of registries.
type PoolOptions struct {
	Size        int
	PortBase    int // registry i listens on PortBase+100+i+1
	PagingLimit int
}

// Pool is a fixed set of registry instances sharing one Common. Instance 0
// is reserved for invalid-request tests, 1 is the primary and the rest act
// as failover registries.
type Pool struct {
	common     *Common
	registries []*Registry
}

// RegistryPort returns the API port of registry i.
func RegistryPort(portBase, i int) int {
	return portBase + 100 + i + 1
}

// NewPool creates size disabled registries over common.
func NewPool(log zerolog.Logger, common *Common, j *journal.Journal, m *metrics.Metrics, opts PoolOptions) *Pool {
	p := &Pool{common: common}
	for i := 0; i < opts.Size; i++ {
		p.registries = append(p.registries, New(log, common, j, m, Options{
			Port:        RegistryPort(opts.PortBase, i),
			PagingLimit: opts.PagingLimit,
		}))
	}
	return p
}

// Len returns the number of registries.
func (p *Pool) Len() int {
	return len(p.registries)
}

// Registry returns instance i, or nil when out of range.
func (p *Pool) Registry(i int) *Registry {
	if i < 0 || i >= len(p.registries) {
		return nil
	}
	return p.registries[i]
}

// Registries returns every instance in index order.
func (p *Pool) Registries() []*Registry {
	return append([]*Registry(nil), p.registries...)
}

// Close disables every registry and closes all subscription sockets.
func (p *Pool) Close() {
	for _, r := range p.registries {
		r.mu.Lock()
		r.enabled = false
		r.mu.Unlock()
	}
	p.common.reset()
}
