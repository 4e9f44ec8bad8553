// Package registry implements Registry: the process-wide alias→Pool
// map described in spec.md §4.6. Unlike the teacher's pool.Manager (an
// RWMutex-guarded map safe for concurrent GetOrCreate/Remove from any
// goroutine), Registry is deliberately NOT thread-safe — spec.md §4.6
// and §8 make "mutated only by a single shutdown coordinator goroutine"
// an explicit, testable property, and adding a mutex the spec didn't
// ask for would hide a caller that violates that contract instead of
// surfacing it. See DESIGN.md for the full rationale.
package registry

import (
	"log/slog"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/pool"
)

// Registry is the single-owner alias→Pool map. All methods assume the
// caller is the one administrative goroutine spec.md §4.6 requires;
// Registry performs no internal synchronization.
type Registry struct {
	pools map[string]*pool.Pool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{pools: make(map[string]*pool.Pool)}
}

// Add registers p under alias. Re-adding an existing alias replaces it
// without closing the old Pool — callers that want a clean swap should
// call SignalClosing/CloseAllConns on the displaced Pool themselves.
func (r *Registry) Add(alias string, p *pool.Pool) {
	r.pools[alias] = p
}

// Get resolves alias against the registry, mirroring spec.md §6's
// "a name from config is matched against a table of driver
// implementations; absence is a configuration error" for pool aliases
// rather than driver names.
func (r *Registry) Get(alias string) (*pool.Pool, error) {
	p, ok := r.pools[alias]
	if !ok {
		return nil, dbres.New(dbres.Config, "registry: unknown pool alias %q", alias)
	}
	return p, nil
}

// Remove drops alias from the registry without closing its Pool;
// callers are expected to have already drained it.
func (r *Registry) Remove(alias string) {
	delete(r.pools, alias)
}

// Aliases returns every registered alias, for stats and admin listing.
func (r *Registry) Aliases() []string {
	aliases := make([]string, 0, len(r.pools))
	for alias := range r.pools {
		aliases = append(aliases, alias)
	}
	return aliases
}

// SignalClosing marks every registered Pool's closing bit, the first
// half of spec.md §4.6's two-phase shutdown dance.
func (r *Registry) SignalClosing() {
	for _, p := range r.pools {
		p.MarkClosing()
	}
}

// CloseAllConns calls TryClose on every Connection in every registered
// Pool. It is safe to call repeatedly; TryClose is idempotent.
func (r *Registry) CloseAllConns() {
	for alias, p := range r.pools {
		slog.Info("registry: closing all connections", "pool", alias)
		p.CloseAllConns()
	}
}

// CheckAllConnsClosed is the non-blocking predicate the shutdown
// coordinator spins on until every Pool reports AllClosed.
func (r *Registry) CheckAllConnsClosed() bool {
	for _, p := range r.pools {
		if !p.AllClosed() {
			return false
		}
	}
	return true
}

// AllStats returns every registered Pool's Stats, for internal/metrics
// and internal/api to scrape in one call.
func (r *Registry) AllStats() []pool.Stats {
	stats := make([]pool.Stats, 0, len(r.pools))
	for _, p := range r.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}
