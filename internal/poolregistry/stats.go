package poolregistry

import (
	"database/sql"
	"time"
)

// PoolStats describes one pool.
type PoolStats struct {
	Name               string    `json:"name"`
	OpenConnections    int       `json:"open_connections"`
	InUse              int       `json:"in_use"`
	Idle               int       `json:"idle"`
	WaitCount          int64     `json:"wait_count"`
	MaxOpenConnections int       `json:"max_open_connections"`
	CreatedAt          time.Time `json:"created_at,omitempty"`
	LastAccessedAt     time.Time `json:"last_accessed_at,omitempty"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	TenantPools         int         `json:"tenant_pools"`
	MaxTenantPools      int         `json:"max_tenant_pools"`
	Main                PoolStats   `json:"main"`
	Tenants             []PoolStats `json:"tenants"`
	Hits                int64       `json:"hits"`
	Misses              int64       `json:"misses"`
	Evictions           int64       `json:"evictions"`
	Reclaimed           int64       `json:"reclaimed"`
	ConnectionEvictions int64       `json:"connection_evictions"`
}

// Stats returns a snapshot. Tenants are ordered least recently used first.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	tenants := make([]PoolStats, 0, r.cache.Len())
	for _, name := range r.cache.Keys() {
		e, ok := r.cache.Peek(name)
		if !ok {
			continue
		}
		ps := poolStats(name, e.db.Stats())
		ps.CreatedAt = e.createdAt
		ps.LastAccessedAt = e.lastAccess
		tenants = append(tenants, ps)
	}
	r.mu.Unlock()

	return Stats{
		TenantPools:         len(tenants),
		MaxTenantPools:      r.cfg.MaxTenantPools,
		Main:                poolStats(r.cfg.Resolver.Main().Database, r.main.Stats()),
		Tenants:             tenants,
		Hits:                r.hits.Load(),
		Misses:              r.misses.Load(),
		Evictions:           r.evictions.Load(),
		Reclaimed:           r.reclaimed.Load(),
		ConnectionEvictions: r.connEvictions.Load(),
	}
}

func poolStats(name string, s sql.DBStats) PoolStats {
	return PoolStats{
		Name:               name,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		MaxOpenConnections: s.MaxOpenConnections,
	}
}
