package introspect

import (
	"sync"

	"github.com/eisen-labs/eisen-core/pkg/wire"
)

// UsageCache retains the most recent wire.Usage message seen for an agent,
// so get_usage has something to report without the tracker (which only
// knows about file activity) needing a usage seam of its own. It implements
// proxy.UsageSink directly, the same way pkg/server.Server does.
type UsageCache struct {
	mu   sync.Mutex
	last map[string]wire.Usage
}

// NewUsageCache returns an empty cache.
func NewUsageCache() *UsageCache {
	return &UsageCache{last: make(map[string]wire.Usage)}
}

// PublishUsage implements proxy.UsageSink.
func (c *UsageCache) PublishUsage(u wire.Usage) {
	c.Record(u.AgentID, u)
}

// Record stores u under key, the identifier of one agent's stream.
// PublishUsage calls it with u.AgentID.
func (c *UsageCache) Record(key string, u wire.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = u
}

// Last returns the most recently published Usage for agentID, if any.
func (c *UsageCache) Last(agentID string) (wire.Usage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.last[agentID]
	return u, ok
}
