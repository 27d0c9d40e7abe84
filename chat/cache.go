package chat

// DefaultCacheSize bounds the per-connector processed-id cache. Pull
// platforms re-fetch overlapping pages across polling windows; the cache
// suppresses re-delivery without growing with stream length.
const DefaultCacheSize = 500

// ProcessedIDCache is a bounded FIFO set of platform message ids. It is
// owned by a single polling connector and accessed only from its poll
// goroutine, so it carries no lock.
type ProcessedIDCache struct {
	cap   int
	seen  map[string]struct{}
	order []string
	head  int
}

// NewProcessedIDCache returns a cache holding at most capacity ids.
func NewProcessedIDCache(capacity int) *ProcessedIDCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &ProcessedIDCache{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Seen reports whether id has already been processed.
func (c *ProcessedIDCache) Seen(id string) bool {
	_, ok := c.seen[id]
	return ok
}

// Add records id, evicting the oldest entry once the cap is reached.
func (c *ProcessedIDCache) Add(id string) {
	if _, ok := c.seen[id]; ok {
		return
	}
	if len(c.order) < c.cap {
		c.order = append(c.order, id)
	} else {
		oldest := c.order[c.head]
		delete(c.seen, oldest)
		c.order[c.head] = id
		c.head = (c.head + 1) % c.cap
	}
	c.seen[id] = struct{}{}
}

// Len returns the number of ids currently retained.
func (c *ProcessedIDCache) Len() int { return len(c.seen) }
