package permission

import (
	"sync"

	"github.com/joy-dx/lockablemap"
)

type decisions = lockablemap.LockableMap[string, bool]

// Cache remembers permission decisions per application key. Entries are
// written lazily by Client.Check and dropped only by Reset, one
// application at a time.
type Cache struct {
	create sync.Mutex // serializes adding an application
	apps   *lockablemap.LockableMap[string, *decisions]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{apps: lockablemap.NewLockableMap[string, *decisions]()}
}

// Lookup returns the cached decision for key under app.
func (c *Cache) Lookup(app, key string) (allowed, ok bool) {
	entries, err := c.apps.Get(app)
	if err != nil {
		return false, false
	}

	allowed, err = entries.Get(key)
	return allowed, err == nil
}

// Store records a decision for key under app.
func (c *Cache) Store(app, key string, allowed bool) {
	c.entries(app).Set(key, allowed)
}

func (c *Cache) entries(app string) *decisions {
	if entries, err := c.apps.Get(app); err == nil {
		return entries
	}

	c.create.Lock()
	defer c.create.Unlock()

	if entries, err := c.apps.Get(app); err == nil {
		return entries
	}
	entries := lockablemap.NewLockableMap[string, bool]()
	c.apps.Set(app, entries)
	return entries
}

// Reset forgets every decision cached for app. Other applications are not
// affected.
func (c *Cache) Reset(app string) {
	c.apps.Remove(app)
}

// Len returns the number of decisions cached for app.
func (c *Cache) Len(app string) int {
	entries, err := c.apps.Get(app)
	if err != nil {
		return 0
	}
	return len(entries.GetAll())
}
