// Package tenantcache tracks which domains already have a tenant provisioned
// in the vector database.
//
// Weaviate's multi-tenancy model requires a tenant to exist on a collection
// before any object can be written into it. Creating a tenant that already
// exists is harmless but costs an extra round trip on every batch import —
// so the Vector Sink consults this cache before calling EnsureTenant, and
// only calls it for domains the cache hasn't already confirmed.
//
// The cache is persisted to a JSON file in the server's data directory so a
// restart doesn't re-issue EnsureTenant calls for every domain it has
// already seen.
//
// All methods are safe for concurrent use.
package tenantcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrInvalidDomain is returned when a domain name is empty.
var ErrInvalidDomain = errors.New("tenantcache: invalid domain")

// record is the metadata stored for each domain whose tenant has been ensured.
type record struct {
	Domain    string `json:"domain"`
	EnsuredAt int64  `json:"ensured_at"` // UTC milliseconds
}

// Cache is the in-memory + on-disk store of domains with a provisioned tenant.
type Cache struct {
	mu       sync.RWMutex
	domains  map[string]*record
	filePath string
}

// New creates a Cache and loads any previously persisted domains from
// dataDir/tenant_cache.json. If the file doesn't exist the cache starts empty.
func New(dataDir string) (*Cache, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("tenantcache: create data dir: %w", err)
	}

	c := &Cache{
		domains:  make(map[string]*record),
		filePath: filepath.Join(dataDir, "tenant_cache.json"),
	}

	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Has reports whether domain's tenant has already been ensured.
func (c *Cache) Has(domain string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.domains[domain]
	return ok
}

// Ensure records that domain's tenant has been ensured. It returns true if
// this call newly recorded the domain (the caller still has to create the
// tenant on the remote), or false if the domain was already known.
func (c *Cache) Ensure(domain string) (bool, error) {
	if domain == "" {
		return false, ErrInvalidDomain
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.domains[domain]; ok {
		return false, nil
	}

	c.domains[domain] = &record{
		Domain:    domain,
		EnsuredAt: time.Now().UnixMilli(),
	}
	if err := c.save(); err != nil {
		return false, err
	}
	return true, nil
}

// Remove drops domain from the cache, forcing the next Ensure call to
// re-provision its tenant. The Vector Sink uses it to roll back the entry
// when the remote tenant create fails.
func (c *Cache) Remove(domain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.domains[domain]; !ok {
		return nil
	}
	delete(c.domains, domain)
	return c.save()
}

// Domains returns all cached domains sorted alphabetically.
func (c *Cache) Domains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.domains))
	for d := range c.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ─── Persistence ──────────────────────────────────────────────────────────────

// fileModel is the on-disk JSON structure.
type fileModel struct {
	Domains []*record `json:"domains"`
}

// load reads tenant_cache.json. If the file does not exist it is a no-op.
// Must be called before mu is held (called only from New).
func (c *Cache) load() error {
	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // nothing to load
		}
		return fmt.Errorf("tenantcache: read %s: %w", c.filePath, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("tenantcache: parse %s: %w", c.filePath, err)
	}

	for _, r := range m.Domains {
		c.domains[r.Domain] = r
	}
	return nil
}

// save writes the current cache to disk atomically (write to temp file,
// rename). Must be called with mu held.
func (c *Cache) save() error {
	list := make([]*record, 0, len(c.domains))
	for _, r := range c.domains {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Domain < list[j].Domain })

	data, err := json.MarshalIndent(fileModel{Domains: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("tenantcache: marshal: %w", err)
	}

	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("tenantcache: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.filePath); err != nil {
		return fmt.Errorf("tenantcache: rename to %s: %w", c.filePath, err)
	}
	return nil
}
