package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bryan-buckman/statusync/internal/database"
	"github.com/bryan-buckman/statusync/internal/event"
	"github.com/bryan-buckman/statusync/internal/feed"
	"github.com/bryan-buckman/statusync/internal/model"
)

// Retention defaults.
const (
	DefaultMaxAge    = 72 * time.Hour
	DefaultMaxRows   = 200
	DefaultLoadLimit = 100
	MobileLoadLimit  = 20
)

// ErrInvalidNotice is returned by Add for a nil notice or one without an id.
var ErrInvalidNotice = errors.New("invalid notice")

// AddOptions controls what Add does besides the in-memory append.
type AddOptions struct {
	// Persist writes the notice to the store when the timeline is cacheable.
	Persist bool
	// Notify publishes NoticeAdded.
	Notify bool
}

// Cache is the in-memory notice sequence of one timeline plus its
// persisted rows. The sequence is in arrival order and holds at most one
// notice per id.
type Cache struct {
	store     database.Store
	api       API
	accountID int64
	spec      Spec
	maxAge    time.Duration
	maxRows   int
	now       func() time.Time

	// NoticeAdded fires for notices added with Notify set.
	NoticeAdded event.Event[model.Notice]

	mu      sync.RWMutex
	notices []*model.Notice
	ids     map[int64]struct{}
}

// NewCache creates the cache for spec under accountID.
func NewCache(store database.Store, api API, accountID int64, spec Spec, opts Options) *Cache {
	opts = opts.withDefaults()
	return &Cache{
		store:     store,
		api:       api,
		accountID: accountID,
		spec:      spec,
		maxAge:    opts.MaxAge,
		maxRows:   opts.MaxRows,
		now:       opts.Now,
		ids:       make(map[int64]struct{}),
	}
}

// Add appends n unless a notice with the same id is already held.
// A duplicate is not an error.
func (c *Cache) Add(n *model.Notice, opts AddOptions) error {
	if n == nil || n.ID <= 0 {
		return ErrInvalidNotice
	}

	c.mu.Lock()
	if _, dup := c.ids[n.ID]; dup {
		c.mu.Unlock()
		return nil
	}
	stored := *n
	c.notices = append(c.notices, &stored)
	c.ids[n.ID] = struct{}{}
	c.mu.Unlock()

	if opts.Persist && c.spec.Cacheable() {
		c.persist(stored)
	}
	if opts.Notify {
		c.NoticeAdded.Publish(stored)
	}
	return nil
}

func (c *Cache) persist(n model.Notice) {
	blob, err := json.Marshal(n)
	if err != nil {
		log.Printf("Error encoding notice %d: %v", n.ID, err)
		return
	}
	row := model.CacheRow{
		NoticeID:  n.ID,
		JSONEntry: string(blob),
		AccountID: c.accountID,
		Timeline:  c.spec.Name(),
		Timestamp: c.now(),
	}
	if err := c.store.UpsertCacheRow(row); err != nil {
		log.Printf("Error caching notice %d on %s: %v", n.ID, c.spec.Name(), err)
	}
}

// Remove deletes the notice's stored rows for this account and drops it
// from the in-memory sequence.
func (c *Cache) Remove(noticeID int64) {
	if err := c.store.DeleteCacheRow(c.accountID, noticeID); err != nil {
		log.Printf("Error removing cached notice %d: %v", noticeID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[noticeID]; !ok {
		return
	}
	delete(c.ids, noticeID)
	for i, n := range c.notices {
		if n.ID == noticeID {
			c.notices = append(c.notices[:i], c.notices[i+1:]...)
			break
		}
	}
}

// RefreshOne re-fetches a single notice and updates its favorite and
// repeated flags. Failures are logged and otherwise ignored.
func (c *Cache) RefreshOne(ctx context.Context, noticeID int64) {
	path := fmt.Sprintf("statuses/friends_timeline.as?max_id=%d&count=1", noticeID)
	raw, err := c.api.Get(ctx, path)
	if err != nil {
		log.Printf("Error refreshing notice %d: %v", noticeID, err)
		return
	}

	var fresh *model.Notice
	err = feed.ASJSONParser{}.Parse(ctx, raw, func(n *model.Notice) {
		if n.ID == noticeID {
			fresh = n
		}
	})
	if err != nil {
		log.Printf("Error parsing refreshed notice %d: %v", noticeID, err)
		return
	}
	if fresh == nil {
		log.Printf("Refresh of notice %d returned a different notice; skipping", noticeID)
		return
	}

	updated := *fresh
	c.mu.Lock()
	for i, n := range c.notices {
		if n.ID == noticeID {
			cp := *n
			cp.Favorite = fresh.Favorite
			cp.Repeated = fresh.Repeated
			c.notices[i] = &cp
			updated = cp
			break
		}
	}
	c.mu.Unlock()

	if c.spec.Cacheable() {
		c.persist(updated)
	}
}

// SinceCursor returns the highest persisted notice id, or 0.
func (c *Cache) SinceCursor() int64 {
	id, err := c.store.MaxCacheNoticeID(c.accountID, c.spec.Name())
	if err != nil {
		log.Printf("Error reading since cursor for %s: %v", c.spec.Name(), err)
		return 0
	}
	return id
}

// OlderCursor returns the lowest notice id held in memory, or 0.
func (c *Cache) OlderCursor() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var lowest int64
	for _, n := range c.notices {
		if lowest == 0 || n.ID < lowest {
			lowest = n.ID
		}
	}
	return lowest
}

// Evict drops rows older than the age bound, then the oldest rows beyond
// the count bound.
func (c *Cache) Evict() {
	name := c.spec.Name()
	cutoff := c.now().Add(-c.maxAge)
	if _, err := c.store.DeleteCacheRowsOlderThan(c.accountID, name, cutoff); err != nil {
		log.Printf("Error trimming old notices on %s: %v", name, err)
		return
	}

	count, err := c.store.CountCacheRows(c.accountID, name)
	if err != nil {
		log.Printf("Error counting notices on %s: %v", name, err)
		return
	}
	if excess := count - c.maxRows; excess > 0 {
		if _, err := c.store.DeleteOldestCacheRows(c.accountID, name, excess); err != nil {
			log.Printf("Error trimming notices on %s: %v", name, err)
		}
	}
}

// LoadCached fills the sequence from up to limit stored rows, newest id first.
// It returns the number of rows decoded.
func (c *Cache) LoadCached(limit int) int {
	rows, err := c.store.QueryCacheRows(c.accountID, c.spec.Name(), limit)
	if err != nil {
		log.Printf("Error loading cached notices for %s: %v", c.spec.Name(), err)
		return 0
	}
	added := 0
	for _, row := range rows {
		var n model.Notice
		if err := json.Unmarshal([]byte(row.JSONEntry), &n); err != nil {
			log.Printf("Skipping unreadable cached notice %d: %v", row.NoticeID, err)
			continue
		}
		if err := c.Add(&n, AddOptions{}); err != nil {
			log.Printf("Skipping cached notice %d: %v", row.NoticeID, err)
			continue
		}
		added++
	}
	return added
}

// Notices returns a copy of the in-memory sequence in arrival order.
func (c *Cache) Notices() []model.Notice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Notice, len(c.notices))
	for i, n := range c.notices {
		out[i] = *n
	}
	return out
}

// Get returns the in-memory notice with id.
func (c *Cache) Get(id int64) (model.Notice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.ids[id]; !ok {
		return model.Notice{}, false
	}
	for _, n := range c.notices {
		if n.ID == id {
			return *n, true
		}
	}
	return model.Notice{}, false
}

// Len returns the number of notices held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.notices)
}
