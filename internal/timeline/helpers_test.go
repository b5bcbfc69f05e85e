package timeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryan-buckman/statusync/internal/database"
	"github.com/bryan-buckman/statusync/internal/model"
)

const testAccountID = 1

// fakeAPI answers requests through respond and records every call.
type fakeAPI struct {
	mu      sync.Mutex
	respond func(path string) (string, error)
	gets    []string
	posts   []string
	forms   []url.Values
}

func (f *fakeAPI) Get(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	f.gets = append(f.gets, path)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return []byte(asFeed()), nil
	}
	body, err := respond(path)
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (f *fakeAPI) Post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, path)
	f.forms = append(f.forms, form)
	return []byte("<status/>"), nil
}

func (f *fakeAPI) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gets...)
}

// countingStore counts cache writes.
type countingStore struct {
	database.Store
	upserts atomic.Int32
}

func (s *countingStore) UpsertCacheRow(row model.CacheRow) error {
	s.upserts.Add(1)
	return s.Store.UpsertCacheRow(row)
}

// failingStore fails every cache row operation.
type failingStore struct {
	database.Store
}

func storageErr(op string) error {
	return &database.StorageError{Op: op, Err: errors.New("disk I/O error")}
}

func (failingStore) UpsertCacheRow(model.CacheRow) error { return storageErr("upsert") }

func (failingStore) DeleteCacheRow(int64, int64) error { return storageErr("delete") }

func (failingStore) QueryCacheRows(int64, string, int) ([]model.CacheRow, error) {
	return nil, storageErr("query")
}

func (failingStore) DeleteCacheRowsOlderThan(int64, string, time.Time) (int64, error) {
	return 0, storageErr("trim")
}

func (failingStore) CountCacheRows(int64, string) (int, error) { return 0, storageErr("count") }

func (failingStore) MaxCacheNoticeID(int64, string) (int64, error) { return 0, storageErr("max") }

func newStore(t *testing.T) *countingStore {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &countingStore{Store: db}
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2010, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func entryJSON(id int64, favorite bool) string {
	return fmt.Sprintf(`{"verb":"post","title":"notice %d","body":"notice <b>%d</b>","postedTime":"2010-10-01T12:00:00+00:00",`+
		`"statusnet:notice_info":{"local_id":"%d","source":"web","favorite":%t,"repeated":false},`+
		`"actor":{"url":"https://sn.example/alice","contact":{"preferredUsername":"alice","displayName":"Alice"},`+
		`"statusnet:profile_info":{"local_id":3},"image":{"url":"https://sn.example/a.png"}}}`, id, id, id, favorite)
}

// asFeed builds an activity streams collection holding ids in order.
func asFeed(ids ...int64) string {
	items := make([]string, len(ids))
	for i, id := range ids {
		items[i] = entryJSON(id, false)
	}
	return `{"title":"timeline","items":[` + strings.Join(items, ",") + `]}`
}

// atomFeed builds an Atom feed holding ids in order.
func atomFeed(ids ...int64) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:statusnet="http://status.net/schema/api/1/">
<title>inbox</title><id>inbox</id><updated>2010-10-01T12:00:00Z</updated>`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<entry><title>dm %d</title><id>https://sn.example/message/%d</id>`+
			`<updated>2010-10-01T12:00:00Z</updated><content type="text">dm %d</content>`+
			`<author><name>bob</name></author>`+
			`<statusnet:notice_info local_id="%d" source="web"></statusnet:notice_info></entry>`, id, id, id, id)
	}
	b.WriteString(`</feed>`)
	return b.String()
}

func noticeIDs(notices []model.Notice) []int64 {
	out := make([]int64, len(notices))
	for i, n := range notices {
		out[i] = n.ID
	}
	return out
}
