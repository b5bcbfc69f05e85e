package timeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/statusync/internal/model"
)

func newCache(t *testing.T, spec Spec, clk *clock) (*Cache, *countingStore, *fakeAPI) {
	t.Helper()
	store := newStore(t)
	api := &fakeAPI{}
	c := NewCache(store, api, testAccountID, spec, Options{Now: clk.Now})
	return c, store, api
}

func TestCacheAddNoDuplicates(t *testing.T) {
	c, store, _ := newCache(t, Spec{Kind: KindFriends}, newClock())

	for i := 0; i < 3; i++ {
		if err := c.Add(&model.Notice{ID: 7, Content: "x"}, AddOptions{Persist: true}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := c.Add(&model.Notice{ID: 8}, AddOptions{Persist: true}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if c.Len() != 2 {
		t.Fatalf("expected 2 notices in memory, got %d", c.Len())
	}
	n, err := store.CountCacheRows(testAccountID, "friends")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestCacheAddKeepsFirstCopy(t *testing.T) {
	c, _, _ := newCache(t, Spec{Kind: KindFriends}, newClock())
	c.Add(&model.Notice{ID: 7, Content: "first"}, AddOptions{})
	c.Add(&model.Notice{ID: 7, Content: "second"}, AddOptions{})

	got, ok := c.Get(7)
	if !ok || got.Content != "first" {
		t.Fatalf("expected first copy kept, got %+v", got)
	}
}

func TestCacheAddInvalidNotice(t *testing.T) {
	c, _, _ := newCache(t, Spec{Kind: KindFriends}, newClock())
	if err := c.Add(nil, AddOptions{}); !errors.Is(err, ErrInvalidNotice) {
		t.Errorf("nil: expected ErrInvalidNotice, got %v", err)
	}
	if err := c.Add(&model.Notice{}, AddOptions{}); !errors.Is(err, ErrInvalidNotice) {
		t.Errorf("zero id: expected ErrInvalidNotice, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected nothing added")
	}
}

func TestCacheAddNotify(t *testing.T) {
	c, _, _ := newCache(t, Spec{Kind: KindFriends}, newClock())
	var got []int64
	c.NoticeAdded.Subscribe(func(n model.Notice) { got = append(got, n.ID) })

	c.Add(&model.Notice{ID: 1}, AddOptions{Notify: true})
	c.Add(&model.Notice{ID: 1}, AddOptions{Notify: true})
	c.Add(&model.Notice{ID: 2}, AddOptions{Notify: false})
	c.Add(&model.Notice{ID: 3}, AddOptions{Notify: true})

	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestSinceCursorMonotonic(t *testing.T) {
	c, _, _ := newCache(t, Spec{Kind: KindFriends}, newClock())
	if got := c.SinceCursor(); got != 0 {
		t.Fatalf("expected 0 for empty cache, got %d", got)
	}
	for _, id := range []int64{5, 9, 12} {
		c.Add(&model.Notice{ID: id}, AddOptions{Persist: true})
	}
	if got := c.SinceCursor(); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	c.Add(&model.Notice{ID: 20}, AddOptions{Persist: true})
	if got := c.SinceCursor(); got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
}

func TestSinceCursorIgnoresMemoryOnlyNotices(t *testing.T) {
	c, _, _ := newCache(t, Spec{Kind: KindFriends}, newClock())
	c.Add(&model.Notice{ID: 50}, AddOptions{Persist: false})
	if got := c.SinceCursor(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestOlderCursorUsesMemory(t *testing.T) {
	c, _, _ := newCache(t, Spec{Kind: KindFriends}, newClock())
	if got := c.OlderCursor(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	for _, id := range []int64{9, 4, 12} {
		c.Add(&model.Notice{ID: id}, AddOptions{})
	}
	if got := c.OlderCursor(); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
}

func TestEvictCountBound(t *testing.T) {
	clk := newClock()
	c, store, _ := newCache(t, Spec{Kind: KindFriends}, clk)
	for id := int64(1); id <= 250; id++ {
		c.Add(&model.Notice{ID: id}, AddOptions{Persist: true})
	}

	c.Evict()

	rows, err := store.QueryCacheRows(testAccountID, "friends", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != DefaultMaxRows {
		t.Fatalf("expected %d rows, got %d", DefaultMaxRows, len(rows))
	}
	if rows[0].NoticeID != 250 || rows[len(rows)-1].NoticeID != 51 {
		t.Fatalf("expected ids 51..250 to remain, got %d..%d", rows[len(rows)-1].NoticeID, rows[0].NoticeID)
	}
}

func TestEvictCountBoundByTimestamp(t *testing.T) {
	clk := newClock()
	c, store, _ := newCache(t, Spec{Kind: KindFriends}, clk)
	// Insert high ids first so that insertion time and id order disagree.
	for id := int64(250); id >= 1; id-- {
		clk.Advance(time.Millisecond)
		c.Add(&model.Notice{ID: id}, AddOptions{Persist: true})
	}

	c.Evict()

	rows, _ := store.QueryCacheRows(testAccountID, "friends", 0)
	if len(rows) != DefaultMaxRows {
		t.Fatalf("expected %d rows, got %d", DefaultMaxRows, len(rows))
	}
	if rows[0].NoticeID != 200 || rows[len(rows)-1].NoticeID != 1 {
		t.Fatalf("expected the 200 latest inserted (ids 1..200), got %d..%d", rows[len(rows)-1].NoticeID, rows[0].NoticeID)
	}
}

func TestEvictByAge(t *testing.T) {
	clk := newClock()
	now := clk.Now()
	c, store, _ := newCache(t, Spec{Kind: KindFriends}, clk)

	clk.Set(now.Add(-100 * time.Hour))
	c.Add(&model.Notice{ID: 1}, AddOptions{Persist: true})
	clk.Set(now.Add(-1 * time.Hour))
	c.Add(&model.Notice{ID: 2}, AddOptions{Persist: true})
	clk.Set(now)

	c.Evict()

	rows, _ := store.QueryCacheRows(testAccountID, "friends", 0)
	if len(rows) != 1 || rows[0].NoticeID != 2 {
		t.Fatalf("expected only notice 2, got %+v", rows)
	}
}

func TestEvictCustomBounds(t *testing.T) {
	store := newStore(t)
	c := NewCache(store, &fakeAPI{}, testAccountID, Spec{Kind: KindPublic}, Options{MaxRows: 3, Now: newClock().Now})
	for id := int64(1); id <= 5; id++ {
		c.Add(&model.Notice{ID: id}, AddOptions{Persist: true})
	}
	c.Evict()
	if n, _ := store.CountCacheRows(testAccountID, "public"); n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
}

func TestNonCacheableAddDoesNotPersist(t *testing.T) {
	c, store, _ := newCache(t, Spec{Kind: KindInbox}, newClock())
	c.Add(&model.Notice{ID: 1}, AddOptions{Persist: true})
	if store.upserts.Load() != 0 {
		t.Fatalf("expected no writes, got %d", store.upserts.Load())
	}
}

func TestLoadCached(t *testing.T) {
	clk := newClock()
	c, store, api := newCache(t, Spec{Kind: KindFriends}, clk)
	for id := int64(1); id <= 30; id++ {
		c.Add(&model.Notice{ID: id, Author: "alice"}, AddOptions{Persist: true})
	}

	fresh := NewCache(store, api, testAccountID, Spec{Kind: KindFriends}, Options{Now: clk.Now})
	fresh.LoadCached(MobileLoadLimit)

	got := noticeIDs(fresh.Notices())
	if len(got) != MobileLoadLimit || got[0] != 30 || got[len(got)-1] != 11 {
		t.Fatalf("expected ids 30..11, got %v", got)
	}
	if n, _ := fresh.Get(30); n.Author != "alice" {
		t.Errorf("expected notice fields restored, got %+v", n)
	}
	if store.upserts.Load() != 30 {
		t.Errorf("loading must not write, got %d writes", store.upserts.Load())
	}
}

func TestRemove(t *testing.T) {
	c, store, _ := newCache(t, Spec{Kind: KindFriends}, newClock())
	c.Add(&model.Notice{ID: 1}, AddOptions{Persist: true})
	c.Add(&model.Notice{ID: 2}, AddOptions{Persist: true})

	c.Remove(1)

	if got := noticeIDs(c.Notices()); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected [2], got %v", got)
	}
	if n, _ := store.CountCacheRows(testAccountID, "friends"); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	// Removing an unknown notice is harmless.
	c.Remove(99)
}

func TestRefreshOneUpdatesFlags(t *testing.T) {
	c, store, api := newCache(t, Spec{Kind: KindFriends}, newClock())
	c.Add(&model.Notice{ID: 7, Content: "kept"}, AddOptions{Persist: true})
	api.respond = func(path string) (string, error) {
		if path != "statuses/friends_timeline.as?max_id=7&count=1" {
			t.Errorf("unexpected path %s", path)
		}
		return `{"title":"t","items":[` + entryJSON(7, true) + `]}`, nil
	}

	c.RefreshOne(context.Background(), 7)

	n, _ := c.Get(7)
	if !n.Favorite {
		t.Fatalf("expected favorite flag refreshed")
	}
	if n.Content != "kept" {
		t.Errorf("expected other fields untouched, got %q", n.Content)
	}
	rows, _ := store.QueryCacheRows(testAccountID, "friends", 0)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestRefreshOneIgnoresOtherNotice(t *testing.T) {
	c, _, api := newCache(t, Spec{Kind: KindFriends}, newClock())
	c.Add(&model.Notice{ID: 7}, AddOptions{})
	api.respond = func(string) (string, error) {
		return `{"title":"t","items":[` + entryJSON(6, true) + `]}`, nil
	}

	c.RefreshOne(context.Background(), 7)

	if n, _ := c.Get(7); n.Favorite {
		t.Fatalf("a different notice must not change flags")
	}
	if _, ok := c.Get(6); ok {
		t.Fatalf("a different notice must not be added")
	}
}

func TestRefreshOneSwallowsErrors(t *testing.T) {
	c, _, api := newCache(t, Spec{Kind: KindFriends}, newClock())
	c.Add(&model.Notice{ID: 7}, AddOptions{})
	api.respond = func(string) (string, error) { return "", errors.New("offline") }

	c.RefreshOne(context.Background(), 7)

	if c.Len() != 1 {
		t.Fatalf("expected cache untouched")
	}
}

func TestStorageFailuresAreCacheMisses(t *testing.T) {
	store := failingStore{Store: newStore(t)}
	api := &fakeAPI{respond: func(string) (string, error) { return asFeed(3, 2, 1), nil }}
	tl := New(store, api, testAccountID, Spec{Kind: KindFriends}, Options{Now: newClock().Now})

	if u := tl.URL(); strings.Contains(u, "since_id") {
		t.Fatalf("expected no cursor, got %s", u)
	}
	n, err := tl.Update(context.Background(), nil, "")
	if err != nil || n != 3 {
		t.Fatalf("expected update to succeed with 3 entries, got %d, %v", n, err)
	}
	if got := noticeIDs(tl.Notices()); len(got) != 3 {
		t.Fatalf("expected notices held in memory, got %v", got)
	}
	if u := tl.URL(); strings.Contains(u, "since_id") {
		t.Fatalf("expected no cursor while the store is failing, got %s", u)
	}

	tl.Cache().Remove(2)
	if got := noticeIDs(tl.Notices()); len(got) != 2 {
		t.Fatalf("expected notice removed from memory, got %v", got)
	}

	fresh := New(store, api, testAccountID, Spec{Kind: KindFriends}, Options{})
	if loaded := fresh.LoadCached(); loaded != 0 {
		t.Fatalf("expected nothing loaded, got %d", loaded)
	}
}
