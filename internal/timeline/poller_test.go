package timeline

import (
	"context"
	"sort"
	"strings"
	"testing"
)

func TestPollOnceRefreshesActiveAndWarmsOthers(t *testing.T) {
	api := &fakeAPI{respond: func(path string) (string, error) {
		switch {
		case strings.HasPrefix(path, "statuses/friends_timeline.as"):
			return asFeed(3, 2, 1), nil
		case strings.HasPrefix(path, "statuses/mentions.as"):
			return asFeed(2), nil
		}
		return asFeed(), nil
	}}
	s, store := newSession(t, api)
	active, _ := s.Switch(Spec{Kind: KindFriends})

	p := NewPoller(store, func() []*Session { return []*Session{s} })
	total, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected 4 entries, got %d", total)
	}

	calls := api.getCalls()
	sort.Strings(calls)
	want := []string{"favorites.as", "statuses/friends_timeline.as", "statuses/mentions.as", "statuses/public_timeline.as"}
	if strings.Join(calls, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected requests %v", calls)
	}
	if len(active.Notices()) != 3 {
		t.Fatalf("expected active timeline updated, got %d notices", len(active.Notices()))
	}
	if rows, _ := store.CountCacheRows(testAccountID, "mentions"); rows != 1 {
		t.Fatalf("expected mentions warmed, got %d rows", rows)
	}
}

func TestPollOnceSkipsManualTimelines(t *testing.T) {
	api := &fakeAPI{}
	s, store := newSession(t, api)
	s.Switch(Spec{Kind: KindInbox})

	p := NewPoller(store, func() []*Session { return []*Session{s} })
	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	for _, c := range api.getCalls() {
		if strings.HasPrefix(c, "direct_messages") {
			t.Fatalf("inbox must not be polled, got %v", api.getCalls())
		}
	}
	if len(api.getCalls()) != len(AutoRefreshKinds) {
		t.Fatalf("expected %d warm requests, got %v", len(AutoRefreshKinds), api.getCalls())
	}
}

func TestPollOnceWithoutSessions(t *testing.T) {
	store := newStore(t)
	p := NewPoller(store, func() []*Session { return nil })
	if total, err := p.PollOnce(context.Background()); err != nil || total != 0 {
		t.Fatalf("expected nothing to do, got %d, %v", total, err)
	}
}
