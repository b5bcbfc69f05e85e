package timeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/bryan-buckman/statusync/internal/feed"
)

// ErrNoticeNotFound is returned when a notice is not in the displayed timeline.
var ErrNoticeNotFound = errors.New("notice not found")

// The API rejects empty POST bodies on these endpoints.
var actionForm = url.Values{"gar": {"gar"}}

func (s *Session) post(ctx context.Context, format string, id int64) (*Timeline, error) {
	t := s.Active()
	if t == nil {
		return nil, ErrNoTimeline
	}
	if _, err := s.api.Post(ctx, fmt.Sprintf(format, id), actionForm); err != nil {
		return nil, err
	}
	return t, nil
}

// Favorite marks a notice as a favorite and refreshes its flags.
func (s *Session) Favorite(ctx context.Context, id int64) error {
	t, err := s.post(ctx, "favorites/create/%d.xml", id)
	if err != nil {
		return fmt.Errorf("favorite %d: %w", id, err)
	}
	t.Cache().RefreshOne(ctx, id)
	return nil
}

// Unfavorite clears the favorite mark and refreshes the notice's flags.
func (s *Session) Unfavorite(ctx context.Context, id int64) error {
	t, err := s.post(ctx, "favorites/destroy/%d.xml", id)
	if err != nil {
		return fmt.Errorf("unfavorite %d: %w", id, err)
	}
	t.Cache().RefreshOne(ctx, id)
	return nil
}

// Repeat repeats a notice, refreshes it and pulls the repeat into the timeline.
func (s *Session) Repeat(ctx context.Context, id int64) error {
	t, err := s.post(ctx, "statuses/retweet/%d.xml", id)
	if err != nil {
		return fmt.Errorf("repeat %d: %w", id, err)
	}
	t.Cache().RefreshOne(ctx, id)
	if _, err := t.Update(ctx, nil, ""); err != nil {
		return fmt.Errorf("repeat %d: refresh timeline: %w", id, err)
	}
	return nil
}

// Delete deletes a notice on the server and drops it from the cache.
func (s *Session) Delete(ctx context.Context, id int64) error {
	t, err := s.post(ctx, "statuses/destroy/%d.xml", id)
	if err != nil {
		return fmt.Errorf("delete %d: %w", id, err)
	}
	t.Cache().Remove(id)
	return nil
}

// ShareText builds the text of a manual repeat of a displayed notice.
func (s *Session) ShareText(id int64) (string, error) {
	t := s.Active()
	if t == nil {
		return "", ErrNoTimeline
	}
	n, ok := t.Cache().Get(id)
	if !ok {
		return "", ErrNoticeNotFound
	}
	return "RT @" + n.Author + " " + feed.PlainText(n.Content), nil
}
