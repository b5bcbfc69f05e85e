package timeline

import (
	"errors"
	"sync"

	"github.com/bryan-buckman/statusync/internal/database"
	"github.com/bryan-buckman/statusync/internal/event"
	"github.com/bryan-buckman/statusync/internal/model"
)

// ErrNoTimeline is returned when an operation needs an active timeline.
var ErrNoTimeline = errors.New("no active timeline")

// Notification types published by a Session.
const (
	NotifyUpdateStarted  = "update-started"
	NotifyNoticeAdded    = "notice-added"
	NotifyUpdateFinished = "update-finished"
	NotifyEmptyTimeline  = "empty-timeline"
)

// Notification is a timeline event flattened for consumers outside the
// package, such as an event stream.
type Notification struct {
	Type     string        `json:"type"`
	Timeline string        `json:"timeline"`
	Notice   *model.Notice `json:"notice,omitempty"`
	Count    int           `json:"count,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Session owns the displayed timeline of one account. Events of the
// displayed timeline are forwarded to Events; switching away detaches
// them so an in-flight update of the old timeline finishes unobserved.
type Session struct {
	store   database.Store
	api     API
	account model.Account
	opts    Options

	// Events carries notifications of the displayed timeline.
	Events event.Event[Notification]

	mu     sync.Mutex
	active *Timeline
	detach []func()
}

// NewSession creates a session for account.
func NewSession(store database.Store, api API, account model.Account, opts Options) *Session {
	return &Session{
		store:   store,
		api:     api,
		account: account,
		opts:    opts.withDefaults(),
	}
}

// Account returns the session's account.
func (s *Session) Account() model.Account { return s.account }

// API returns the session's transport.
func (s *Session) API() API { return s.api }

// Store returns the session's local store.
func (s *Session) Store() database.Store { return s.store }

// Options returns the timeline options used by the session.
func (s *Session) Options() Options { return s.opts }

// Active returns the displayed timeline, or nil.
func (s *Session) Active() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Switch displays the timeline named by spec, loading its cached notices.
// Switching to the timeline already displayed returns it unchanged.
func (s *Session) Switch(spec Spec) (*Timeline, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.active != nil && s.active.Name() == spec.Name() {
		t := s.active
		s.mu.Unlock()
		return t, nil
	}
	old, detach := s.active, s.detach

	t := New(s.store, s.api, s.account.ID, spec, s.opts)
	t.SetDisplayed(true)
	s.active = t
	s.detach = s.attach(t)
	s.mu.Unlock()

	if old != nil {
		old.SetDisplayed(false)
		for _, fn := range detach {
			fn()
		}
	}
	t.LoadCached()
	return t, nil
}

// Close detaches the displayed timeline.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range s.detach {
		fn()
	}
	if s.active != nil {
		s.active.SetDisplayed(false)
	}
	s.active, s.detach = nil, nil
}

func (s *Session) attach(t *Timeline) []func() {
	return []func(){
		t.UpdateStarted.Subscribe(func(e Started) {
			s.Events.Publish(Notification{Type: NotifyUpdateStarted, Timeline: e.Timeline})
		}),
		t.NoticeAdded().Subscribe(func(n model.Notice) {
			s.Events.Publish(Notification{Type: NotifyNoticeAdded, Timeline: t.Name(), Notice: &n})
		}),
		t.UpdateFinished.Subscribe(func(e Finished) {
			msg := ""
			if e.Err != nil {
				msg = e.Err.Error()
			}
			s.Events.Publish(Notification{Type: NotifyUpdateFinished, Timeline: e.Timeline, Count: e.NoticeCount, Error: msg})
		}),
		t.EmptyTimeline.Subscribe(func(name string) {
			s.Events.Publish(Notification{Type: NotifyEmptyTimeline, Timeline: name})
		}),
	}
}
