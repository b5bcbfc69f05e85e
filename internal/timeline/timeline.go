package timeline

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryan-buckman/statusync/internal/database"
	"github.com/bryan-buckman/statusync/internal/event"
	"github.com/bryan-buckman/statusync/internal/feed"
	"github.com/bryan-buckman/statusync/internal/model"
)

// API is the authenticated account transport.
type API interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Post(ctx context.Context, path string, form url.Values) ([]byte, error)
}

// Options tunes retention and parsing. Zero values take the defaults.
type Options struct {
	MaxAge    time.Duration
	MaxRows   int
	LoadLimit int
	// BackgroundParse decodes Atom payloads on a worker goroutine.
	BackgroundParse bool
	// Now overrides the clock used for cache timestamps.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.MaxRows <= 0 {
		o.MaxRows = DefaultMaxRows
	}
	if o.LoadLimit <= 0 {
		o.LoadLimit = DefaultLoadLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// State is the position of a timeline in its update cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateParsing
	StateMerging
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateParsing:
		return "parsing"
	case StateMerging:
		return "merging"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrNoOlderNotices is returned by UpdateOlder when nothing is displayed
// to page back from.
var ErrNoOlderNotices = errors.New("no notices to page back from")

// Started is published when an update begins.
type Started struct {
	Timeline string
	// Older is set for explicit page fetches.
	Older bool
}

// Finished is published when an update ends. Err is set on failure, and
// NoticeCount then counts entries decoded before the failure.
type Finished struct {
	Timeline    string
	NoticeCount int
	Err         error
}

// Timeline syncs one timeline of one account.
type Timeline struct {
	spec      Spec
	api       API
	cache     *Cache
	opts      Options
	displayed atomic.Bool
	state     atomic.Int32

	// updateMu serializes Update calls.
	updateMu sync.Mutex

	UpdateStarted  event.Event[Started]
	UpdateFinished event.Event[Finished]
	// EmptyTimeline fires after an update that leaves a displayed timeline empty.
	EmptyTimeline event.Event[string]
}

// New creates a timeline for spec. The caller should call LoadCached
// before the first Update to show what is already stored.
func New(store database.Store, api API, accountID int64, spec Spec, opts Options) *Timeline {
	opts = opts.withDefaults()
	return &Timeline{
		spec:  spec,
		api:   api,
		cache: NewCache(store, api, accountID, spec, opts),
		opts:  opts,
	}
}

// Spec returns the timeline's identity.
func (t *Timeline) Spec() Spec { return t.spec }

// Name returns the stored timeline name.
func (t *Timeline) Name() string { return t.spec.Name() }

// Cache returns the timeline's notice cache.
func (t *Timeline) Cache() *Cache { return t.cache }

// NoticeAdded fires for each newly announced notice.
func (t *Timeline) NoticeAdded() *event.Event[model.Notice] { return &t.cache.NoticeAdded }

// State returns the current update state.
func (t *Timeline) State() State { return State(t.state.Load()) }

func (t *Timeline) setState(s State) { t.state.Store(int32(s)) }

// SetDisplayed marks whether this timeline is the one being shown.
func (t *Timeline) SetDisplayed(v bool) { t.displayed.Store(v) }

// Displayed reports whether this timeline is the one being shown.
func (t *Timeline) Displayed() bool { return t.displayed.Load() }

// Notices returns the in-memory notices in arrival order.
func (t *Timeline) Notices() []model.Notice { return t.cache.Notices() }

// LoadCached fills the timeline from the store using the configured limit.
func (t *Timeline) LoadCached() int { return t.cache.LoadCached(t.opts.LoadLimit) }

// URL is the forward fetch URL, carrying since_id once anything is cached.
func (t *Timeline) URL() string {
	var params []string
	if since := t.cache.SinceCursor(); since > 0 {
		params = append(params, "since_id="+strconv.FormatInt(since, 10))
	}
	return t.spec.withParams(t.spec.BaseURL(), params...)
}

// OlderURL is the backward fetch URL starting at the oldest displayed
// notice, or "" when nothing is displayed.
func (t *Timeline) OlderURL() string {
	oldest := t.cache.OlderCursor()
	if oldest == 0 {
		return ""
	}
	return t.spec.withParams(t.spec.BaseURL(), "max_id="+strconv.FormatInt(oldest, 10), "count=21")
}

// Update runs one fetch, parse and merge cycle and returns the number of
// entries decoded. With customURL set the fetched notices are neither
// persisted nor announced.
//
// onFinish is called only on success. Failures are published through
// UpdateFinished and also returned.
func (t *Timeline) Update(ctx context.Context, onFinish func(count int), customURL string) (int, error) {
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	name := t.spec.Name()
	t.UpdateStarted.Publish(Started{Timeline: name, Older: customURL != ""})

	target := customURL
	if target == "" {
		target = t.URL()
	}

	format := feed.FormatFromURL(target)

	t.setState(StateFetching)
	raw, err := t.api.Get(ctx, target)
	if err != nil {
		log.Printf("Couldn't update timeline %s: %v", name, err)
		return 0, t.fail(Finished{Timeline: name, Err: err})
	}

	t.setState(StateParsing)
	parser := feed.ForFormat(format)
	if t.opts.BackgroundParse && format == feed.FormatAtom {
		parser = feed.Background(parser)
	}
	var batch []*model.Notice
	parseErr := parser.Parse(ctx, raw, func(n *model.Notice) {
		batch = append(batch, n)
	})

	t.setState(StateMerging)
	add := AddOptions{
		Persist: customURL == "",
		Notify:  customURL == "" && t.spec.AutoRefresh(),
	}
	for _, n := range batch {
		if err := t.cache.Add(n, add); err != nil {
			log.Printf("Dropping notice from %s: %v", name, err)
		}
	}
	count := len(batch)

	if parseErr != nil {
		log.Printf("Couldn't get timeline %s: %v", name, parseErr)
		return count, t.fail(Finished{Timeline: name, NoticeCount: count, Err: parseErr})
	}

	if onFinish != nil {
		onFinish(count)
	}
	t.UpdateFinished.Publish(Finished{Timeline: name, NoticeCount: count})

	if t.spec.Cacheable() {
		t.cache.Evict()
	}
	if t.Displayed() && t.cache.Len() == 0 {
		t.EmptyTimeline.Publish(name)
	}
	t.setState(StateIdle)
	return count, nil
}

func (t *Timeline) fail(f Finished) error {
	t.setState(StateFailed)
	t.UpdateFinished.Publish(f)
	t.setState(StateIdle)
	return f.Err
}

// UpdateOlder fetches the page of notices preceding the oldest one shown.
func (t *Timeline) UpdateOlder(ctx context.Context, onFinish func(count int)) (int, error) {
	u := t.OlderURL()
	if u == "" {
		return 0, ErrNoOlderNotices
	}
	return t.Update(ctx, onFinish, u)
}
