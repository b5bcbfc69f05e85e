package timeline

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/statusync/internal/database"
)

// Concurrency settings
const (
	// MaxConcurrencyPostgres is the number of parallel timeline updates for PostgreSQL.
	MaxConcurrencyPostgres = 4
	// MaxConcurrencySQLite is the number of parallel timeline updates for SQLite.
	MaxConcurrencySQLite = 1
	// PollTimeout bounds one polling cycle.
	PollTimeout = 10 * time.Minute
)

// Poller periodically refreshes the displayed timeline of every session
// and keeps the other auto-refreshing timelines' caches warm.
type Poller struct {
	db          database.Store
	sessions    func() []*Session
	concurrency int
	interval    time.Duration
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// NewPoller creates a background poller over the sessions returned by sessions.
func NewPoller(db database.Store, sessions func() []*Session) *Poller {
	concurrency := MaxConcurrencySQLite
	if db.SupportsHighConcurrency() {
		concurrency = MaxConcurrencyPostgres
	}
	return &Poller{
		db:          db,
		sessions:    sessions,
		concurrency: concurrency,
		stopChan:    make(chan struct{}),
	}
}

// SetInterval fixes the polling interval instead of reading it from settings.
func (p *Poller) SetInterval(d time.Duration) {
	p.interval = d
}

type pollJob struct {
	session  *Session
	timeline *Timeline
}

func (p *Poller) jobs() []pollJob {
	var jobs []pollJob
	for _, s := range p.sessions() {
		active := s.Active()
		if active != nil && active.Spec().AutoRefresh() {
			jobs = append(jobs, pollJob{session: s, timeline: active})
		}
		for _, kind := range AutoRefreshKinds {
			spec := Spec{Kind: kind}
			if active != nil && active.Name() == spec.Name() {
				continue
			}
			// Warm timelines are rebuilt each cycle; their since cursor
			// comes from the store, so only new notices are fetched.
			t := New(s.Store(), s.API(), s.Account().ID, spec, s.Options())
			jobs = append(jobs, pollJob{session: s, timeline: t})
		}
	}
	return jobs
}

// PollOnce runs one cycle and returns the number of entries fetched.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	jobs := p.jobs()
	if len(jobs) == 0 {
		return 0, nil
	}
	log.Printf("Polling %d timelines with concurrency=%d", len(jobs), p.concurrency)

	var mu sync.Mutex
	total := 0
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := job.timeline.Update(ctx, nil, "")
			if err != nil {
				log.Printf("Failed to poll %s for %s: %v", job.timeline.Name(), job.session.Account().Username, err)
				return nil
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return total, err
}

func (p *Poller) nextInterval() time.Duration {
	if p.interval > 0 {
		return p.interval
	}
	mins, _ := p.db.GetPollingInterval()
	if mins < database.MinPollingInterval {
		mins = database.MinPollingInterval
	}
	return time.Duration(mins) * time.Minute
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval := p.nextInterval()
			ctx, cancel := context.WithTimeout(context.Background(), PollTimeout)
			total, err := p.PollOnce(ctx)
			cancel()

			if err != nil {
				log.Printf("Poller error: %v", err)
			} else {
				log.Printf("Poller: fetched %d entries (interval: %s)", total, interval)
			}

			select {
			case <-p.stopChan:
				return
			case <-time.After(interval):
			}
		}
	}()
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
