package client

import (
	"context"
	"net/url"
	"sync"
	"time"
)

const (
	// MaxConcurrencyPerHost limits parallel requests to any single API host.
	MaxConcurrencyPerHost = 2
	// DelayBetweenHostRequests is the default minimum gap between requests to the same host.
	DelayBetweenHostRequests = 250 * time.Millisecond
)

// hostLimiter bounds concurrent requests per host and spaces them out.
type hostLimiter struct {
	mu          sync.Mutex
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newHostLimiter(delay time.Duration) *hostLimiter {
	return &hostLimiter{
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for host, blocking if necessary.
func (hl *hostLimiter) acquire(ctx context.Context, host string) error {
	hl.mu.Lock()
	sem, ok := hl.semaphores[host]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerHost)
		hl.semaphores[host] = sem
	}
	hl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	hl.mu.Lock()
	lastReq := hl.lastRequest[host]
	hl.mu.Unlock()

	if hl.delay > 0 && !lastReq.IsZero() {
		if elapsed := time.Since(lastReq); elapsed < hl.delay {
			select {
			case <-time.After(hl.delay - elapsed):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}
	return nil
}

// release returns the slot for host and records the request time.
func (hl *hostLimiter) release(host string) {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	hl.lastRequest[host] = time.Now()
	if sem, ok := hl.semaphores[host]; ok {
		<-sem
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
