package feed

import (
	"context"

	"github.com/bryan-buckman/statusync/internal/model"
)

// Background wraps p so that decoding runs on its own goroutine. Entries
// are handed back over a channel and onEntry is always called on the
// goroutine that called Parse, so callers can touch their state without
// extra locking.
func Background(p Parser) Parser {
	return ParserFunc(func(ctx context.Context, raw []byte, onEntry func(*model.Notice)) error {
		entries := make(chan *model.Notice, 16)
		errc := make(chan error, 1)

		go func() {
			defer close(entries)
			errc <- p.Parse(ctx, raw, func(n *model.Notice) {
				select {
				case entries <- n:
				case <-ctx.Done():
				}
			})
		}()

		for n := range entries {
			onEntry(n)
		}
		return <-errc
	})
}
