// Package feed turns raw timeline payloads into notices.
//
// Two wire formats are supported: Activity Streams JSON (".as" endpoints)
// and Atom with StatusNet extensions (everything else).
package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bryan-buckman/statusync/internal/model"
)

// Format identifies a timeline wire format.
type Format string

const (
	FormatASJSON Format = "asjson"
	FormatAtom   Format = "atom"
)

// Parser decodes a payload and calls onEntry once per notice, in document
// order. A nil return means the whole payload was consumed. Entries emitted
// before a failure stay emitted.
type Parser interface {
	Parse(ctx context.Context, raw []byte, onEntry func(*model.Notice)) error
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(ctx context.Context, raw []byte, onEntry func(*model.Notice)) error

func (f ParserFunc) Parse(ctx context.Context, raw []byte, onEntry func(*model.Notice)) error {
	return f(ctx, raw, onEntry)
}

// ParseError reports a payload that could not be decoded.
type ParseError struct {
	Format Format
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s parse: %s: %v", e.Format, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s parse: %s", e.Format, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FormatFromURL picks the wire format from the path extension of rawURL.
// The query string is ignored. ".as" selects Activity Streams JSON and any
// other extension, or none, selects Atom.
func FormatFromURL(rawURL string) Format {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	} else if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		path = rawURL[:i]
	}
	dot := strings.LastIndex(path, ".")
	if dot < 0 || strings.Contains(path[dot:], "/") {
		return FormatAtom
	}
	if path[dot+1:] == "as" {
		return FormatASJSON
	}
	return FormatAtom
}

// ForFormat returns the parser for f.
func ForFormat(f Format) Parser {
	if f == FormatASJSON {
		return ASJSONParser{}
	}
	return AtomParser{}
}
