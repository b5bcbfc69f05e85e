package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/statusync/internal/model"
)

// postedTimeLayout is the prefix of StatusNet's postedTime that is kept.
// Zone suffixes are dropped and the value is read as UTC.
const postedTimeLayout = "2006-01-02T15:04:05"

// ASJSONParser decodes Activity Streams JSON as served by the ".as"
// timeline endpoints. The payload is either a single activity (it has
// "actor" and "verb") or a collection (it has "title" and "items").
type ASJSONParser struct{}

type asDocument struct {
	Title string            `json:"title"`
	Verb  string            `json:"verb"`
	Actor json.RawMessage   `json:"actor"`
	Items []json.RawMessage `json:"items"`
}

type asEntry struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	PostedTime string `json:"postedTime"`
	NoticeInfo struct {
		LocalID  flexInt  `json:"local_id"`
		Source   string   `json:"source"`
		Favorite flexBool `json:"favorite"`
		Repeated flexBool `json:"repeated"`
		RepeatOf flexInt  `json:"repeat_of"`
	} `json:"statusnet:notice_info"`
	Actor struct {
		URL     string `json:"url"`
		Contact struct {
			PreferredUsername string `json:"preferredUsername"`
			DisplayName       string `json:"displayName"`
		} `json:"contact"`
		ProfileInfo struct {
			LocalID   flexInt  `json:"local_id"`
			Following flexBool `json:"following"`
			Blocking  flexBool `json:"blocking"`
		} `json:"statusnet:profile_info"`
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
	} `json:"actor"`
	Geopoint *struct {
		Coordinates []flexFloat `json:"coordinates"`
	} `json:"geopoint"`
	Context struct {
		Conversation string `json:"conversation"`
	} `json:"context"`
}

// Parse implements Parser.
func (ASJSONParser) Parse(ctx context.Context, raw []byte, onEntry func(*model.Notice)) error {
	var doc asDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ParseError{Format: FormatASJSON, Msg: "Expected feed or entry, got " + snippet(raw), Err: err}
	}

	switch {
	case len(doc.Actor) > 0 && !isNull(doc.Actor) && doc.Verb != "":
		n, err := decodeASEntry(raw)
		if err != nil {
			return &ParseError{Format: FormatASJSON, Msg: "bad entry", Err: err}
		}
		onEntry(n)
		return nil
	case doc.Title != "":
		for i, item := range doc.Items {
			if err := ctx.Err(); err != nil {
				return &ParseError{Format: FormatASJSON, Msg: "cancelled", Err: err}
			}
			n, err := decodeASEntry(item)
			if err != nil {
				log.Printf("Skipping activity %d: %v", i, err)
				continue
			}
			onEntry(n)
		}
		return nil
	default:
		return &ParseError{Format: FormatASJSON, Msg: "Expected feed or entry, got " + snippet(raw)}
	}
}

func decodeASEntry(raw []byte) (*model.Notice, error) {
	var e asEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	n := &model.Notice{
		ID:        int64(e.NoticeInfo.LocalID),
		Title:     e.Title,
		Content:   e.Body,
		Source:    e.NoticeInfo.Source,
		Favorite:  bool(e.NoticeInfo.Favorite),
		Repeated:  bool(e.NoticeInfo.Repeated),
		Nickname:  e.Actor.Contact.PreferredUsername,
		Author:    e.Actor.Contact.PreferredUsername,
		Fullname:  e.Actor.Contact.DisplayName,
		AuthorURI: e.Actor.URL,
		AuthorID:  int64(e.Actor.ProfileInfo.LocalID),
		Following: bool(e.Actor.ProfileInfo.Following),
		Blocking:  bool(e.Actor.ProfileInfo.Blocking),
		Avatar:    e.Actor.Image.URL,
	}
	if e.NoticeInfo.RepeatOf > 0 {
		id := int64(e.NoticeInfo.RepeatOf)
		n.RepeatOfID = &id
	}
	if t, ok := parsePostedTime(e.PostedTime); ok {
		n.Published = t
		n.Updated = t
	}
	if e.Geopoint != nil && len(e.Geopoint.Coordinates) >= 2 {
		lat, lon := e.Geopoint.Coordinates[0], e.Geopoint.Coordinates[1]
		if lat.ok && lon.ok {
			n.Lat, n.Lon = &lat.v, &lon.v
		}
	}
	n.ContextLink = e.Context.Conversation
	return n, nil
}

func parsePostedTime(s string) (time.Time, bool) {
	if len(s) > len(postedTimeLayout) {
		s = s[:len(postedTimeLayout)]
	}
	t, err := time.Parse(postedTimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// flexInt accepts a JSON number, a numeric string, or null.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s: %w", b, err)
	}
	*f = flexInt(v)
	return nil
}

// flexFloat accepts a JSON number or a numeric string. Anything else
// leaves ok unset.
type flexFloat struct {
	v  float64
	ok bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseFloat(strings.Trim(string(b), `"`), 64)
	f.v, f.ok = v, err == nil
	return nil
}

// flexBool accepts true/false, "true"/"false", 1/0 and null.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func snippet(raw []byte) string {
	const limit = 80
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
