package feed

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/bryan-buckman/statusync/internal/model"
)

// Namespace keys under which gofeed files StatusNet's extension elements.
// gofeed keys extensions by the document's declared prefix, so the
// namespace URIs are checked as a fallback.
var (
	nsStatusNet = []string{"statusnet", "http://status.net/schema/api/1/"}
	nsActivity  = []string{"activity", "http://activitystrea.ms/spec/1.0/"}
	nsGeoRSS    = []string{"georss", "http://www.georss.org/georss"}
)

// AtomParser decodes Atom timelines carrying StatusNet and Activity
// Streams extensions.
type AtomParser struct{}

// Parse implements Parser.
func (AtomParser) Parse(ctx context.Context, raw []byte, onEntry func(*model.Notice)) error {
	fp := &atom.Parser{}
	f, err := fp.Parse(bytes.NewReader(raw))
	if err != nil {
		return &ParseError{Format: FormatAtom, Msg: "invalid document", Err: err}
	}
	for _, entry := range f.Entries {
		if err := ctx.Err(); err != nil {
			return &ParseError{Format: FormatAtom, Msg: "cancelled", Err: err}
		}
		onEntry(noticeFromAtom(entry))
	}
	return nil
}

func noticeFromAtom(entry *atom.Entry) *model.Notice {
	n := &model.Notice{
		Title: entry.Title,
	}
	if entry.Content != nil {
		n.Content = entry.Content.Value
	} else {
		n.Content = entry.Summary
	}
	if entry.PublishedParsed != nil {
		n.Published = *entry.PublishedParsed
	}
	if entry.UpdatedParsed != nil {
		n.Updated = *entry.UpdatedParsed
	} else {
		n.Updated = n.Published
	}
	if len(entry.Authors) > 0 {
		n.Author = entry.Authors[0].Name
		n.AuthorURI = entry.Authors[0].URI
	}
	for _, l := range entry.Links {
		if l.Rel == "ostatus:conversation" || l.Rel == "conversation" {
			n.ContextLink = l.Href
		}
	}

	if info, ok := first(entry.Extensions, nsStatusNet, "notice_info"); ok {
		n.ID = parseID(info.Attrs["local_id"])
		n.Source = info.Attrs["source"]
		n.Favorite = info.Attrs["favorite"] == "true"
		n.Repeated = info.Attrs["repeated"] == "true"
		if id := parseID(info.Attrs["repeat_of"]); id > 0 {
			n.RepeatOfID = &id
		}
	}
	if n.ID == 0 {
		n.ID = trailingID(entry.ID)
	}

	if actor, ok := first(entry.Extensions, nsActivity, "actor"); ok {
		applyActor(n, actor)
	}
	if point, ok := first(entry.Extensions, nsGeoRSS, "point"); ok {
		fields := strings.Fields(point.Value)
		if len(fields) == 2 {
			lat, errLat := strconv.ParseFloat(fields[0], 64)
			lon, errLon := strconv.ParseFloat(fields[1], 64)
			if errLat == nil && errLon == nil {
				n.Lat, n.Lon = &lat, &lon
			}
		}
	}
	return n
}

func applyActor(n *model.Notice, actor ext.Extension) {
	if v := childValue(actor, "preferredUsername"); v != "" {
		n.Nickname = v
		n.Author = v
	}
	if v := childValue(actor, "displayName"); v != "" {
		n.Fullname = v
	} else if v := childValue(actor, "title"); v != "" {
		n.Fullname = v
	}
	if n.AuthorURI == "" {
		n.AuthorURI = childValue(actor, "id")
	}
	for _, l := range actor.Children["link"] {
		if l.Attrs["rel"] == "avatar" {
			// The largest avatar is listed first.
			if n.Avatar == "" {
				n.Avatar = l.Attrs["href"]
			}
		}
	}
	if infos := actor.Children["profile_info"]; len(infos) > 0 {
		info := infos[0].Attrs
		n.AuthorID = parseID(info["local_id"])
		n.Following = info["following"] == "true"
		n.Blocking = info["blocking"] == "true"
	}
}

func first(exts ext.Extensions, namespaces []string, name string) (ext.Extension, bool) {
	for _, ns := range namespaces {
		if els := exts[ns][name]; len(els) > 0 {
			return els[0], true
		}
	}
	return ext.Extension{}, false
}

func childValue(e ext.Extension, name string) string {
	if c := e.Children[name]; len(c) > 0 {
		return strings.TrimSpace(c[0].Value)
	}
	return ""
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// trailingID extracts the numeric suffix of an entry id such as
// "http://example.net/notice/123" or "tag:example.net,2010:noticeId=123".
func trailingID(s string) int64 {
	end := len(s)
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0
	}
	return parseID(s[start:end])
}
