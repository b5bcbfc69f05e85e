// Package timeline keeps per-account notice timelines in sync with the
// server and with the local cache.
package timeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is a timeline variant.
type Kind string

const (
	KindPublic    Kind = "public"
	KindFriends   Kind = "friends"
	KindMentions  Kind = "mentions"
	KindFavorites Kind = "favorites"
	KindInbox     Kind = "inbox"
	KindTag       Kind = "tag"
	KindUser      Kind = "user"
)

// variant is the fixed configuration of a Kind.
type variant struct {
	cacheable   bool
	autoRefresh bool
	// urlTemplate is relative to the account's API root. %s is replaced by the tag.
	urlTemplate string
}

var variants = map[Kind]variant{
	KindPublic:    {cacheable: true, autoRefresh: true, urlTemplate: "statuses/public_timeline.as"},
	KindFriends:   {cacheable: true, autoRefresh: true, urlTemplate: "statuses/friends_timeline.as"},
	KindMentions:  {cacheable: true, autoRefresh: true, urlTemplate: "statuses/mentions.as"},
	KindFavorites: {cacheable: true, autoRefresh: true, urlTemplate: "favorites.as"},
	KindInbox:     {cacheable: false, autoRefresh: false, urlTemplate: "direct_messages.atom"},
	KindTag:       {cacheable: false, autoRefresh: true, urlTemplate: "statusnet/tags/timeline/%s.as"},
	KindUser:      {cacheable: false, autoRefresh: false, urlTemplate: "statuses/user_timeline.as"},
}

// AutoRefreshKinds lists the cacheable kinds the poller keeps warm.
var AutoRefreshKinds = []Kind{KindFriends, KindMentions, KindPublic, KindFavorites}

// Spec identifies one timeline of an account.
type Spec struct {
	Kind Kind
	// Tag is required for KindTag.
	Tag string
	// UserID selects another user's timeline for KindUser. Zero means the
	// account's own timeline.
	UserID int64
}

// Validate reports whether s names a known, complete variant.
func (s Spec) Validate() error {
	if _, ok := variants[s.Kind]; !ok {
		return fmt.Errorf("unknown timeline %q", s.Kind)
	}
	if s.Kind == KindTag && strings.TrimSpace(s.Tag) == "" {
		return fmt.Errorf("tag timeline needs a tag")
	}
	return nil
}

// Name is the timeline name stored alongside cached rows.
func (s Spec) Name() string {
	switch s.Kind {
	case KindTag:
		return "tag-" + s.Tag
	case KindUser:
		if s.UserID != 0 {
			return "user-" + strconv.FormatInt(s.UserID, 10)
		}
	}
	return string(s.Kind)
}

// Cacheable reports whether notices of this timeline are persisted.
func (s Spec) Cacheable() bool { return variants[s.Kind].cacheable }

// AutoRefresh reports whether new notices of this timeline are announced.
func (s Spec) AutoRefresh() bool { return variants[s.Kind].autoRefresh }

// BaseURL is the API path of the timeline without pagination parameters.
func (s Spec) BaseURL() string {
	v := variants[s.Kind]
	if s.Kind == KindTag {
		return fmt.Sprintf(v.urlTemplate, s.Tag)
	}
	return v.urlTemplate
}

// withParams appends query parameters to u, keeping user_id last for
// user timelines.
func (s Spec) withParams(u string, params ...string) string {
	if s.Kind == KindUser && s.UserID != 0 {
		params = append(params, "user_id="+strconv.FormatInt(s.UserID, 10))
	}
	if len(params) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + strings.Join(params, "&")
}

// ParseName is the inverse of Spec.Name.
func ParseName(name string) (Spec, error) {
	switch {
	case strings.HasPrefix(name, "tag-"):
		return Spec{Kind: KindTag, Tag: strings.TrimPrefix(name, "tag-")}, nil
	case strings.HasPrefix(name, "user-"):
		id, err := strconv.ParseInt(strings.TrimPrefix(name, "user-"), 10, 64)
		if err != nil {
			return Spec{}, fmt.Errorf("bad user timeline %q: %w", name, err)
		}
		return Spec{Kind: KindUser, UserID: id}, nil
	}
	s := Spec{Kind: Kind(name)}
	return s, s.Validate()
}
