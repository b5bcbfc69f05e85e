package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/statusync/internal/feed"
	"github.com/bryan-buckman/statusync/internal/model"
	"github.com/gorilla/feeds"
)

// exportAtom renders the displayed notices of a timeline as an Atom document.
func exportAtom(acct model.Account, timelineName string, notices []model.Notice) (string, error) {
	root := strings.TrimSuffix(acct.APIRoot, "/")
	f := &feeds.Feed{
		Title:       fmt.Sprintf("%s timeline for %s", timelineName, acct.Username),
		Link:        &feeds.Link{Href: root},
		Description: fmt.Sprintf("Cached %s notices", timelineName),
		Author:      &feeds.Author{Name: acct.Username},
		Created:     time.Now(),
	}

	for _, n := range sortedViews(notices) {
		title := n.Title
		if title == "" {
			title = n.Text
		}
		item := &feeds.Item{
			Id:          fmt.Sprintf("%s/notice/%d", root, n.ID),
			Title:       title,
			Link:        &feeds.Link{Href: n.ContextLink},
			Author:      &feeds.Author{Name: n.Author},
			Description: n.Text,
			Content:     n.Content,
			Created:     n.Published,
			Updated:     n.Updated,
		}
		if n.ContextLink == "" {
			item.Link = &feeds.Link{Href: item.Id}
		}
		f.Items = append(f.Items, item)
	}
	if len(f.Items) > 0 {
		f.Updated = f.Items[0].Updated
	}

	return f.ToAtom()
}
