// Package model defines shared data structures.
package model

import "time"

// Notice is one normalized post from an activity stream.
// Records are immutable once cached, except Favorite and Repeated.
type Notice struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content"`
	Author      string    `json:"author"`
	Nickname    string    `json:"nickname,omitempty"`
	Fullname    string    `json:"fullname,omitempty"`
	AuthorID    int64     `json:"authorId"`
	AuthorURI   string    `json:"authorUri"`
	Avatar      string    `json:"avatar"`
	Published   time.Time `json:"published"`
	Updated     time.Time `json:"updated"`
	Favorite    bool      `json:"favorite"`
	Repeated    bool      `json:"repeated"`
	RepeatOfID  *int64    `json:"repeat_of,omitempty"`
	Source      string    `json:"source"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	ContextLink string    `json:"contextLink,omitempty"`
	// Following and Blocking describe the viewer's relation to the author.
	Following bool `json:"following"`
	Blocking  bool `json:"blocking"`
}

// Account is one login against one server. (Username, APIRoot) is unique.
type Account struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	APIRoot   string `json:"apiroot"`
	Nickname  string `json:"nickname"`
	IsDefault bool   `json:"is_default"`
	AvatarURL string `json:"profile_image_url"`
	TextLimit int    `json:"text_limit"`
	SiteLogo  string `json:"site_logo"`
}

// CacheRow is the persisted projection of a Notice.
// Timestamp is the cache-insertion time, not the notice time.
type CacheRow struct {
	NoticeID  int64
	JSONEntry string
	AccountID int64
	Timeline  string
	Timestamp time.Time
}

// Settings key constants.
const (
	SettingPollingInterval = "polling_interval_minutes"
)
