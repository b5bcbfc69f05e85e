package database

import (
	"sync"
	"time"

	"github.com/bryan-buckman/statusync/internal/model"
)

// SerializeWrites wraps s so that writes run one at a time. Reads pass
// through, so a pooled backend still serves the poller's parallel fetches.
func SerializeWrites(s Store) Store {
	return &serialStore{Store: s}
}

type serialStore struct {
	Store
	mu sync.Mutex
}

func (s *serialStore) EnsureAccount(acct *model.Account) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.EnsureAccount(acct)
}

func (s *serialStore) SetDefaultAccount(username, apiRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.SetDefaultAccount(username, apiRoot)
}

func (s *serialStore) DeleteAccount(username, apiRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.DeleteAccount(username, apiRoot)
}

func (s *serialStore) UpsertCacheRow(row model.CacheRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.UpsertCacheRow(row)
}

func (s *serialStore) DeleteCacheRow(accountID, noticeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.DeleteCacheRow(accountID, noticeID)
}

func (s *serialStore) DeleteCacheRowsOlderThan(accountID int64, timeline string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.DeleteCacheRowsOlderThan(accountID, timeline, cutoff)
}

func (s *serialStore) DeleteOldestCacheRows(accountID int64, timeline string, n int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.DeleteOldestCacheRows(accountID, timeline, n)
}

func (s *serialStore) AddSearchTerm(term string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.AddSearchTerm(term)
}

func (s *serialStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.SetSetting(key, value)
}
