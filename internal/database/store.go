// Package database provides storage backends for the notice cache and accounts.
package database

import (
	"fmt"
	"time"

	"github.com/bryan-buckman/statusync/internal/model"
)

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false because all access goes through one connection.
	SupportsHighConcurrency() bool

	// Account operations
	EnsureAccount(acct *model.Account) (int64, error)
	GetAccountByID(id int64) (*model.Account, error)
	GetDefaultAccount() (*model.Account, error)
	ListAccounts() ([]model.Account, error)
	SetDefaultAccount(username, apiRoot string) error
	DeleteAccount(username, apiRoot string) error

	// Cache row operations
	UpsertCacheRow(row model.CacheRow) error
	DeleteCacheRow(accountID, noticeID int64) error
	QueryCacheRows(accountID int64, timeline string, limit int) ([]model.CacheRow, error)
	DeleteCacheRowsOlderThan(accountID int64, timeline string, cutoff time.Time) (int64, error)
	DeleteOldestCacheRows(accountID int64, timeline string, n int) (int64, error)
	CountCacheRows(accountID int64, timeline string) (int, error)
	MaxCacheNoticeID(accountID int64, timeline string) (int64, error)

	// Search history
	AddSearchTerm(term string) error
	GetSearchHistory() ([]string, error)

	// Settings operations
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	GetPollingInterval() (int, error)
}

// StorageError reports a failed Local Store operation.
// Callers in the cache layer treat it as a miss.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// DefaultPollingInterval is used when no setting is stored.
const DefaultPollingInterval = 5

// MinPollingInterval is the lower bound enforced on the stored setting.
const MinPollingInterval = 1

func clampPolling(val string, err error) (int, error) {
	if err != nil {
		return DefaultPollingInterval, nil // default
	}
	var mins int
	fmt.Sscanf(val, "%d", &mins)
	if mins < MinPollingInterval {
		mins = MinPollingInterval
	}
	return mins, nil
}
