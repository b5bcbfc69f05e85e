// Package database provides SQLite storage for the notice cache.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bryan-buckman/statusync/internal/model"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up account does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes all access; it also keeps ":memory:" databases alive.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false for SQLite.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS account (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		apiroot TEXT NOT NULL,
		is_default INTEGER DEFAULT 0,
		profile_image_url TEXT DEFAULT '',
		text_limit INTEGER DEFAULT 0,
		nickname TEXT NOT NULL DEFAULT '',
		site_logo TEXT DEFAULT '',
		UNIQUE (username, apiroot)
	);
	CREATE TABLE IF NOT EXISTS entry_asjson (
		notice_id INTEGER NOT NULL,
		json_entry TEXT,
		account_id INTEGER NOT NULL,
		timeline TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (account_id, timeline, notice_id)
	);
	CREATE INDEX IF NOT EXISTS notice_id_idx ON entry_asjson (notice_id);
	CREATE INDEX IF NOT EXISTS account_id_idx ON entry_asjson (account_id);
	CREATE INDEX IF NOT EXISTS timeline_idx ON entry_asjson (timeline);
	CREATE INDEX IF NOT EXISTS timestamp_idx ON entry_asjson (timestamp);
	CREATE TABLE IF NOT EXISTS search_history (
		searchterm TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	INSERT OR IGNORE INTO settings (key, value) VALUES ('polling_interval_minutes', '5');
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Account Methods ---

const accountColumns = "id, username, password, apiroot, is_default, profile_image_url, text_limit, nickname, site_logo"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var avatar, logo sql.NullString
	var textLimit sql.NullInt64
	if err := row.Scan(&a.ID, &a.Username, &a.Password, &a.APIRoot, &a.IsDefault, &avatar, &textLimit, &a.Nickname, &logo); err != nil {
		return nil, err
	}
	a.AvatarURL = avatar.String
	a.SiteLogo = logo.String
	a.TextLimit = int(textLimit.Int64)
	return &a, nil
}

// EnsureAccount inserts the account if (username, apiroot) is new and returns its id.
func (db *DB) EnsureAccount(acct *model.Account) (int64, error) {
	_, err := db.conn.Exec(`
		INSERT INTO account (username, password, apiroot, is_default, profile_image_url, text_limit, nickname, site_logo)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(username, apiroot) DO NOTHING`,
		acct.Username, acct.Password, acct.APIRoot, acct.AvatarURL, acct.TextLimit, acct.Nickname, acct.SiteLogo)
	if err != nil {
		return 0, wrap("ensure account", err)
	}
	var id int64
	err = db.conn.QueryRow("SELECT id FROM account WHERE username = ? AND apiroot = ?", acct.Username, acct.APIRoot).Scan(&id)
	if err != nil {
		return 0, wrap("ensure account", err)
	}
	acct.ID = id
	return id, nil
}

// GetAccountByID loads one account.
func (db *DB) GetAccountByID(id int64) (*model.Account, error) {
	a, err := scanAccount(db.conn.QueryRow("SELECT "+accountColumns+" FROM account WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, wrap("get account", err)
}

// GetDefaultAccount returns the account marked is_default.
func (db *DB) GetDefaultAccount() (*model.Account, error) {
	a, err := scanAccount(db.conn.QueryRow("SELECT " + accountColumns + " FROM account WHERE is_default = 1"))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, wrap("get default account", err)
}

// ListAccounts returns all accounts ordered by id.
func (db *DB) ListAccounts() ([]model.Account, error) {
	rows, err := db.conn.Query("SELECT " + accountColumns + " FROM account ORDER BY id")
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()
	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, wrap("list accounts", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, wrap("list accounts", rows.Err())
}

// SetDefaultAccount clears every default and marks the given account.
func (db *DB) SetDefaultAccount(username, apiRoot string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return wrap("set default", err)
	}
	if _, err := tx.Exec("UPDATE account SET is_default = 0 WHERE is_default = 1"); err != nil {
		tx.Rollback()
		return wrap("set default", err)
	}
	res, err := tx.Exec("UPDATE account SET is_default = 1 WHERE username = ? AND apiroot = ?", username, apiRoot)
	if err != nil {
		tx.Rollback()
		return wrap("set default", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return ErrNotFound
	}
	return wrap("set default", tx.Commit())
}

// DeleteAccount removes the account and its cached rows. If it was the
// default, the remaining account with the lowest id becomes the default.
func (db *DB) DeleteAccount(username, apiRoot string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return wrap("delete account", err)
	}
	var id int64
	var wasDefault bool
	err = tx.QueryRow("SELECT id, is_default FROM account WHERE username = ? AND apiroot = ?", username, apiRoot).Scan(&id, &wasDefault)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return ErrNotFound
	}
	if err != nil {
		tx.Rollback()
		return wrap("delete account", err)
	}
	if _, err := tx.Exec("DELETE FROM account WHERE id = ?", id); err != nil {
		tx.Rollback()
		return wrap("delete account", err)
	}
	if _, err := tx.Exec("DELETE FROM entry_asjson WHERE account_id = ?", id); err != nil {
		tx.Rollback()
		return wrap("delete account", err)
	}
	if wasDefault {
		_, err := tx.Exec("UPDATE account SET is_default = 1 WHERE id = (SELECT id FROM account ORDER BY id LIMIT 1)")
		if err != nil {
			tx.Rollback()
			return wrap("delete account", err)
		}
	}
	return wrap("delete account", tx.Commit())
}

// --- Cache Row Methods ---

// UpsertCacheRow inserts or replaces a cached notice. Last writer wins.
func (db *DB) UpsertCacheRow(row model.CacheRow) error {
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO entry_asjson (notice_id, json_entry, account_id, timeline, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		row.NoticeID, row.JSONEntry, row.AccountID, row.Timeline, row.Timestamp.UnixMilli())
	return wrap("upsert cache row", err)
}

// DeleteCacheRow removes a notice from every timeline of the account.
func (db *DB) DeleteCacheRow(accountID, noticeID int64) error {
	_, err := db.conn.Exec("DELETE FROM entry_asjson WHERE account_id = ? AND notice_id = ?", accountID, noticeID)
	return wrap("delete cache row", err)
}

// QueryCacheRows returns up to limit rows, newest notice id first.
// A limit of zero or less returns every row.
func (db *DB) QueryCacheRows(accountID int64, timeline string, limit int) ([]model.CacheRow, error) {
	query := `SELECT notice_id, json_entry, account_id, timeline, timestamp FROM entry_asjson
		WHERE account_id = ? AND timeline = ?
		ORDER BY notice_id DESC`
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}
	rows, err := db.conn.Query(query, accountID, timeline)
	if err != nil {
		return nil, wrap("query cache rows", err)
	}
	defer rows.Close()
	result, err := scanCacheRows(rows)
	return result, wrap("query cache rows", err)
}

func scanCacheRows(rows *sql.Rows) ([]model.CacheRow, error) {
	var result []model.CacheRow
	for rows.Next() {
		var r model.CacheRow
		var js sql.NullString
		var ts int64
		if err := rows.Scan(&r.NoticeID, &js, &r.AccountID, &r.Timeline, &ts); err != nil {
			return nil, err
		}
		r.JSONEntry = js.String
		r.Timestamp = time.UnixMilli(ts)
		result = append(result, r)
	}
	return result, rows.Err()
}

func affected(op string, res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	return n, wrap(op, err)
}

// DeleteCacheRowsOlderThan removes rows cached before cutoff.
func (db *DB) DeleteCacheRowsOlderThan(accountID int64, timeline string, cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec("DELETE FROM entry_asjson WHERE timestamp < ? AND timeline = ? AND account_id = ?",
		cutoff.UnixMilli(), timeline, accountID)
	if err != nil {
		return 0, wrap("delete old cache rows", err)
	}
	return affected("delete old cache rows", res)
}

// DeleteOldestCacheRows removes the n rows with the oldest cache timestamp.
// Ties go to the earliest insert.
func (db *DB) DeleteOldestCacheRows(accountID int64, timeline string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := db.conn.Exec(`
		DELETE FROM entry_asjson WHERE rowid IN (
			SELECT rowid FROM entry_asjson WHERE timeline = ? AND account_id = ?
			ORDER BY timestamp ASC, rowid ASC LIMIT ?)`,
		timeline, accountID, n)
	if err != nil {
		return 0, wrap("trim cache rows", err)
	}
	return affected("trim cache rows", res)
}

// CountCacheRows counts rows for one timeline.
func (db *DB) CountCacheRows(accountID int64, timeline string) (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM entry_asjson WHERE timeline = ? AND account_id = ?", timeline, accountID).Scan(&count)
	return count, wrap("count cache rows", err)
}

// MaxCacheNoticeID returns the highest cached notice id, or 0.
func (db *DB) MaxCacheNoticeID(accountID int64, timeline string) (int64, error) {
	var lastID int64
	err := db.conn.QueryRow("SELECT COALESCE(MAX(notice_id), 0) FROM entry_asjson WHERE account_id = ? AND timeline = ?", accountID, timeline).Scan(&lastID)
	return lastID, wrap("max notice id", err)
}

// --- Search History Methods ---

// AddSearchTerm records a search term.
func (db *DB) AddSearchTerm(term string) error {
	_, err := db.conn.Exec("INSERT INTO search_history (searchterm) VALUES (?)", term)
	return wrap("add search term", err)
}

// GetSearchHistory returns recorded terms, most recent first.
func (db *DB) GetSearchHistory() ([]string, error) {
	rows, err := db.conn.Query("SELECT searchterm FROM search_history ORDER BY rowid DESC")
	if err != nil {
		return nil, wrap("search history", err)
	}
	defer rows.Close()
	var terms []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, wrap("search history", err)
		}
		terms = append(terms, t)
	}
	return terms, wrap("search history", rows.Err())
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(key string) (string, error) {
	var val string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return val, wrap("get setting", err)
}

// SetSetting saves a setting.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?", key, value, value)
	return wrap("set setting", err)
}

// GetPollingInterval returns the polling interval in minutes, with a minimum of 1.
func (db *DB) GetPollingInterval() (int, error) {
	return clampPolling(db.GetSetting(model.SettingPollingInterval))
}
