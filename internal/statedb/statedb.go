package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// StateDB wraps a SQLite database holding per-user settings, keyword lists,
// alert history, coarse session status and browser push subscriptions.
// Safe for concurrent use from multiple goroutines.
type StateDB struct {
	db *sql.DB
}

// SettingsRow is one user's monitoring settings.
type SettingsRow struct {
	WatchedGroups   []string
	GlobalKeywords  []string
	DeliveryAddress string
	UpdatedAt       time.Time
}

// GroupKeywordsRow is a per-group keyword override.
type GroupKeywordsRow struct {
	GroupID   string
	GroupName string
	Keywords  []string
	UpdatedAt time.Time
}

// AlertRow is one persisted keyword alert.
type AlertRow struct {
	ID             string
	UserID         string
	GroupID        string
	GroupName      string
	MatchedKeyword string
	MessageText    string
	SenderName     string
	Timestamp      time.Time
	Delivered      bool
}

// StatusRow is the last status written for a user.
type StatusRow struct {
	UserID    string
	Status    string
	LastError string
	UpdatedAt time.Time
}

// PushSubscriptionRow is a browser push endpoint owned by a user.
// Focused is nil until the client reports its presence.
type PushSubscriptionRow struct {
	UserID         string
	Endpoint       string
	P256DH         string
	Auth           string
	Focused        *bool
	FocusUpdatedAt time.Time
	UpdatedAt      time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// busy_timeout and foreign_keys are per-connection, so they go in the DSN
	// where every pooled connection picks them up.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Checkpoint merges the WAL back into the main database file.
func (s *StateDB) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("statedb: checkpoint: %w", err)
	}
	return nil
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// --- Settings ---

// GetSettings returns the stored settings for userID, or an empty row.
func (s *StateDB) GetSettings(ctx context.Context, userID string) (SettingsRow, error) {
	var row SettingsRow
	var watched, keywords string
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT watched_groups, global_keywords, delivery_address, updated_at
		FROM settings WHERE user_id = ?
	`, userID).Scan(&watched, &keywords, &row.DeliveryAddress, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return SettingsRow{WatchedGroups: []string{}, GlobalKeywords: []string{}}, nil
	}
	if err != nil {
		return SettingsRow{}, fmt.Errorf("statedb: get settings: %w", err)
	}
	if row.WatchedGroups, err = decodeList(watched); err != nil {
		return SettingsRow{}, fmt.Errorf("statedb: decode watched groups: %w", err)
	}
	if row.GlobalKeywords, err = decodeList(keywords); err != nil {
		return SettingsRow{}, fmt.Errorf("statedb: decode keywords: %w", err)
	}
	row.UpdatedAt = time.UnixMilli(updated)
	return row, nil
}

// SaveSettings replaces the settings for userID.
func (s *StateDB) SaveSettings(ctx context.Context, userID string, row SettingsRow) error {
	watched, err := encodeList(row.WatchedGroups)
	if err != nil {
		return err
	}
	keywords, err := encodeList(row.GlobalKeywords)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO settings (user_id, watched_groups, global_keywords, delivery_address, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, watched, keywords, row.DeliveryAddress, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: save settings: %w", err)
	}
	return nil
}

// --- Group keywords ---

// GetGroupKeywords returns every override for userID keyed by group id.
func (s *StateDB) GetGroupKeywords(ctx context.Context, userID string) (map[string]GroupKeywordsRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, group_name, keywords, updated_at
		FROM group_keywords WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("statedb: get group keywords: %w", err)
	}
	defer rows.Close()

	result := make(map[string]GroupKeywordsRow)
	for rows.Next() {
		var g GroupKeywordsRow
		var keywords string
		var updated int64
		if err := rows.Scan(&g.GroupID, &g.GroupName, &keywords, &updated); err != nil {
			return nil, fmt.Errorf("statedb: scan group keywords: %w", err)
		}
		if g.Keywords, err = decodeList(keywords); err != nil {
			return nil, fmt.Errorf("statedb: decode group keywords %s: %w", g.GroupID, err)
		}
		g.UpdatedAt = time.UnixMilli(updated)
		result[g.GroupID] = g
	}
	return result, rows.Err()
}

// SaveGroupKeywords inserts or replaces one group's override.
func (s *StateDB) SaveGroupKeywords(ctx context.Context, userID string, row GroupKeywordsRow) error {
	keywords, err := encodeList(row.Keywords)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO group_keywords (user_id, group_id, group_name, keywords, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, row.GroupID, row.GroupName, keywords, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: save group keywords: %w", err)
	}
	return nil
}

// DeleteGroupKeywords removes one group's override. Missing rows are not an error.
func (s *StateDB) DeleteGroupKeywords(ctx context.Context, userID, groupID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM group_keywords WHERE user_id = ? AND group_id = ?", userID, groupID,
	); err != nil {
		return fmt.Errorf("statedb: delete group keywords: %w", err)
	}
	return nil
}

// --- Alerts ---

// AddAlert appends an alert and trims the user's history to the newest keep
// rows in the same transaction.
func (s *StateDB) AddAlert(ctx context.Context, row AlertRow, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statedb: begin add alert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delivered := 0
	if row.Delivered {
		delivered = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (id, user_id, group_id, group_name, matched_keyword,
			message_text, sender_name, created_at, delivered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		row.ID, row.UserID, row.GroupID, row.GroupName, row.MatchedKeyword,
		row.MessageText, row.SenderName, row.Timestamp.UnixMilli(), delivered,
	); err != nil {
		return fmt.Errorf("statedb: insert alert: %w", err)
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM alerts
			WHERE user_id = ? AND seq NOT IN (
				SELECT seq FROM alerts WHERE user_id = ? ORDER BY seq DESC LIMIT ?
			)
		`, row.UserID, row.UserID, keep); err != nil {
			return fmt.Errorf("statedb: prune alerts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statedb: commit alert: %w", err)
	}
	return nil
}

// GetAlerts returns up to limit alerts for userID, newest first.
// A non-positive limit returns every retained alert.
func (s *StateDB) GetAlerts(ctx context.Context, userID string, limit int) ([]AlertRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, group_id, group_name, matched_keyword,
			message_text, sender_name, created_at, delivered
		FROM alerts WHERE user_id = ?
		ORDER BY seq DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("statedb: get alerts: %w", err)
	}
	defer rows.Close()

	result := make([]AlertRow, 0)
	for rows.Next() {
		var a AlertRow
		var created int64
		var delivered int
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.GroupID, &a.GroupName, &a.MatchedKeyword,
			&a.MessageText, &a.SenderName, &created, &delivered,
		); err != nil {
			return nil, fmt.Errorf("statedb: scan alert: %w", err)
		}
		a.Timestamp = time.UnixMilli(created)
		a.Delivered = delivered != 0
		result = append(result, a)
	}
	return result, rows.Err()
}

// CountAlerts returns how many alerts are retained for userID.
func (s *StateDB) CountAlerts(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts WHERE user_id = ?", userID).Scan(&count)
	return count, err
}

// --- Status ---

// UpdateStatus records the coarse session status for userID.
func (s *StateDB) UpdateStatus(ctx context.Context, userID, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO user_status (user_id, status, last_error, updated_at)
		VALUES (?, ?, ?, ?)
	`, userID, status, lastError, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: update status: %w", err)
	}
	return nil
}

// ListStatuses returns every recorded status ordered by user id.
func (s *StateDB) ListStatuses(ctx context.Context) ([]StatusRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, status, last_error, updated_at FROM user_status ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("statedb: list statuses: %w", err)
	}
	defer rows.Close()

	var result []StatusRow
	for rows.Next() {
		var r StatusRow
		var updated int64
		if err := rows.Scan(&r.UserID, &r.Status, &r.LastError, &updated); err != nil {
			return nil, fmt.Errorf("statedb: scan status: %w", err)
		}
		r.UpdatedAt = time.UnixMilli(updated)
		result = append(result, r)
	}
	return result, rows.Err()
}

// ResetStatuses marks every user as status. Used at startup, when no client
// from a previous process can still be alive.
func (s *StateDB) ResetStatuses(ctx context.Context, status string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE user_status SET status = ?, updated_at = ? WHERE status != ?",
		status, time.Now().UnixMilli(), status)
	if err != nil {
		return 0, fmt.Errorf("statedb: reset statuses: %w", err)
	}
	return res.RowsAffected()
}

// --- Push subscriptions ---

// UpsertPushSubscription inserts or replaces a subscription by endpoint.
// An unset Focused keeps the previously stored presence.
func (s *StateDB) UpsertPushSubscription(ctx context.Context, row PushSubscriptionRow) error {
	now := time.Now().UnixMilli()
	focused := sql.NullInt64{}
	var focusAt int64
	if row.Focused != nil {
		focused = sql.NullInt64{Int64: boolToInt(*row.Focused), Valid: true}
		focusAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, focused, focus_updated_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			focused = COALESCE(excluded.focused, push_subscriptions.focused),
			focus_updated_at = CASE WHEN excluded.focused IS NULL
				THEN push_subscriptions.focus_updated_at ELSE excluded.focus_updated_at END,
			updated_at = excluded.updated_at
	`, row.Endpoint, row.UserID, row.P256DH, row.Auth, focused, focusAt, now)
	if err != nil {
		return fmt.Errorf("statedb: upsert push subscription: %w", err)
	}
	return nil
}

// ListPushSubscriptions returns the subscriptions owned by userID.
func (s *StateDB) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscriptionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, user_id, p256dh, auth, focused, focus_updated_at, updated_at
		FROM push_subscriptions WHERE user_id = ? ORDER BY updated_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("statedb: list push subscriptions: %w", err)
	}
	defer rows.Close()

	var result []PushSubscriptionRow
	for rows.Next() {
		var r PushSubscriptionRow
		var focused sql.NullInt64
		var focusAt, updated int64
		if err := rows.Scan(&r.Endpoint, &r.UserID, &r.P256DH, &r.Auth, &focused, &focusAt, &updated); err != nil {
			return nil, fmt.Errorf("statedb: scan push subscription: %w", err)
		}
		if focused.Valid {
			v := focused.Int64 != 0
			r.Focused = &v
		}
		if focusAt > 0 {
			r.FocusUpdatedAt = time.UnixMilli(focusAt)
		}
		r.UpdatedAt = time.UnixMilli(updated)
		result = append(result, r)
	}
	return result, rows.Err()
}

// CountPushSubscriptions returns how many endpoints userID has registered.
func (s *StateDB) CountPushSubscriptions(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM push_subscriptions WHERE user_id = ?", userID).Scan(&count)
	return count, err
}

// UpdatePushFocus records whether the user's client behind endpoint is focused.
// Unknown endpoints, or endpoints owned by another user, are ignored.
func (s *StateDB) UpdatePushFocus(ctx context.Context, userID, endpoint string, focused bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE push_subscriptions SET focused = ?, focus_updated_at = ?
		WHERE endpoint = ? AND user_id = ?
	`, boolToInt(focused), time.Now().UnixMilli(), endpoint, userID)
	if err != nil {
		return fmt.Errorf("statedb: update push focus: %w", err)
	}
	return nil
}

// RemovePushSubscription deletes the endpoint if it belongs to userID.
func (s *StateDB) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE endpoint = ? AND user_id = ?", endpoint, userID,
	); err != nil {
		return fmt.Errorf("statedb: remove push subscription: %w", err)
	}
	return nil
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("statedb: encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
