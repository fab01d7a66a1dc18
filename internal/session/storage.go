package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/groupwatch/internal/logging"
	"github.com/asheshgoplani/groupwatch/internal/statedb"
)

var storageLog = logging.ForComponent(logging.CompStore)

// DefaultHistoryLimit is the number of alerts retained per user.
const DefaultHistoryLimit = 100

// Storage implements Store on top of the SQLite state database.
type Storage struct {
	db           *statedb.StateDB
	historyLimit int
	newID        func() string
}

// OpenStorage opens (and migrates) the state database at dbPath.
func OpenStorage(dbPath string, historyLimit int) (*Storage, error) {
	db, err := statedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return NewStorage(db, historyLimit), nil
}

// NewStorage wraps an already-open database.
func NewStorage(db *statedb.StateDB, historyLimit int) *Storage {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Storage{
		db:           db,
		historyLimit: historyLimit,
		newID:        func() string { return uuid.NewString() },
	}
}

// GetDB returns the underlying state database.
func (s *Storage) GetDB() *statedb.StateDB {
	return s.db
}

// Close checkpoints and closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) GetSettings(ctx context.Context, userID string) (Settings, error) {
	row, err := s.db.GetSettings(ctx, userID)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		WatchedGroups:   row.WatchedGroups,
		GlobalKeywords:  row.GlobalKeywords,
		DeliveryAddress: row.DeliveryAddress,
	}, nil
}

func (s *Storage) SaveSettings(ctx context.Context, userID string, in Settings) error {
	return s.db.SaveSettings(ctx, userID, statedb.SettingsRow{
		WatchedGroups:   in.WatchedGroups,
		GlobalKeywords:  in.GlobalKeywords,
		DeliveryAddress: in.DeliveryAddress,
	})
}

func (s *Storage) GetGroupKeywords(ctx context.Context, userID string) (map[string]GroupKeywords, error) {
	rows, err := s.db.GetGroupKeywords(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]GroupKeywords, len(rows))
	for id, r := range rows {
		out[id] = GroupKeywords{GroupID: r.GroupID, GroupName: r.GroupName, Keywords: r.Keywords}
	}
	return out, nil
}

func (s *Storage) SaveGroupKeywords(ctx context.Context, userID string, gk GroupKeywords) error {
	return s.db.SaveGroupKeywords(ctx, userID, statedb.GroupKeywordsRow{
		GroupID:   gk.GroupID,
		GroupName: gk.GroupName,
		Keywords:  gk.Keywords,
	})
}

func (s *Storage) DeleteGroupKeywords(ctx context.Context, userID, groupID string) error {
	return s.db.DeleteGroupKeywords(ctx, userID, groupID)
}

// AddAlert assigns a UUID, stores the alert and trims history to the limit.
func (s *Storage) AddAlert(ctx context.Context, userID string, data AlertData, delivered bool) (Alert, error) {
	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now()
	}
	alert := Alert{ID: s.newID(), AlertData: data, Delivered: delivered}
	if err := s.db.AddAlert(ctx, statedb.AlertRow{
		ID:             alert.ID,
		UserID:         userID,
		GroupID:        data.GroupID,
		GroupName:      data.GroupName,
		MatchedKeyword: data.MatchedKeyword,
		MessageText:    data.MessageText,
		SenderName:     data.SenderName,
		Timestamp:      data.Timestamp,
		Delivered:      delivered,
	}, s.historyLimit); err != nil {
		return Alert{}, err
	}
	storageLog.Debug("alert_stored",
		slog.String("user", userID),
		slog.String("alert", alert.ID),
		slog.Bool("delivered", delivered))
	return alert, nil
}

func (s *Storage) GetAlerts(ctx context.Context, userID string) ([]Alert, error) {
	rows, err := s.db.GetAlerts(ctx, userID, s.historyLimit)
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, Alert{
			ID: r.ID,
			AlertData: AlertData{
				GroupID:        r.GroupID,
				GroupName:      r.GroupName,
				MatchedKeyword: r.MatchedKeyword,
				MessageText:    r.MessageText,
				SenderName:     r.SenderName,
				Timestamp:      r.Timestamp,
			},
			Delivered: r.Delivered,
		})
	}
	return out, nil
}

func (s *Storage) UpdateStatus(ctx context.Context, userID string, st Status, lastError string) error {
	return s.db.UpdateStatus(ctx, userID, string(st), lastError)
}

// ResetStatuses marks every stored status disconnected. Called once at
// startup since no client survives a process restart.
func (s *Storage) ResetStatuses(ctx context.Context) error {
	n, err := s.db.ResetStatuses(ctx, string(StatusDisconnected))
	if err != nil {
		return err
	}
	if n > 0 {
		storageLog.Info("statuses_reset", slog.Int64("rows", n))
	}
	return nil
}

// Checkpoint merges the WAL into the main database file.
func (s *Storage) Checkpoint(ctx context.Context) error {
	return s.db.Checkpoint(ctx)
}
