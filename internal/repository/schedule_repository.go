package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
)

// settingsRowID is the id of the single settings row.
const settingsRowID = 1

type ScheduleRepositoryInterface interface {
	// EnsureRow creates the settings row if missing and updates the
	// secondary channel id, keeping any configured window.
	EnsureRow(ctx context.Context, secondaryChannelID int64) error
	Get(ctx context.Context) (model.ScheduleSetting, error)
	SaveWindow(ctx context.Context, start, expiry int64) error
}

type ScheduleRepository struct {
	DB *sql.DB
}

func NewScheduleRepository(conn *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{DB: conn}
}

func (r *ScheduleRepository) EnsureRow(ctx context.Context, secondaryChannelID int64) error {
	query := `
		INSERT INTO settings (id, secondary_channel_id, start_time, expiry_time)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (id) DO UPDATE SET secondary_channel_id = excluded.secondary_channel_id
	`
	_, err := r.DB.ExecContext(ctx, query, settingsRowID, secondaryChannelID)
	return appErrors.NewPersistence("ensure settings row", err)
}

// Get returns the current window. A missing row reads as disabled.
func (r *ScheduleRepository) Get(ctx context.Context) (model.ScheduleSetting, error) {
	query := `
		SELECT secondary_channel_id, start_time, expiry_time
		FROM settings
		WHERE id = $1
	`
	var s model.ScheduleSetting
	err := r.DB.QueryRowContext(ctx, query, settingsRowID).Scan(&s.SecondaryChannelID, &s.StartTime, &s.ExpiryTime)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduleSetting{}, nil
	}
	if err != nil {
		return model.ScheduleSetting{}, appErrors.NewPersistence("get settings", err)
	}
	return s, nil
}

func (r *ScheduleRepository) SaveWindow(ctx context.Context, start, expiry int64) error {
	query := `UPDATE settings SET start_time = $1, expiry_time = $2 WHERE id = $3`
	res, err := r.DB.ExecContext(ctx, query, start, expiry, settingsRowID)
	if err != nil {
		return appErrors.NewPersistence("save window", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewPersistence("save window", errors.New("settings row missing"))
	}
	return nil
}

var _ ScheduleRepositoryInterface = (*ScheduleRepository)(nil)
