package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
)

type OutboundMessageRepositoryInterface interface {
	// Record stores the outcome of an item for one destination. A second
	// record for the same item and destination replaces the first.
	Record(ctx context.Context, rec model.DeliveryRecord) error
	// List returns records newest first and the total matching count.
	List(ctx context.Context, offset, limit int, status, destination string) ([]model.DeliveryRecord, int, error)
	// Stats counts records per status.
	Stats(ctx context.Context) (map[string]int, error)
	// Prune deletes records finished before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type OutboundMessageRepository struct {
	DB *sql.DB
}

func NewOutboundMessageRepository(conn *sql.DB) *OutboundMessageRepository {
	return &OutboundMessageRepository{DB: conn}
}

func (r *OutboundMessageRepository) Record(ctx context.Context, rec model.DeliveryRecord) error {
	query := `
		INSERT INTO deliveries
		(item_id, destination, chat_id, message_id, token_address, fingerprint, status, last_error, retry_count, enqueued_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (item_id, destination) DO UPDATE SET
			chat_id = excluded.chat_id,
			message_id = excluded.message_id,
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = excluded.retry_count,
			finished_at = excluded.finished_at
	`
	_, err := r.DB.ExecContext(ctx, query,
		rec.ItemID,
		rec.Destination,
		rec.ChatID,
		rec.MessageID,
		rec.TokenAddress,
		rec.Fingerprint,
		rec.Status,
		rec.LastError,
		rec.RetryCount,
		unixOrZero(rec.EnqueuedAt),
		unixOrZero(rec.FinishedAt),
	)
	return appErrors.NewPersistence("record delivery", err)
}

func (r *OutboundMessageRepository) List(ctx context.Context, offset, limit int, status, destination string) ([]model.DeliveryRecord, int, error) {
	where, args := deliveryFilter(status, destination)

	query := `
		SELECT item_id, destination, chat_id, message_id, token_address, fingerprint,
		       status, last_error, retry_count, enqueued_at, finished_at
		FROM deliveries` + where +
		fmt.Sprintf(" ORDER BY finished_at DESC, item_id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, appErrors.NewPersistence("list deliveries", err)
	}
	defer rows.Close()

	records := []model.DeliveryRecord{}
	for rows.Next() {
		var (
			rec                  model.DeliveryRecord
			enqueued, finishedAt int64
		)
		if err := rows.Scan(
			&rec.ItemID, &rec.Destination, &rec.ChatID, &rec.MessageID, &rec.TokenAddress, &rec.Fingerprint,
			&rec.Status, &rec.LastError, &rec.RetryCount, &enqueued, &finishedAt,
		); err != nil {
			return nil, 0, appErrors.NewPersistence("list deliveries", err)
		}
		rec.EnqueuedAt = fromUnix(enqueued)
		rec.FinishedAt = fromUnix(finishedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, appErrors.NewPersistence("list deliveries", err)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`+where, args...).Scan(&total); err != nil {
		return nil, 0, appErrors.NewPersistence("count deliveries", err)
	}
	return records, total, nil
}

func (r *OutboundMessageRepository) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, appErrors.NewPersistence("delivery stats", err)
	}
	defer rows.Close()

	stats := map[string]int{
		model.StatusSent:      0,
		model.StatusFailed:    0,
		model.StatusExhausted: 0,
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, appErrors.NewPersistence("delivery stats", err)
		}
		stats[status] = count
	}
	return stats, appErrors.NewPersistence("delivery stats", rows.Err())
}

func (r *OutboundMessageRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM deliveries WHERE finished_at < $1`, before.Unix())
	if err != nil {
		return 0, appErrors.NewPersistence("prune deliveries", err)
	}
	n, err := res.RowsAffected()
	return n, appErrors.NewPersistence("prune deliveries", err)
}

// deliveryFilter builds the WHERE clause shared by the page and count queries.
func deliveryFilter(status, destination string) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if destination != "" {
		args = append(args, destination)
		where += fmt.Sprintf(" AND destination = $%d", len(args))
	}
	return where, args
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

var _ OutboundMessageRepositoryInterface = (*OutboundMessageRepository)(nil)
