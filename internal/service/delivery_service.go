package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/repository"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// DeliveryLog records and pages through delivery outcomes.
type DeliveryLog struct {
	Repo repository.OutboundMessageRepositoryInterface
	Log  *slog.Logger
}

func NewDeliveryLog(repo repository.OutboundMessageRepositoryInterface, log *slog.Logger) *DeliveryLog {
	return &DeliveryLog{Repo: repo, Log: log.With("component", "deliveries")}
}

func (d *DeliveryLog) Record(ctx context.Context, rec model.DeliveryRecord) error {
	return d.Repo.Record(ctx, rec)
}

// List returns one page of records, newest first, and the pagination
// metadata. Out of range page numbers and sizes fall back to defaults.
func (d *DeliveryLog) List(ctx context.Context, page, pageSize int, status, destination string) ([]model.DeliveryRecord, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	offset := (page - 1) * pageSize

	records, total, err := d.Repo.List(ctx, offset, pageSize, status, destination)
	if err != nil {
		return nil, nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return records, pagination, nil
}

func (d *DeliveryLog) Stats(ctx context.Context) (map[string]int, error) {
	return d.Repo.Stats(ctx)
}

// Prune drops records older than retention.
func (d *DeliveryLog) Prune(ctx context.Context, retention time.Duration) error {
	n, err := d.Repo.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	if n > 0 {
		d.Log.Info("pruned delivery log", "deleted", n, "retention", retention)
	}
	return nil
}
