// Package store keeps the download history in sqlite.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/seekr/internal/db"
	"github.com/rudransh-shrivastava/seekr/internal/download"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("transfer not found")

// TransferRepository defines download history operations.
type TransferRepository interface {
	Save(ctx context.Context, snap download.Snapshot) error
	Get(ctx context.Context, id string) (db.Transfer, error)
	List(ctx context.Context, limit int) ([]db.Transfer, error)
	MarkInterrupted(ctx context.Context) (int64, error)
}

type TransferStore struct {
	DB *gorm.DB
}

func NewTransferStore(gdb *gorm.DB) *TransferStore {
	return &TransferStore{DB: gdb}
}

// Save inserts or replaces the row for snap.ID.
func (ts *TransferStore) Save(ctx context.Context, snap download.Snapshot) error {
	rec := fromSnapshot(snap)
	err := ts.DB.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("saving transfer %s: %w", snap.ID, err)
	}
	return nil
}

func (ts *TransferStore) Get(ctx context.Context, id string) (db.Transfer, error) {
	var rec db.Transfer
	err := ts.DB.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Transfer{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns the most recently started transfers first. A limit of zero
// or less returns every row.
func (ts *TransferStore) List(ctx context.Context, limit int) ([]db.Transfer, error) {
	var recs []db.Transfer
	q := ts.DB.WithContext(ctx).Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return recs, nil
}

// MarkInterrupted fails every row left unfinished by a previous run.
func (ts *TransferStore) MarkInterrupted(ctx context.Context) (int64, error) {
	live := []string{
		download.Queued.String(),
		download.Connecting.String(),
		download.InProgress.String(),
	}
	res := ts.DB.WithContext(ctx).Model(&db.Transfer{}).
		Where("status IN ?", live).
		Updates(map[string]any{"status": download.Failed.String(), "error": "interrupted"})
	return res.RowsAffected, res.Error
}

func fromSnapshot(snap download.Snapshot) db.Transfer {
	rec := db.Transfer{
		ID:            snap.ID,
		User:          snap.User,
		RemotePath:    snap.RemotePath,
		Destination:   snap.Destination,
		Status:        snap.Status.String(),
		BytesReceived: snap.BytesReceived,
		TotalBytes:    snap.TotalBytes,
		StartedAt:     snap.StartedAt,
	}
	if snap.Err != nil {
		rec.Error = snap.Err.Error()
	}
	if !snap.FinishedAt.IsZero() {
		finished := snap.FinishedAt
		rec.FinishedAt = &finished
	}
	return rec
}
