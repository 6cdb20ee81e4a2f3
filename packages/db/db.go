// Package db
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"changedetect/packages/domain"
	"changedetect/packages/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	selectResourcesSQL = `SELECT id, url, size, last_modified, etag FROM resources ORDER BY id`
	updateResourceSQL  = `UPDATE resources SET size = $1, last_modified = $2, etag = $3, checked_at = now() WHERE id = $4`
)

type Storage struct {
	DB          *pgxpool.Pool
	cfg         Config
	updateQueue chan []domain.MetadataUpdate
	writerDone  chan struct{}
}

type Config struct {
	UpdateWriteInterval  time.Duration
	UpdateWriteQueueSize int
}

func New(ctx context.Context, databaseURL string, cfg Config) (*Storage, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	s := &Storage{
		DB:          db,
		cfg:         cfg,
		updateQueue: make(chan []domain.MetadataUpdate, cfg.UpdateWriteQueueSize),
		writerDone:  make(chan struct{}),
	}

	go s.databaseWriter(ctx)
	slog.Info("Database writer goroutine started")

	return s, nil
}

// Close flushes queued updates, then closes the pool. EnqueueUpdates must not be
// called after Close.
func (s *Storage) Close() {
	close(s.updateQueue)
	<-s.writerDone
	s.DB.Close()
}

func (s *Storage) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	err = fn(tx)
	return err
}

// LoadResources reads the resources to check. A limit of zero or less reads all.
func (s *Storage) LoadResources(ctx context.Context, limit int) ([]domain.Resource, error) {
	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("load_resources").Observe(time.Since(start).Seconds())
	}()

	query, args := resourcesQuery(limit)
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}

	var resources []domain.Resource
	var (
		id, rawURL string
		size       pgtype.Int8
		modified   pgtype.Timestamptz
		etag       pgtype.Text
	)
	if _, err := pgx.ForEachRow(rows, []any{&id, &rawURL, &size, &modified, &etag}, func() error {
		resources = append(resources, domain.Resource{
			ID:             id,
			URL:            rawURL,
			StoredSize:     fromInt8(size),
			StoredModified: fromTimestamptz(modified),
			StoredETag:     fromText(etag),
		})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to iterate resource rows: %w", err)
	}

	slog.Info("Loaded resources from catalog", "count", len(resources))
	return resources, nil
}

// resourcesQuery returns every row, including ones with an empty url. Rejecting
// those is the grouper's job, and it fails the cycle when it sees one.
func resourcesQuery(limit int) (string, []any) {
	if limit <= 0 {
		return selectResourcesSQL, nil
	}
	return selectResourcesSQL + " LIMIT $1", []any{limit}
}

// ApplyUpdates writes proposed metadata in a single transaction.
func (s *Storage) ApplyUpdates(ctx context.Context, updates []domain.MetadataUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("apply_updates").Observe(time.Since(start).Seconds())
	}()

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(updateResourceSQL, toInt8(u.Size), toTimestamptz(u.Modified), toText(u.ETag), u.ResourceID)
	}

	err := s.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to update resource metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.MetadataUpdates.Add(float64(len(updates)))
	return nil
}

// EnqueueUpdates hands updates to the background writer without blocking.
func (s *Storage) EnqueueUpdates(updates []domain.MetadataUpdate) {
	if len(updates) == 0 {
		return
	}
	select {
	case s.updateQueue <- updates:
	default:
		slog.Warn("Update queue is full. Dropping metadata updates.", "count", len(updates))
	}
}

// databaseWriter runs until Close. Cancelling ctx does not stop it, so batches
// enqueued during shutdown are still written.
func (s *Storage) databaseWriter(ctx context.Context) {
	defer close(s.writerDone)
	ticker := time.NewTicker(s.cfg.UpdateWriteInterval)
	defer ticker.Stop()
	var pending []domain.MetadataUpdate
	done := ctx.Done()

	for {
		select {
		case <-done:
			slog.Info("DB Writer: Shutdown requested, writing remaining updates until close.")
			done = nil
			ctx = context.WithoutCancel(ctx)
		case updates, ok := <-s.updateQueue:
			if !ok {
				if len(pending) > 0 {
					slog.Info("DB Writer: Final write on shutdown...")
					s.flush(ctx, pending)
				}
				slog.Info("DB Writer: Update queue closed, exiting.")
				return
			}
			pending = append(pending, updates...)
		case <-ticker.C:
			if len(pending) > 0 {
				s.flush(ctx, pending)
				pending = nil
			}
		}
	}
}

func (s *Storage) flush(ctx context.Context, updates []domain.MetadataUpdate) {
	if err := s.ApplyUpdates(ctx, updates); err != nil {
		slog.Error("DB Writer: Transaction failed", "count", len(updates), "error", err)
		return
	}
	slog.Info("DB Writer: Successfully committed metadata updates", "count", len(updates))
}

func fromInt8(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func fromTimestamptz(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func fromText(v pgtype.Text) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func toInt8(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func toTimestamptz(v *time.Time) pgtype.Timestamptz {
	if v == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *v, Valid: true}
}

func toText(v *string) pgtype.Text {
	if v == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *v, Valid: true}
}
