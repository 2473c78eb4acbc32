package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"niraama/internal/models"
)

const (
	DefaultUploadTTL           = 24 * time.Hour
	DefaultUploadSweepInterval = time.Hour
)

// RecordUpload persists the metadata of a stored file and returns its id.
func (s *Store) RecordUpload(ctx context.Context, up models.Upload, ttl time.Duration) (int64, error) {
	if up.OwnerID <= 0 {
		return 0, errors.New("owner id is required")
	}
	if up.StoredPath == "" {
		return 0, errors.New("stored path is required")
	}
	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (owner_id, conversation_id, file_name, stored_path, mime_type, size, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		up.OwnerID, up.ConversationID, up.FileName, up.StoredPath, up.MimeType, up.Size, now, now.Add(ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("record upload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upload id: %w", err)
	}
	return id, nil
}

// UploadUsage totals the bytes an owner currently has stored.
func (s *Store) UploadUsage(ctx context.Context, ownerID int64) (int64, error) {
	var usage int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM uploads WHERE owner_id = ?`, ownerID,
	).Scan(&usage)
	if err != nil {
		return 0, fmt.Errorf("upload usage: %w", err)
	}
	return usage, nil
}

// StartUploadJanitor sweeps expired uploads on a ticker until ctx is
// cancelled.
func (s *Store) StartUploadJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultUploadSweepInterval
	}
	go s.sweepLoop(ctx, interval)
}

func (s *Store) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepExpiredUploads(ctx); err != nil {
				log.Printf("sweep uploads error: %v", err)
			}
		}
	}
}

func (s *Store) sweepExpiredUploads(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stored_path FROM uploads WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return err
	}
	defer rows.Close()

	type uploadRow struct {
		id   int64
		path string
	}
	var expired []uploadRow
	for rows.Next() {
		var ur uploadRow
		if err := rows.Scan(&ur.id, &ur.path); err != nil {
			return err
		}
		expired = append(expired, ur)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range expired {
		if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove upload %s failed: %v", u.path, err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, u.id); err != nil {
			log.Printf("delete upload record %d failed: %v", u.id, err)
		}

		// prune empty directories
		_ = os.Remove(filepath.Dir(u.path))
	}
	return nil
}
