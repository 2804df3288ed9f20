package assistant

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultOrphanSweepInterval = time.Hour
	// uploads younger than this may still be waiting for their row
	orphanGracePeriod = 10 * time.Minute
)

// StartOrphanSweeper periodically removes files under baseDir that no
// attachment row references.
func (s *Service) StartOrphanSweeper(ctx context.Context, baseDir string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultOrphanSweepInterval
	}
	go s.sweepLoop(ctx, baseDir, interval)
}

func (s *Service) sweepLoop(ctx context.Context, baseDir string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.SweepOrphans(ctx, baseDir, orphanGracePeriod)
			if err != nil {
				s.log.Warn("sweep orphan uploads failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.log.Info("swept orphan uploads", zap.Int("removed", removed))
			}
		}
	}
}

// SweepOrphans deletes unreferenced files older than grace and returns how
// many were removed.
func (s *Service) SweepOrphans(ctx context.Context, baseDir string, grace time.Duration) (int, error) {
	known, err := s.attachmentPaths(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-grace)
	removed := 0
	err = filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := known[filepath.Clean(path)]; ok {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.log.Warn("remove orphan upload failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		removed++
		// prune empty directories
		if dir := filepath.Dir(path); filepath.Clean(dir) != filepath.Clean(baseDir) {
			_ = os.Remove(dir)
		}
		return nil
	})
	return removed, err
}

func (s *Service) attachmentPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filepath FROM attachments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths[filepath.Clean(p)] = struct{}{}
	}
	return paths, rows.Err()
}
