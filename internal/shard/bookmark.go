package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"shardsql/internal/logging"
	"shardsql/internal/types"
)

// Bookmark tokens name a past logical state: "<shardId>@<unix-ms>". The
// snapshot behind a token is a VACUUM INTO copy of the database.

// Bookmark snapshots the current state and returns its token. When at is
// a non-empty token of an existing snapshot, that token is returned
// unchanged, so callers can validate historical bookmarks through the
// same call.
func (e *Engine) Bookmark(ctx context.Context, at string) (string, error) {
	if at != "" {
		if _, err := e.snapshotPath(at); err != nil {
			return "", err
		}
		return at, nil
	}
	ts := time.Now().UnixMilli()
	token := fmt.Sprintf("%s@%d", e.id, ts)
	dir := filepath.Join(e.cfg.DataDir, "bookmarks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bookmark dir: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s-%d.db", e.id, ts))

	// VACUUM INTO runs on the writer so the snapshot sits at a clean
	// transaction boundary.
	_, err := e.submit(ctx, func() (any, error) {
		if _, err := e.writeDB.Exec("VACUUM INTO ?", dest); err != nil {
			return nil, normalizeErr(err)
		}
		_, err := e.writeDB.Exec(
			"INSERT INTO _meta (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
			"bookmark:"+token, dest)
		return nil, err
	})
	if err != nil {
		return "", err
	}
	logging.Shard("shard %s: bookmark %s -> %s", e.id, token, dest)
	return token, nil
}

// Restore schedules the shard to reopen at the bookmarked state. The
// running engine is untouched; the marker is applied by the next Open.
func (e *Engine) Restore(token string) error {
	snap, err := e.snapshotPath(token)
	if err != nil {
		return err
	}
	marker := e.path + ".restore"
	if err := os.WriteFile(marker, []byte(snap), 0o644); err != nil {
		return fmt.Errorf("write restore marker: %w", err)
	}
	logging.Shard("shard %s: restore to %s scheduled for next open", e.id, token)
	return nil
}

// snapshotPath resolves and validates a bookmark token.
func (e *Engine) snapshotPath(token string) (string, error) {
	shardID, tsStr, ok := strings.Cut(token, "@")
	if !ok || shardID != e.id {
		return "", types.Errf(types.CodeInvalidQuery, "malformed bookmark token %q", token)
	}
	if _, err := strconv.ParseInt(tsStr, 10, 64); err != nil {
		return "", types.Errf(types.CodeInvalidQuery, "malformed bookmark token %q", token)
	}
	path := filepath.Join(e.cfg.DataDir, "bookmarks", fmt.Sprintf("%s-%s.db", shardID, tsStr))
	if _, err := os.Stat(path); err != nil {
		return "", types.Errf(types.CodeInvalidQuery, "bookmark %q has no snapshot", token)
	}
	return path, nil
}

// applyPendingRestore swaps in a scheduled snapshot before the database
// is opened. WAL sidecar files from the prior state are removed so the
// restored file is authoritative.
func applyPendingRestore(dbPath string) error {
	marker := dbPath + ".restore"
	snapBytes, err := os.ReadFile(marker)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	snap := strings.TrimSpace(string(snapBytes))
	data, err := os.ReadFile(snap)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", snap, err)
	}
	for _, sidecar := range []string{dbPath + "-wal", dbPath + "-shm"} {
		os.Remove(sidecar)
	}
	if err := os.WriteFile(dbPath, data, 0o644); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return os.Remove(marker)
}
