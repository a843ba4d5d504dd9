package pulsedb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/draco28/PulseDB/blobstore"
)

// backup blob names under the chosen prefix.
const (
	backupDBName  = "pulse.db.lz4"
	backupHNSWDir = "hnsw/"
)

// BackupTo streams a consistent backup into a blob store under prefix: the
// lz4-compressed database snapshot plus every persisted vector index file.
// The snapshot runs inside a read transaction, so writers proceed
// concurrently; the index files are best-effort (they are derived artifacts
// and rebuild from the snapshot if missing).
func (db *DB) BackupTo(ctx context.Context, store blobstore.Store, prefix string) error {
	if db.closed.Load() {
		return ErrClosed
	}

	// Persist indexes first so the backup carries a recent sidecar set.
	db.writeMu.Lock()
	db.persistAllIndexes()
	db.writeMu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		zw := lz4.NewWriter(pw)
		// Wrap the writer to hide lz4's ReadFrom: the snapshot copies pages
		// with io.CopyN, and lz4.Writer.ReadFrom fails once Write has run.
		if err := db.store.Snapshot(ctx, struct{ io.Writer }{zw}); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if err := zw.Close(); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()
	if err := store.Put(ctx, path.Join(prefix, backupDBName), pr); err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("backup database snapshot: %w", err)
	}

	entries, err := os.ReadDir(db.hnswDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		f, err := os.Open(filepath.Join(db.hnswDir(), entry.Name()))
		if err != nil {
			return err
		}
		err = store.Put(ctx, path.Join(prefix, backupHNSWDir+entry.Name()), f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("backup index %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Restore materializes a backup taken with BackupTo into destPath (the
// database file path, which must not exist yet). Open the restored database
// normally afterwards; missing or stale index files rebuild on open.
func Restore(ctx context.Context, store blobstore.Store, prefix, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return invalidField("dest_path", "already exists: %s", destPath)
	}
	if dir := filepath.Dir(destPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	src, err := store.Open(ctx, path.Join(prefix, backupDBName))
	if err != nil {
		return fmt.Errorf("open backup snapshot: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, lz4.NewReader(src)); err != nil {
		_ = dst.Close()
		_ = os.Remove(destPath)
		return fmt.Errorf("restore database snapshot: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	names, err := store.List(ctx, path.Join(prefix, backupHNSWDir))
	if err != nil {
		return err
	}
	hnswDir := destPath + ".hnsw"
	for _, name := range names {
		blob, err := store.Open(ctx, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(hnswDir, 0o755); err != nil {
			_ = blob.Close()
			return err
		}
		out, err := os.Create(filepath.Join(hnswDir, path.Base(name)))
		if err != nil {
			_ = blob.Close()
			return err
		}
		_, err = io.Copy(out, blob)
		_ = blob.Close()
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("restore index %s: %w", name, err)
		}
	}
	return nil
}
