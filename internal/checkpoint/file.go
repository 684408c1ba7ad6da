package checkpoint

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

const (
	tmpSuffix   = ".tmp"
	trailerSize = 4
)

// LocalStorage stores every object as a file below a root directory. Each
// file carries a CRC32 trailer that is verified on read.
type LocalStorage struct {
	dir string
}

func NewLocalStorage(dir string) *LocalStorage {
	return &LocalStorage{dir: dir}
}

func (l *LocalStorage) path(key string) string {
	return filepath.Join(l.dir, filepath.FromSlash(key))
}

// Put writes data atomically: temp file, fsync, rename, then fsync of the
// parent directory so the rename survives a crash.
func (l *LocalStorage) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := l.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmpPath := path + tmpSuffix
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if _, err := writer.Write(binary.BigEndian.AppendUint32(nil, crc32.ChecksumIEEE(data))); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s trailer: %w", key, err)
	}
	if err := writer.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush buffer: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	if runtime.GOOS != "windows" {
		dirFile, err := os.Open(dir)
		if err != nil {
			return fmt.Errorf("open directory for fsync: %w", err)
		}
		defer func() { _ = dirFile.Close() }()

		if err := dirFile.Sync(); err != nil {
			return fmt.Errorf("fsync directory: %w", err)
		}
	}
	return nil
}

func (l *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(b) < trailerSize {
		return nil, fmt.Errorf("%w: %s is truncated", ErrCorrupt, key)
	}
	data, trailer := b[:len(b)-trailerSize], b[len(b)-trailerSize:]
	if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, key)
	}
	return data, nil
}

func (l *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	slices.Sort(keys)
	return keys, nil
}

func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
