package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"
)

// fileAAD binds the sealed contents to the store format.
const fileAAD = "onesession/filestore/v1"

// lockRetry is how often a blocked lock acquisition is retried.
const lockRetry = 20 * time.Millisecond

// FileStore keeps all values in one file, sealed with a SealCodec and
// encoded as a CBOR map.
//
// Every operation takes an advisory lock on a sibling ".lock" file, so
// several processes (for example a CLI that starts a login and a second one
// that receives the callback) can share one store. Writes go to a temporary
// file that is renamed over the original.
type FileStore struct {
	path  string
	codec *SealCodec

	// mu serializes goroutines; a flock.Flock already held reports success
	// to a second caller instead of blocking it.
	mu   sync.Mutex
	lock *flock.Flock
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The file is created on the
// first write; its directory must exist.
func NewFileStore(path string, codec *SealCodec) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("storage: file path must not be empty")
	}
	if codec == nil {
		return nil, ErrSealConfig
	}
	return &FileStore{
		path:  path,
		codec: codec,
		lock:  flock.New(path + ".lock"),
	}, nil
}

// Path returns the path of the backing file.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := f.withLock(ctx, false, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		v, ok := values[key]
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	return out, err
}

func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	return f.withLock(ctx, true, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		values[key] = append([]byte(nil), value...)
		return f.save(values)
	})
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	return f.withLock(ctx, true, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		if _, ok := values[key]; !ok {
			return nil
		}
		delete(values, key)
		return f.save(values)
	})
}

// Take reads and removes key under one exclusive lock.
func (f *FileStore) Take(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := f.withLock(ctx, true, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		v, ok := values[key]
		if !ok {
			return ErrNotFound
		}
		delete(values, key)
		if err := f.save(values); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (f *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := f.withLock(ctx, false, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		for k := range values {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	return keys, err
}

func (f *FileStore) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = f.lock.TryLockContext(ctx, lockRetry)
	} else {
		locked, err = f.lock.TryRLockContext(ctx, lockRetry)
	}
	if err != nil {
		return fmt.Errorf("storage: acquire lock: %w", err)
	}
	if !locked {
		return errors.New("storage: could not acquire lock")
	}
	defer f.lock.Unlock()
	return fn()
}

// load reads and opens the file. The caller must hold the lock.
func (f *FileStore) load() (map[string][]byte, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", f.path, err)
	}
	plain, err := f.codec.Open(strings.TrimSpace(string(raw)), []byte(fileAAD))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", f.path, err)
	}
	values := map[string][]byte{}
	if err := cbor.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", f.path, err)
	}
	return values, nil
}

// save seals values and atomically replaces the file. The caller must hold
// the exclusive lock.
func (f *FileStore) save(values map[string][]byte) error {
	plain, err := cbor.Marshal(values)
	if err != nil {
		return err
	}
	sealed, err := f.codec.Seal(plain, []byte(fileAAD))
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(sealed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}
