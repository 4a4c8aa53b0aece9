package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

const (
	defaultFileMode os.FileMode = 0o600
	defaultDirMode  os.FileMode = 0o700

	metaSuffix = ".meta"
)

// FileOptions configures a FileStore.
type FileOptions struct {
	Path     string
	FileMode os.FileMode
	DirMode  os.FileMode
}

func (o *FileOptions) fileMode() os.FileMode {
	if o.FileMode == 0 {
		return defaultFileMode
	}
	return o.FileMode
}

func (o *FileOptions) dirMode() os.FileMode {
	if o.DirMode == 0 {
		return defaultDirMode
	}
	return o.DirMode
}

// FileStore is a filesystem-backed Store, the local test double for a cloud
// object store backend. Keys map directly to file names; kind and timestamp
// are tracked in a sidecar ".meta" file since the filesystem itself has no
// notion of record kind.
type FileStore struct {
	opts FileOptions
}

// NewFileStore returns a FileStore rooted at opts.Path, creating the
// directory if it doesn't exist.
func NewFileStore(opts FileOptions) (*FileStore, error) {
	if err := os.MkdirAll(opts.Path, opts.dirMode()); err != nil {
		return nil, errors.Wrap(err, "creating object store directory")
	}
	return &FileStore{opts: opts}, nil
}

func (s *FileStore) keyPath(key string) string {
	return filepath.Join(s.opts.Path, sanitizeKey(key))
}

func (s *FileStore) metaPath(key string) string {
	return s.keyPath(key) + metaSuffix
}

// sanitizeKey replaces path separators so a key can never escape the store
// root; keys in this domain are fingerprint/share-id derived, never
// arbitrary user-supplied paths, but this is a cheap invariant to hold regardless.
func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, string(os.PathSeparator), "_")
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, key string, kind RecordKind, data io.Reader, length int64, opts PutOptions) error {
	path := s.keyPath(key)

	if opts != PutOverwrite {
		if _, err := os.Stat(path); err == nil {
			return ErrKeyExists
		} else if !os.IsNotExist(err) {
			return errors.Wrap(err, "statting existing key")
		}
	}

	if err := atomicfile.WriteFile(path, data); err != nil {
		return errors.Wrap(err, "writing object")
	}
	if err := os.Chmod(path, s.opts.fileMode()); err != nil {
		return errors.Wrap(err, "setting object file mode")
	}

	meta := metaRecord{Kind: kind, Length: length, Timestamp: time.Now().UTC()}
	if err := writeMeta(s.metaPath(key), meta); err != nil {
		return err
	}

	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := ioutil.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "reading object")
	}
	return data, nil
}

// GetRange implements Store.
func (s *FileStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	f, err := os.Open(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "opening object")
	}
	defer f.Close() //nolint:errcheck

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "reading object range")
	}
	return buf[:n], nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting object")
	}
	os.Remove(s.metaPath(key)) //nolint:errcheck
	return nil
}

// Exists implements Store.
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.keyPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "statting object")
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, prefix string) (<-chan Metadata, error) {
	entries, err := ioutil.ReadDir(s.opts.Path)
	if err != nil {
		return nil, errors.Wrap(err, "listing object store directory")
	}

	ch := make(chan Metadata)
	go func() {
		defer close(ch)
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasSuffix(name, metaSuffix) {
				continue
			}
			if !strings.HasPrefix(name, sanitizeKey(prefix)) {
				continue
			}

			meta, err := readMeta(filepath.Join(s.opts.Path, name+metaSuffix))
			m := Metadata{Key: name, Length: entry.Size()}
			if err == nil {
				m.Kind = meta.Kind
				m.Timestamp = meta.Timestamp
			}

			select {
			case ch <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

type metaRecord struct {
	Kind      RecordKind `json:"kind"`
	Length    int64      `json:"length"`
	Timestamp time.Time  `json:"timestamp"`
}

func writeMeta(path string, m metaRecord) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshaling object metadata")
	}
	if err := atomicfile.WriteFile(path, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "writing object metadata")
	}
	return nil
}

func readMeta(path string) (metaRecord, error) {
	var m metaRecord
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}
