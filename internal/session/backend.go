package session

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	bolt "go.etcd.io/bbolt"
)

// Backend stores opaque session records by slot. Put replaces the whole
// record; Get returns nil, nil when the slot is empty.
type Backend interface {
	Get(slot string) ([]byte, error)
	Put(slot string, data []byte) error
	Delete(slot string) error
	Close() error
}

var bucketSessions = []byte("sessions")

// DefaultPath returns the bbolt file under the XDG data directory.
func DefaultPath() (string, error) {
	return xdg.DataFile(filepath.Join("merchantcrawler", "session.db"))
}

// BoltBackend implements Backend using BoltDB.
type BoltBackend struct {
	db   *bolt.DB
	path string
}

// NewBoltBackend opens (or creates) a BoltDB-backed session store.
func NewBoltBackend(path string) (*BoltBackend, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltBackend{db: db, path: path}, nil
}

// Get reads the record in slot.
func (b *BoltBackend) Get(slot string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSessions)
		if bk == nil {
			return fmt.Errorf("bucket not found")
		}
		if data := bk.Get([]byte(slot)); data != nil {
			// data is only valid inside the transaction
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}

// Put replaces the record in slot within one transaction.
func (b *BoltBackend) Put(slot string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSessions)
		if bk == nil {
			return fmt.Errorf("bucket not found")
		}
		return bk.Put([]byte(slot), data)
	})
}

// Delete removes the record in slot.
func (b *BoltBackend) Delete(slot string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSessions)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(slot))
	})
}

// Path returns the database file.
func (b *BoltBackend) Path() string {
	return b.path
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// FileBackend keeps one JSON file per slot in a directory. Writes go to a
// temp file renamed over the target so readers never see a partial record.
type FileBackend struct {
	dir        string
	compressed bool
}

// NewFileBackend creates a file-based session store rooted at dir.
func NewFileBackend(dir string, compressed bool) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &FileBackend{dir: dir, compressed: compressed}, nil
}

func (f *FileBackend) path(slot string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, slot) + ".json"
	if f.compressed {
		name += ".gz"
	}
	return filepath.Join(f.dir, name)
}

// Get reads the record in slot.
func (f *FileBackend) Get(slot string) ([]byte, error) {
	data, err := os.ReadFile(f.path(slot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !f.compressed {
		return data, nil
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// Put writes the record in slot atomically.
func (f *FileBackend) Put(slot string, data []byte) error {
	if f.compressed {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return err
		}
		data = buf.Bytes()
	}

	target := f.path(slot)
	tmp, err := os.CreateTemp(f.dir, ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
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
	return os.Rename(tmp.Name(), target)
}

// Delete removes the record in slot.
func (f *FileBackend) Delete(slot string) error {
	err := os.Remove(f.path(slot))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close is a no-op for FileBackend.
func (f *FileBackend) Close() error {
	return nil
}

// MemoryBackend implements Backend in memory.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
	// Err, when set, is returned by every operation.
	Err error
}

// NewMemoryBackend creates an in-memory session store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Get returns the stored record.
func (m *MemoryBackend) Get(slot string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if d, ok := m.data[slot]; ok {
		return append([]byte(nil), d...), nil
	}
	return nil, nil
}

// Put stores the record.
func (m *MemoryBackend) Put(slot string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.data[slot] = append([]byte(nil), data...)
	return nil
}

// Delete removes the record.
func (m *MemoryBackend) Delete(slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.data, slot)
	return nil
}

// Len returns the number of stored records.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Close is a no-op for MemoryBackend.
func (m *MemoryBackend) Close() error {
	return nil
}
