// Package storage persists simulation records: a LevelDB store keyed by run,
// ring and epoch, a PostgreSQL sink and gzip snapshots of whole runs.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned when the store is closed
	ErrClosed = errors.New("store is closed")

	// ErrInvalidRunID is returned for run ids that cannot be used as a key
	ErrInvalidRunID = errors.New("invalid run id")

	// Key prefixes for different data types
	prefixRecord = []byte("r") // r + run + 0 + ring + epoch -> Record
	prefixMeta   = []byte("m") // m + key -> metadata
)

// Store keeps the records of every run
type Store struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	closed bool
	path   string
	sync   bool
}

// StoreConfig configures the store
type StoreConfig struct {
	Path        string
	WriteBuffer int  // LevelDB write buffer size in MB
	CacheSize   int  // LevelDB cache size in MB
	Sync        bool // fsync every write
}

// DefaultStoreConfig returns a default configuration
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:        path,
		WriteBuffer: 16,
		CacheSize:   64,
	}
}

// NewStore opens or creates a store at config.Path
func NewStore(config StoreConfig) (*Store, error) {
	opts := &opt.Options{
		WriteBuffer:        config.WriteBuffer * opt.MiB,
		BlockCacheCapacity: config.CacheSize * opt.MiB,
	}

	db, err := leveldb.OpenFile(config.Path, opts)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:   db,
		path: config.Path,
		sync: config.Sync,
	}, nil
}

// Close closes the store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) writeOptions() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: s.sync}
}

func runPrefix(runID string) []byte {
	key := make([]byte, 0, 2+len(runID))
	key = append(key, prefixRecord[0])
	key = append(key, runID...)
	return append(key, 0)
}

// recordKey orders records by run, then ring, then epoch
func recordKey(runID string, ringID, epoch int) []byte {
	key := runPrefix(runID)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(ringID))
	binary.BigEndian.PutUint64(buf[8:], uint64(epoch))
	return append(key, buf[:]...)
}

func metaKey(name string) []byte {
	key := make([]byte, 1+len(name))
	key[0] = prefixMeta[0]
	copy(key[1:], name)
	return key
}

func validRunID(runID string) error {
	for i := 0; i < len(runID); i++ {
		if runID[i] == 0 {
			return ErrInvalidRunID
		}
	}
	return nil
}

// Put stores one record, replacing any record of the same run, ring and
// epoch
func (s *Store) Put(rec types.Record) error {
	if err := validRunID(rec.RunID); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.Put(recordKey(rec.RunID, rec.RingID, rec.Epoch), data, s.writeOptions())
}

// PutBatch stores records atomically
func (s *Store) PutBatch(records []types.Record) error {
	batch := new(leveldb.Batch)
	for _, rec := range records {
		if err := validRunID(rec.RunID); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		batch.Put(recordKey(rec.RunID, rec.RingID, rec.Epoch), data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.Write(batch, s.writeOptions())
}

// Get retrieves the record of one ring epoch
func (s *Store) Get(runID string, ringID, epoch int) (*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	data, err := s.db.Get(recordKey(runID, ringID, epoch), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Records returns every record of a run ordered by ring and epoch
func (s *Store) Records(runID string) ([]types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(runPrefix(runID)), nil)
	defer iter.Release()

	records := make([]types.Record, 0)
	for iter.Next() {
		var rec types.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// Runs returns the ids of every stored run, sorted
func (s *Store) Runs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(prefixRecord), nil)
	defer iter.Release()

	seen := make(map[string]struct{})
	for iter.Next() {
		key := iter.Key()[1:]
		for i, b := range key {
			if b == 0 {
				seen[string(key[:i])] = struct{}{}
				break
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	runs := make([]string, 0, len(seen))
	for id := range seen {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}

// DeleteRun removes every record of a run
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(runPrefix(runID)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, s.writeOptions())
}

// SaveMeta stores v as JSON under name
func (s *Store) SaveMeta(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.Put(metaKey(name), data, s.writeOptions())
}

// LoadMeta decodes the metadata stored under name into v
func (s *Store) LoadMeta(name string, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	data, err := s.db.Get(metaKey(name), nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Compact triggers LevelDB compaction
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.CompactRange(util.Range{})
}
