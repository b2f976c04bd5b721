package storage

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

var (
	// ErrSnapshotNoSignature is returned when importing an unsigned snapshot
	ErrSnapshotNoSignature = errors.New("snapshot has no signature")

	// ErrSnapshotInvalidSignature is returned when snapshot signature verification fails
	ErrSnapshotInvalidSignature = errors.New("snapshot signature verification failed")

	// ErrSnapshotUntrustedSigner is returned for snapshots signed by an unknown key
	ErrSnapshotUntrustedSigner = errors.New("snapshot signed by untrusted key")
)

const snapshotSuffix = ".snapshot.gz"

// Snapshot is a portable export of one run
type Snapshot struct {
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Config    json.RawMessage `json:"config,omitempty"`
	Records   []types.Record  `json:"records"`

	// Signer is the key of the campaign that exported the run
	Signer    types.PublicKey `json:"signer,omitempty"`
	Signature types.Signature `json:"signature,omitempty"`
}

// Hash commits to the snapshot content, excluding the signature fields
func (s *Snapshot) Hash() types.Hash {
	ts, _ := s.Timestamp.MarshalBinary()
	parts := [][]byte{[]byte(s.RunID), ts, s.Config}

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s.Records)))
	parts = append(parts, n[:])
	for _, rec := range s.Records {
		data, _ := json.Marshal(rec)
		parts = append(parts, data)
	}
	return crypto.HashConcat(parts...)
}

// IsSigned returns true if the snapshot has a signature
func (s *Snapshot) IsSigned() bool {
	return !s.Signer.IsZero() && s.Signature != types.Signature{}
}

// SnapshotManager exports runs from a store to gzip files and imports them
// back
type SnapshotManager struct {
	store        *Store
	dir          string
	maxSnapshots int
	logger       *zap.Logger

	signingKey       *crypto.SurrogateKeyPair
	trustedSigners   []types.PublicKey
	requireSignature bool
}

// NewSnapshotManager creates a snapshot manager writing to dir
func NewSnapshotManager(store *Store, dir string, logger *zap.Logger) *SnapshotManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotManager{
		store:        store,
		dir:          dir,
		maxSnapshots: 16,
		logger:       logger.Named("snapshot"),
	}
}

// SetSigningKey sets the key used to sign exported snapshots
func (m *SnapshotManager) SetSigningKey(kp *crypto.SurrogateKeyPair) {
	m.signingKey = kp
}

// AddTrustedSigner adds a key whose snapshots are accepted on import
func (m *SnapshotManager) AddTrustedSigner(pk types.PublicKey) {
	m.trustedSigners = append(m.trustedSigners, pk)
}

// SetRequireSignature controls whether imported snapshots must be signed by
// a trusted key
func (m *SnapshotManager) SetRequireSignature(require bool) {
	m.requireSignature = require
}

// SetMaxSnapshots sets the number of snapshot files kept in dir
func (m *SnapshotManager) SetMaxSnapshots(n int) {
	m.maxSnapshots = n
}

func (m *SnapshotManager) isTrustedSigner(pk types.PublicKey) bool {
	for _, trusted := range m.trustedSigners {
		if trusted == pk {
			return true
		}
	}
	return false
}

// CreateSnapshot exports a run to a file in dir. config is stored verbatim
// next to the records.
func (m *SnapshotManager) CreateSnapshot(runID string, config any) (*Snapshot, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, err
	}

	records, err := m.store.Records(runID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	snap := &Snapshot{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Records:   records,
	}
	if config != nil {
		if snap.Config, err = json.Marshal(config); err != nil {
			return nil, err
		}
	}

	if m.signingKey != nil {
		hash := snap.Hash()
		sig, err := crypto.Sign(m.signingKey.SecretKey, hash[:])
		if err != nil {
			return nil, err
		}
		snap.Signer = m.signingKey.PublicKey
		snap.Signature = sig
	}

	file, err := os.Create(m.filename(runID))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := WriteSnapshot(file, snap); err != nil {
		return nil, err
	}

	if err := m.prune(); err != nil {
		m.logger.Warn("failed to prune snapshots", zap.Error(err))
	}
	m.logger.Info("snapshot created",
		zap.String("run", runID),
		zap.Int("records", len(records)),
		zap.Bool("signed", snap.IsSigned()),
	)
	return snap, nil
}

// WriteSnapshot encodes a snapshot as gzip JSON
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// ReadSnapshot decodes a gzip JSON snapshot
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var snap Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ImportSnapshot reads a snapshot, verifies it when signatures are required
// and writes its records into the store
func (m *SnapshotManager) ImportSnapshot(r io.Reader) (*Snapshot, error) {
	snap, err := ReadSnapshot(r)
	if err != nil {
		return nil, err
	}

	if m.requireSignature {
		if !snap.IsSigned() {
			return nil, ErrSnapshotNoSignature
		}
		if !m.isTrustedSigner(snap.Signer) {
			return nil, ErrSnapshotUntrustedSigner
		}
		hash := snap.Hash()
		if !crypto.Verify(snap.Signer, hash[:], snap.Signature) {
			m.logger.Warn("snapshot signature mismatch", zap.String("run", snap.RunID))
			return nil, ErrSnapshotInvalidSignature
		}
	}

	for i := range snap.Records {
		if snap.Records[i].RunID != snap.RunID {
			return nil, fmt.Errorf("record %d belongs to run %q, snapshot is %q", i, snap.Records[i].RunID, snap.RunID)
		}
	}
	if err := m.store.PutBatch(snap.Records); err != nil {
		return nil, err
	}
	m.logger.Info("snapshot imported", zap.String("run", snap.RunID), zap.Int("records", len(snap.Records)))
	return snap, nil
}

// RestoreSnapshot imports the snapshot file of a run
func (m *SnapshotManager) RestoreSnapshot(runID string) (*Snapshot, error) {
	file, err := os.Open(m.filename(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer file.Close()
	return m.ImportSnapshot(file)
}

// ListSnapshots returns the run ids with a snapshot file, oldest first
func (m *SnapshotManager) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type item struct {
		run string
		mod time.Time
	}
	items := make([]item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, item{strings.TrimSuffix(entry.Name(), snapshotSuffix), info.ModTime()})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].mod.Before(items[j].mod) })

	runs := make([]string, len(items))
	for i, it := range items {
		runs[i] = it.run
	}
	return runs, nil
}

// DeleteSnapshot removes the snapshot file of a run
func (m *SnapshotManager) DeleteSnapshot(runID string) error {
	return os.Remove(m.filename(runID))
}

func (m *SnapshotManager) filename(runID string) string {
	return filepath.Join(m.dir, runID+snapshotSuffix)
}

// prune removes the oldest snapshots beyond maxSnapshots
func (m *SnapshotManager) prune() error {
	if m.maxSnapshots <= 0 {
		return nil
	}
	runs, err := m.ListSnapshots()
	if err != nil {
		return err
	}
	for i := 0; i < len(runs)-m.maxSnapshots; i++ {
		if err := m.DeleteSnapshot(runs[i]); err != nil {
			return err
		}
	}
	return nil
}
