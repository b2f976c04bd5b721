package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()

	tmpDir := t.TempDir()
	store, err := NewStore(DefaultStoreConfig(filepath.Join(tmpDir, "db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, tmpDir
}

func sampleRecords(runID string) []types.Record {
	var out []types.Record
	for ring := 0; ring < 3; ring++ {
		for epoch := 0; epoch < 2; epoch++ {
			out = append(out, types.Record{
				RunID:              runID,
				RingID:             ring,
				Epoch:              epoch,
				MeanWaitingTime:    time.Duration(ring*10+epoch) * time.Second,
				CooperativeExpense: float64(ring) + 0.5,
				Rewards:            1.25,
				Executed:           ring + epoch,
			})
		}
	}
	return out
}

func TestStoreBasicOperations(t *testing.T) {
	store, _ := openStore(t)

	rec := sampleRecords("run-a")[3]
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get("run-a", rec.RingID, rec.Epoch)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if *got != rec {
		t.Errorf("record mismatch: got %+v, want %+v", *got, rec)
	}

	if _, err := store.Get("run-a", 9, 0); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(types.Record{RunID: "bad\x00id"}); !errors.Is(err, ErrInvalidRunID) {
		t.Errorf("expected ErrInvalidRunID, got %v", err)
	}
}

func TestStoreRecordsOrdered(t *testing.T) {
	store, _ := openStore(t)

	records := sampleRecords("run-a")
	// store out of order across two runs
	for i := len(records) - 1; i >= 0; i-- {
		if err := store.Put(records[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.PutBatch(sampleRecords("run-b")); err != nil {
		t.Fatal(err)
	}

	got, err := store.Records("run-a")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Errorf("record %d: got %+v, want %+v", i, got[i], records[i])
		}
	}

	runs, err := store.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0] != "run-a" || runs[1] != "run-b" {
		t.Errorf("unexpected runs %v", runs)
	}

	if err := store.DeleteRun("run-a"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Records("run-a")
	if len(got) != 0 {
		t.Errorf("expected run-a deleted, %d records left", len(got))
	}
	got, _ = store.Records("run-b")
	if len(got) != len(records) {
		t.Errorf("run-b lost records: %d", len(got))
	}
}

func TestStoreMeta(t *testing.T) {
	store, _ := openStore(t)

	type meta struct {
		K     int     `json:"k"`
		Alpha int     `json:"alpha"`
		Rate  float64 `json:"rate"`
	}
	in := meta{K: 100, Alpha: 30, Rate: 0.25}
	if err := store.SaveMeta("config/run-a", in); err != nil {
		t.Fatalf("SaveMeta failed: %v", err)
	}

	var out meta
	if err := store.LoadMeta("config/run-a", &out); err != nil {
		t.Fatalf("LoadMeta failed: %v", err)
	}
	if out != in {
		t.Errorf("meta mismatch: got %+v, want %+v", out, in)
	}
	if err := store.LoadMeta("missing", &out); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	store, err := NewStore(DefaultStoreConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PutBatch(sampleRecords("run-a")); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if err := store.Put(sampleRecords("run-a")[0]); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	store2, err := NewStore(DefaultStoreConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	got, err := store2.Records("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 {
		t.Errorf("expected 6 records after reopen, got %d", len(got))
	}
	if err := store2.Compact(); err != nil {
		t.Errorf("Compact failed: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store, dir := openStore(t)
	if err := store.PutBatch(sampleRecords("run-a")); err != nil {
		t.Fatal(err)
	}

	mgr := NewSnapshotManager(store, filepath.Join(dir, "snapshots"), nil)
	snap, err := mgr.CreateSnapshot("run-a", map[string]int{"k": 3})
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if snap.IsSigned() {
		t.Error("snapshot should be unsigned without a key")
	}

	runs, err := mgr.ListSnapshots()
	if err != nil || len(runs) != 1 || runs[0] != "run-a" {
		t.Fatalf("ListSnapshots: %v %v", runs, err)
	}

	// restore into a fresh store
	other, _ := openStore(t)
	mgr2 := NewSnapshotManager(other, filepath.Join(dir, "snapshots"), nil)
	restored, err := mgr2.RestoreSnapshot("run-a")
	if err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if string(restored.Config) != `{"k":3}` {
		t.Errorf("config mismatch: %s", restored.Config)
	}
	got, _ := other.Records("run-a")
	if len(got) != 6 {
		t.Errorf("expected 6 restored records, got %d", len(got))
	}

	if _, err := mgr.CreateSnapshot("missing", nil); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := mgr2.RestoreSnapshot("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotSignature(t *testing.T) {
	store, dir := openStore(t)
	if err := store.PutBatch(sampleRecords("run-a")); err != nil {
		t.Fatal(err)
	}

	kp := crypto.GenerateDeterministicKeyPair([]byte("campaign"))
	mgr := NewSnapshotManager(store, filepath.Join(dir, "snapshots"), nil)
	mgr.SetSigningKey(kp)
	snap, err := mgr.CreateSnapshot("run-a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.IsSigned() {
		t.Fatal("snapshot should be signed")
	}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	importer := NewSnapshotManager(store, filepath.Join(dir, "imports"), nil)
	importer.SetRequireSignature(true)

	if _, err := importer.ImportSnapshot(bytes.NewReader(data)); err != ErrSnapshotUntrustedSigner {
		t.Errorf("expected ErrSnapshotUntrustedSigner, got %v", err)
	}

	importer.AddTrustedSigner(kp.PublicKey)
	if _, err := importer.ImportSnapshot(bytes.NewReader(data)); err != nil {
		t.Errorf("signed import failed: %v", err)
	}

	// tamper with a record
	snap.Records[0].Rewards += 1
	buf.Reset()
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatal(err)
	}
	if _, err := importer.ImportSnapshot(&buf); err != ErrSnapshotInvalidSignature {
		t.Errorf("expected ErrSnapshotInvalidSignature, got %v", err)
	}

	snap.Signature = types.Signature{}
	buf.Reset()
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatal(err)
	}
	if _, err := importer.ImportSnapshot(&buf); err != ErrSnapshotNoSignature {
		t.Errorf("expected ErrSnapshotNoSignature, got %v", err)
	}
}

func TestPostgresSink(t *testing.T) {
	host := os.Getenv("RINGSIM_PG_HOST")
	if host == "" {
		t.Skip("RINGSIM_PG_HOST not set")
	}

	sink, err := NewPostgresSink(&PostgresConfig{
		Host:     host,
		Port:     5432,
		User:     os.Getenv("RINGSIM_PG_USER"),
		Password: os.Getenv("RINGSIM_PG_PASSWORD"),
		Database: os.Getenv("RINGSIM_PG_DATABASE"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	runID := "test-" + time.Now().UTC().Format("20060102150405.000000000")
	records := sampleRecords(runID)
	for _, rec := range records {
		if err := sink.Put(rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// upsert keeps one row per ring epoch
	if err := sink.Put(records[0]); err != nil {
		t.Fatal(err)
	}

	got, err := sink.Records(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d rows, got %d", len(records), len(got))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Errorf("row %d: got %+v, want %+v", i, got[i], records[i])
		}
	}
}

func TestPostgresConnectionString(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: 5433, User: "sim", Password: "pw", Database: "rings"}
	want := "host=db port=5433 user=sim password=pw dbname=rings sslmode=disable"
	if got := c.ConnectionString(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
