package floorfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"deepatlas.gg/internal/marks"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	st := NewStore(t.TempDir())

	in := []marks.Marker{
		{Kind: marks.KindTrap, Position: marks.Position{X: 10.4, Y: 50, Z: 100.1}, Seen: true},
		{Kind: marks.KindHoard, Position: marks.Position{X: 1, Y: 2, Z: 3}, RemoteSeenBy: []string{"0123456789abc"}},
	}
	if err := st.Save(561, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, migrated, err := st.Load(561)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if migrated {
		t.Fatalf("fresh save must not report a migration")
	}
	if len(out) != 2 {
		t.Fatalf("got %d markers, want 2", len(out))
	}
	if out[0].Kind != marks.KindTrap || !out[0].Seen || out[0].LocalID == 0 {
		t.Fatalf("unexpected first marker: %+v", out[0])
	}
	if out[1].LocalID == out[0].LocalID {
		t.Fatalf("local ids must be distinct")
	}
}

func TestSave_KeepsAssignedLocalIDs(t *testing.T) {
	st := NewStore(t.TempDir())

	in := []marks.Marker{
		{Kind: marks.KindTrap, Position: marks.Position{X: 1, Y: 1, Z: 1}, LocalID: 5},
		{Kind: marks.KindTrap, Position: marks.Position{X: 2, Y: 2, Z: 2}},
	}
	if err := st.Save(561, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, _, err := st.Load(561)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out[0].LocalID != 5 {
		t.Fatalf("existing local id rewritten: %d", out[0].LocalID)
	}
	if out[1].LocalID <= 5 {
		t.Fatalf("fresh local id %d must be above the high-water mark", out[1].LocalID)
	}
}

func TestLoad_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir)

	out, migrated, err := st.Load(999)
	if err != nil || migrated || len(out) != 0 {
		t.Fatalf("missing file: got %d markers, migrated=%v, err=%v", len(out), migrated, err)
	}

	// Not zstd at all.
	if err := os.WriteFile(filepath.Join(dir, "territory_561.json.zst"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	out, _, err = st.Load(561)
	if err != nil || len(out) != 0 {
		t.Fatalf("corrupt file must load as empty, got %d markers, err=%v", len(out), err)
	}

	// Valid zstd wrapping invalid JSON.
	writeCompressed(t, filepath.Join(dir, "territory_562.json.zst"), []byte("{not json"))
	out, _, err = st.Load(562)
	if err != nil || len(out) != 0 {
		t.Fatalf("bad JSON must load as empty, got %d markers, err=%v", len(out), err)
	}
}

func TestLoad_MigratesV1(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir)

	fullID := "0123456789abcdef0123456789abcdef"
	v1 := record{
		Version:       1,
		TerritoryType: 561,
		Markers: []marks.Marker{
			{Kind: marks.KindTrap, Position: marks.Position{X: 1, Y: 1, Z: 1}, RemoteSeenBy: []string{fullID}, LocalID: 1},
			{Kind: marks.KindDebug, Position: marks.Position{X: 9, Y: 9, Z: 9}, LocalID: 2},
		},
	}
	raw, err := json.Marshal(v1)
	if err != nil {
		t.Fatalf("marshal v1: %v", err)
	}
	writeCompressed(t, filepath.Join(dir, "territory_561.json.zst"), raw)

	out, migrated, err := st.Load(561)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !migrated {
		t.Fatalf("v1 record must report migration")
	}
	if len(out) != 1 {
		t.Fatalf("debug marker must be filtered, got %d markers", len(out))
	}
	if got := out[0].RemoteSeenBy[0]; got != marks.PartialIDOf(fullID) {
		t.Fatalf("seen-by id not shortened: %q", got)
	}
}

func writeCompressed(t *testing.T, path string, raw []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := enc.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}
