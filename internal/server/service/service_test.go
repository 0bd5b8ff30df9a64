package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"deepatlas.gg/internal/auth"
	"deepatlas.gg/internal/protocol"
	"deepatlas.gg/internal/server/floorstate"
	"deepatlas.gg/internal/server/store"
)

var testTerritories = map[uint16]string{561: "Palace 1-10", 562: "Palace 11-20"}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "atlas.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := New(floorstate.New(st), st, nil, Options{Territories: testTerritories})
	return svc, st
}

func registeredIdentity(t *testing.T, svc *Service, key string) Identity {
	t.Helper()
	id, err := svc.RegisterAccount(context.Background(), key)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return id
}

func wire(kind string, x, y, z float64) protocol.WireMarker {
	return protocol.WireMarker{Kind: kind, X: x, Y: y, Z: z}
}

func TestUploadFloors_DedupAcrossSessions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := registeredIdentity(t, svc, "account-key-aaaa")

	first, err := svc.UploadFloors(ctx, id, 561, []protocol.WireMarker{wire("TRAP", 10.4, 50.0, 100.1)})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if len(first) != 1 || first[0].ID == "" {
		t.Fatalf("expected one annotated marker, got %+v", first)
	}

	// Sub-unit jitter: same truncated identity, same id, zero new rows.
	second, err := svc.UploadFloors(ctx, id, 561, []protocol.WireMarker{wire("TRAP", 10.6, 50.0, 100.4)})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if second[0].ID != first[0].ID {
		t.Fatalf("duplicate upload got id %s, want %s", second[0].ID, first[0].ID)
	}

	down, err := svc.DownloadFloors(ctx, id, 561)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(down) != 1 {
		t.Fatalf("server holds %d markers, want 1", len(down))
	}
}

func TestUploadFloors_BatchSelfDedupAndValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := registeredIdentity(t, svc, "account-key-aaaa")

	out, err := svc.UploadFloors(ctx, id, 561, []protocol.WireMarker{
		wire("TRAP", 20.1, 5.0, 7.0),
		wire("TRAP", 20.9, 5.3, 7.8), // same identity as above
		wire("TRAP", 0, 0, 0),        // zero-position sentinel: dropped
		wire("DEBUG", 1, 2, 3),       // invalid kind: dropped
		wire("HOARD", 30, 30, 30),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d annotated markers, want 3 (two traps + one hoard)", len(out))
	}
	if out[0].ID != out[1].ID {
		t.Fatalf("batch-internal duplicates must share an id: %s vs %s", out[0].ID, out[1].ID)
	}

	down, err := svc.DownloadFloors(ctx, id, 561)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(down) != 2 {
		t.Fatalf("server holds %d markers, want 2", len(down))
	}
}

func TestDownloadFloors_Preseeded(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := registeredIdentity(t, svc, "account-key-aaaa")

	var seed []protocol.WireMarker
	for i := 0; i < 3; i++ {
		seed = append(seed, wire("TRAP", float64(10+i*5), 1, 1))
	}
	for i := 0; i < 2; i++ {
		seed = append(seed, wire("HOARD", float64(40+i*5), 1, 1))
	}
	if _, err := svc.UploadFloors(ctx, id, 562, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	down, err := svc.DownloadFloors(ctx, id, 562)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(down) != 5 {
		t.Fatalf("got %d markers, want 5", len(down))
	}
	traps, hoards := 0, 0
	for _, m := range down {
		switch m.Kind {
		case "TRAP":
			traps++
		case "HOARD":
			hoards++
		}
	}
	if traps != 3 || hoards != 2 {
		t.Fatalf("got %d traps / %d hoards, want 3/2", traps, hoards)
	}
}

func TestUnknownTerritoryRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := registeredIdentity(t, svc, "account-key-aaaa")

	if _, err := svc.DownloadFloors(ctx, id, 999); !errors.Is(err, ErrUnknownTerritory) {
		t.Fatalf("download: got %v, want ErrUnknownTerritory", err)
	}
	if _, err := svc.UploadFloors(ctx, id, 999, nil); !errors.Is(err, ErrUnknownTerritory) {
		t.Fatalf("upload: got %v, want ErrUnknownTerritory", err)
	}
	if err := svc.MarkObjectsSeen(ctx, id, 999, nil); !errors.Is(err, ErrUnknownTerritory) {
		t.Fatalf("mark seen: got %v, want ErrUnknownTerritory", err)
	}
}

func TestMarkObjectsSeen_IdempotentAndTolerant(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	id := registeredIdentity(t, svc, "account-key-aaaa")

	up, err := svc.UploadFloors(ctx, id, 561, []protocol.WireMarker{wire("TRAP", 5, 5, 5)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	locID, err := uuid.Parse(up[0].ID)
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}

	ids := []uuid.UUID{locID, uuid.New()} // second id is unknown: ignored
	for i := 0; i < 2; i++ {
		if err := svc.MarkObjectsSeen(ctx, id, 561, ids); err != nil {
			t.Fatalf("mark seen (round %d): %v", i+1, err)
		}
	}
	n, err := st.SeenCount(ctx, locID)
	if err != nil {
		t.Fatalf("seen count: %v", err)
	}
	if n != 1 {
		t.Fatalf("seen rows = %d, want exactly 1", n)
	}

	// Download now carries the seen annotation.
	down, err := svc.DownloadFloors(ctx, id, 561)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(down[0].SeenBy) != 1 || down[0].SeenBy[0] != id.PartialID {
		t.Fatalf("seen_by = %v, want [%s]", down[0].SeenBy, id.PartialID)
	}
}

func TestFetchStatistics_RequiresRole(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "atlas.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	plainSvc := New(floorstate.New(st), st, nil, Options{Territories: testTerritories})
	plain := registeredIdentity(t, plainSvc, "plain-account-key")
	if _, err := plainSvc.FetchStatistics(context.Background(), plain); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}

	// Re-register through a service that grants this account the role.
	statsSvc := New(floorstate.New(st), st, nil, Options{
		Territories:        testTerritories,
		StatisticsAccounts: []string{plain.AccountID},
	})
	elevated := registeredIdentity(t, statsSvc, "plain-account-key")
	if !elevated.hasRole(auth.RoleStatistics) {
		t.Fatalf("expected statistics role, got %v", elevated.Roles)
	}

	if _, err := statsSvc.UploadFloors(context.Background(), elevated, 561,
		[]protocol.WireMarker{wire("TRAP", 1, 1, 1), wire("HOARD", 2, 2, 2)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rows, err := statsSvc.FetchStatistics(context.Background(), elevated)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if len(rows) != len(testTerritories) {
		t.Fatalf("got %d territory rows, want %d", len(rows), len(testTerritories))
	}
	if rows[0].TerritoryType != 561 || rows[0].TrapCount != 1 || rows[0].HoardCount != 1 {
		t.Fatalf("unexpected stats row: %+v", rows[0])
	}
}
