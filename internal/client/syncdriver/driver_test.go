package syncdriver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"deepatlas.gg/internal/client/floorcache"
	"deepatlas.gg/internal/client/floorfile"
	"deepatlas.gg/internal/marks"
	"deepatlas.gg/internal/protocol"
)

// fakeRemote implements Remote in-process. Each call returns the
// configured payload or error and counts invocations.
type fakeRemote struct {
	mu sync.Mutex

	downloadPayload []protocol.WireMarker
	downloadErr     error
	downloads       int

	uploadErr error
	uploads   int
	uploaded  []protocol.WireMarker

	seenErr error
	seens   int
	seenIDs []string
}

func (f *fakeRemote) Download(ctx context.Context, territoryType uint16) ([]protocol.WireMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return append([]protocol.WireMarker(nil), f.downloadPayload...), nil
}

func (f *fakeRemote) Upload(ctx context.Context, territoryType uint16, markers []protocol.WireMarker) ([]protocol.WireMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	f.uploaded = append(f.uploaded, markers...)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	out := make([]protocol.WireMarker, len(markers))
	for i, m := range markers {
		m.ID = uuid.New().String()
		out[i] = m
	}
	return out, nil
}

func (f *fakeRemote) MarkSeen(ctx context.Context, territoryType uint16, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seens++
	f.seenIDs = append(f.seenIDs, ids...)
	return f.seenErr
}

func (f *fakeRemote) counts() (downloads, uploads, seens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads, f.uploads, f.seens
}

func newTestDriver(t *testing.T, remote Remote) *Driver {
	t.Helper()
	caches := floorcache.NewManager(floorfile.NewStore(t.TempDir()), floorcache.ModeOnline, nil)
	return New(caches, remote, nil, Options{
		Online:           true,
		PartialAccountID: "0123456789abc",
		OpTimeout:        time.Second,
	})
}

// tickUntil pumps the driver until cond holds or the deadline passes.
// Background operations surface on the queue between ticks.
func tickUntil(t *testing.T, d *Driver, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.Tick()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

func TestDownloadOnEntry(t *testing.T) {
	remote := &fakeRemote{
		downloadPayload: []protocol.WireMarker{
			{ID: uuid.New().String(), Kind: "TRAP", X: 10, Y: 20, Z: 30, SeenBy: []string{"fffffffffffff"}},
		},
	}
	d := newTestDriver(t, remote)

	c := d.EnterTerritory(561)
	tickUntil(t, d, func() bool { return c.Phase == floorcache.SyncComplete })

	if c.Len() != 1 {
		t.Fatalf("cache holds %d markers after download, want 1", c.Len())
	}
	mk := c.Markers()[0]
	if mk.Seen {
		t.Fatalf("downloaded marker must arrive unseen")
	}
	if !mk.Uploaded() {
		t.Fatalf("downloaded marker must carry its server identity")
	}

	// Further ticks in the same visit never re-download.
	for i := 0; i < 5; i++ {
		d.Tick()
	}
	if n, _, _ := remote.counts(); n != 1 {
		t.Fatalf("downloads = %d, want exactly 1 per visit", n)
	}
}

func TestUploadAfterDownload(t *testing.T) {
	remote := &fakeRemote{}
	d := newTestDriver(t, remote)

	c := d.EnterTerritory(561)
	d.Observe(marks.KindTrap, marks.Position{X: 5, Y: 5, Z: 5})

	mk, _ := c.Lookup(marks.KeyFor(marks.KindTrap, marks.Position{X: 5, Y: 5, Z: 5}))
	tickUntil(t, d, func() bool { return mk.Uploaded() })

	if _, n, _ := remote.counts(); n != 1 {
		t.Fatalf("uploads = %d, want 1", n)
	}

	// Once acknowledged, the marker is never re-uploaded; the driver
	// moves on to the seen notification instead.
	tickUntil(t, d, func() bool { return mk.SeenBy("0123456789abc") })
	if _, n, _ := remote.counts(); n != 1 {
		t.Fatalf("acked marker re-uploaded, uploads = %d", n)
	}
	if mk.Seen != true {
		t.Fatalf("local seen state lost")
	}
}

func TestUploadNotAttemptedBeforeDownloadCompletes(t *testing.T) {
	remote := &fakeRemote{downloadErr: errors.New("network down")}
	d := newTestDriver(t, remote)

	c := d.EnterTerritory(561)
	d.Observe(marks.KindTrap, marks.Position{X: 5, Y: 5, Z: 5})
	tickUntil(t, d, func() bool { return c.Phase == floorcache.SyncFailed })

	for i := 0; i < 5; i++ {
		d.Tick()
	}
	downloads, uploads, _ := remote.counts()
	if uploads != 0 {
		t.Fatalf("upload must wait for a completed download, got %d", uploads)
	}
	// A failed download is not retried within the visit.
	if downloads != 1 {
		t.Fatalf("failed download retried within the visit: %d attempts", downloads)
	}

	// Re-entering via another territory resets the handshake.
	d.EnterTerritory(562)
	c = d.EnterTerritory(561)
	remote.mu.Lock()
	remote.downloadErr = nil
	remote.mu.Unlock()
	tickUntil(t, d, func() bool { return c.Phase == floorcache.SyncComplete })
}

func TestUploadFailureClearsInFlightForRetry(t *testing.T) {
	remote := &fakeRemote{uploadErr: errors.New("boom")}
	d := newTestDriver(t, remote)

	c := d.EnterTerritory(561)
	d.Observe(marks.KindTrap, marks.Position{X: 5, Y: 5, Z: 5})
	mk, _ := c.Lookup(marks.KeyFor(marks.KindTrap, marks.Position{X: 5, Y: 5, Z: 5}))

	tickUntil(t, d, func() bool {
		_, n, _ := remote.counts()
		return n >= 2 // the failure was applied and a retry was issued
	})

	remote.mu.Lock()
	remote.uploadErr = nil
	remote.mu.Unlock()
	tickUntil(t, d, func() bool { return mk.Uploaded() })
}

func TestLateResultsForPreviousVisitDropped(t *testing.T) {
	remote := &fakeRemote{
		downloadPayload: []protocol.WireMarker{
			{ID: uuid.New().String(), Kind: "TRAP", X: 1, Y: 1, Z: 1},
		},
	}
	d := newTestDriver(t, remote)

	d.EnterTerritory(561)
	d.Tick() // starts the 561 download

	// Leave before the result is applied. The download for 561 may still
	// land on the queue; it must never touch the 562 cache.
	c := d.EnterTerritory(562)
	tickUntil(t, d, func() bool { return c.Phase == floorcache.SyncComplete })
	if c.TerritoryType != 562 {
		t.Fatalf("wrong cache: %d", c.TerritoryType)
	}
	old := d.caches.Get(561)
	if old.Phase == floorcache.SyncComplete {
		t.Fatalf("stale download completed a visit the player already left")
	}
	if old.Len() != 0 {
		t.Fatalf("stale download mutated the abandoned cache")
	}
}

func TestMarkSeenSkipsAlreadyRecorded(t *testing.T) {
	netID := uuid.New()
	remote := &fakeRemote{
		downloadPayload: []protocol.WireMarker{
			{ID: netID.String(), Kind: "TRAP", X: 7, Y: 7, Z: 7, SeenBy: []string{"0123456789abc"}},
		},
	}
	d := newTestDriver(t, remote)

	c := d.EnterTerritory(561)
	tickUntil(t, d, func() bool { return c.Phase == floorcache.SyncComplete })

	// Seeing a marker this account is already recorded against sends
	// nothing.
	d.Observe(marks.KindTrap, marks.Position{X: 7.2, Y: 7.9, Z: 7.4})
	for i := 0; i < 5; i++ {
		d.Tick()
	}
	if _, _, n := remote.counts(); n != 0 {
		t.Fatalf("mark-seen issued for an already-recorded marker: %d calls", n)
	}
}

func TestOfflineDriverNeverCallsRemote(t *testing.T) {
	remote := &fakeRemote{}
	caches := floorcache.NewManager(floorfile.NewStore(t.TempDir()), floorcache.ModePrivate, nil)
	d := New(caches, remote, nil, Options{Online: false})

	c := d.EnterTerritory(561)
	d.Observe(marks.KindTrap, marks.Position{X: 5, Y: 5, Z: 5})
	for i := 0; i < 5; i++ {
		d.Tick()
	}
	downloads, uploads, seens := remote.counts()
	if downloads+uploads+seens != 0 {
		t.Fatalf("offline driver reached the network: %d/%d/%d", downloads, uploads, seens)
	}
	if c.Len() != 1 || c.Dirty() {
		t.Fatalf("observation not recorded and persisted")
	}
}
