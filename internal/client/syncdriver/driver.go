// Package syncdriver orchestrates download-on-entry, upload of newly
// observed markers, and seen notifications against the remote service.
// Network calls run on background goroutines that never touch cache
// state; each posts its outcome to an ordered queue the single-threaded
// Tick consumer drains, so cache mutation needs no locks.
package syncdriver

import (
	"context"
	"log"
	"time"

	"deepatlas.gg/internal/client/floorcache"
	"deepatlas.gg/internal/marks"
	"deepatlas.gg/internal/protocol"
)

// Remote is the slice of the protocol client the driver drives.
type Remote interface {
	Download(ctx context.Context, territoryType uint16) ([]protocol.WireMarker, error)
	Upload(ctx context.Context, territoryType uint16, markers []protocol.WireMarker) ([]protocol.WireMarker, error)
	MarkSeen(ctx context.Context, territoryType uint16, ids []string) error
}

type eventKind int

const (
	evDownload eventKind = iota + 1
	evUpload
	evSeen
)

// event is one background-operation outcome. TerritoryType is compared
// against the current territory at apply time; late results for a
// territory the player has left are dropped silently.
type event struct {
	kind          eventKind
	territoryType uint16
	visit         uint64

	markers []marks.Marker     // download payload / upload acks
	keys    []marks.SpatialKey // markers whose in-flight state this event owns
	err     error
}

type Options struct {
	// Online enables network traffic; in private mode the driver only
	// records observations and persists.
	Online bool
	// PartialAccountID is the caller's shortened account id, recorded
	// into RemoteSeenBy after successful seen notifications.
	PartialAccountID string
	// OpTimeout bounds each background call; a timeout is handled like
	// any other transport failure.
	OpTimeout time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type Driver struct {
	caches *floorcache.Manager
	remote Remote
	log    *log.Logger

	online    bool
	partialID string
	opTimeout time.Duration
	now       func() time.Time

	queue chan event

	current    uint16
	hasCurrent bool
	visit      uint64
}

func New(caches *floorcache.Manager, remote Remote, logger *log.Logger, opts Options) *Driver {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		caches:    caches,
		remote:    remote,
		log:       logger,
		online:    opts.Online && remote != nil,
		partialID: opts.PartialAccountID,
		opTimeout: timeout,
		now:       now,
		queue:     make(chan event, 256),
	}
}

// EnterTerritory switches the driver to a territory, resetting the sync
// handshake for the new visit. Queued results for the previous
// territory are dropped when they surface.
func (d *Driver) EnterTerritory(territoryType uint16) *floorcache.TerritoryCache {
	c := d.caches.Get(territoryType)
	if d.hasCurrent && d.current == territoryType {
		return c
	}
	d.current = territoryType
	d.hasCurrent = true
	d.visit++
	c.Phase = floorcache.SyncNotAttempted
	// In-flight flags from an earlier visit are stale: their events
	// will be dropped as late, so nothing else would ever clear them.
	for _, mk := range c.Markers() {
		mk.State = marks.SyncIdle
	}
	return c
}

// CurrentCache returns the active territory's cache, or nil before the
// first EnterTerritory.
func (d *Driver) CurrentCache() *floorcache.TerritoryCache {
	if !d.hasCurrent {
		return nil
	}
	return d.caches.Get(d.current)
}

// Observe records a local player observation in the active territory.
func (d *Driver) Observe(kind marks.Kind, pos marks.Position) {
	if c := d.CurrentCache(); c != nil {
		c.RecordObservation(kind, pos)
	}
}

// Tick drains completed operation results in FIFO order, then starts
// whatever work became eligible, then persists if anything changed.
// Must be called from a single goroutine.
func (d *Driver) Tick() {
	c := d.CurrentCache()
	if c == nil {
		return
	}
	d.drain(c)
	if d.online {
		d.maybeDownload(c)
		d.maybeUpload(c)
		d.maybeMarkSeen(c)
	}
	if err := c.PersistIfDirty(d.caches.Store()); err != nil && d.log != nil {
		d.log.Printf("territory %d: persist: %v", c.TerritoryType, err)
	}
}

func (d *Driver) drain(c *floorcache.TerritoryCache) {
	for {
		select {
		case ev := <-d.queue:
			d.apply(c, ev)
		default:
			return
		}
	}
}

func (d *Driver) apply(c *floorcache.TerritoryCache, ev event) {
	if ev.territoryType != c.TerritoryType || ev.visit != d.visit {
		// Late result for a territory visit the player already left.
		return
	}
	switch ev.kind {
	case evDownload:
		if ev.err != nil {
			c.Phase = floorcache.SyncFailed
			if d.log != nil {
				d.log.Printf("territory %d: download failed: %v", c.TerritoryType, ev.err)
			}
			return
		}
		c.ApplyDownload(ev.markers)
		c.Phase = floorcache.SyncComplete

	case evUpload:
		for _, key := range ev.keys {
			if mk, ok := c.Lookup(key); ok && mk.State == marks.SyncPendingUpload {
				mk.State = marks.SyncIdle
			}
		}
		if ev.err != nil {
			if d.log != nil {
				d.log.Printf("territory %d: upload failed: %v", c.TerritoryType, ev.err)
			}
			return
		}
		c.ApplyUploadAck(ev.markers)

	case evSeen:
		for _, key := range ev.keys {
			if mk, ok := c.Lookup(key); ok && mk.State == marks.SyncPendingSeenNotify {
				mk.State = marks.SyncIdle
			}
		}
		if ev.err != nil {
			if d.log != nil {
				d.log.Printf("territory %d: mark-seen failed: %v", c.TerritoryType, ev.err)
			}
			return
		}
		c.MarkRemoteSeen(ev.keys, d.partialID)
	}
}

// maybeDownload starts the territory download exactly once per visit.
// A failed download is not retried until the territory is re-entered.
func (d *Driver) maybeDownload(c *floorcache.TerritoryCache) {
	if c.Phase != floorcache.SyncNotAttempted {
		return
	}
	c.Phase = floorcache.SyncStarted
	tt := c.TerritoryType
	visit := d.visit
	started := d.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.opTimeout)
		defer cancel()
		wire, err := d.remote.Download(ctx, tt)
		var markers []marks.Marker
		if err == nil {
			markers = make([]marks.Marker, 0, len(wire))
			for _, w := range wire {
				if m, ok := protocol.MarkerFromWire(w); ok {
					markers = append(markers, m)
				}
			}
			if d.log != nil {
				d.log.Printf("territory %d: downloaded %d marker(s) in %s", tt, len(markers), d.now().Sub(started).Round(time.Millisecond))
			}
		}
		d.queue <- event{kind: evDownload, territoryType: tt, visit: visit, markers: markers, err: err}
	}()
}

// maybeUpload sends every marker observed locally that has no server
// identity yet. Markers are flagged pending before the call starts so
// the next tick cannot issue a duplicate upload for them.
func (d *Driver) maybeUpload(c *floorcache.TerritoryCache) {
	if c.Phase != floorcache.SyncComplete {
		return
	}
	var (
		wire []protocol.WireMarker
		keys []marks.SpatialKey
	)
	for _, mk := range c.Markers() {
		if !mk.Seen || mk.Uploaded() || mk.State != marks.SyncIdle {
			continue
		}
		if !mk.Kind.Valid() || mk.Position.IsZero() {
			continue
		}
		mk.State = marks.SyncPendingUpload
		wire = append(wire, protocol.MarkerToWire(mk))
		keys = append(keys, mk.Key())
	}
	if len(wire) == 0 {
		return
	}
	tt := c.TerritoryType
	visit := d.visit
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.opTimeout)
		defer cancel()
		acked, err := d.remote.Upload(ctx, tt, wire)
		var markers []marks.Marker
		if err == nil {
			markers = make([]marks.Marker, 0, len(acked))
			for _, w := range acked {
				if m, ok := protocol.MarkerFromWire(w); ok {
					markers = append(markers, m)
				}
			}
		}
		d.queue <- event{kind: evUpload, territoryType: tt, visit: visit, markers: markers, keys: keys, err: err}
	}()
}

// maybeMarkSeen notifies the server of markers the player has seen that
// the account has not yet been recorded against.
func (d *Driver) maybeMarkSeen(c *floorcache.TerritoryCache) {
	var (
		ids  []string
		keys []marks.SpatialKey
	)
	for _, mk := range c.Markers() {
		if !mk.Seen || !mk.Uploaded() || mk.State != marks.SyncIdle {
			continue
		}
		if mk.SeenBy(d.partialID) {
			continue
		}
		mk.State = marks.SyncPendingSeenNotify
		ids = append(ids, mk.NetworkID.String())
		keys = append(keys, mk.Key())
	}
	if len(ids) == 0 {
		return
	}
	tt := c.TerritoryType
	visit := d.visit
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.opTimeout)
		defer cancel()
		err := d.remote.MarkSeen(ctx, tt, ids)
		d.queue <- event{kind: evSeen, territoryType: tt, visit: visit, keys: keys, err: err}
	}()
}
