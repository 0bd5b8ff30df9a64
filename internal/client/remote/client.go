// Package remote is the client side of the sync protocol: a websocket
// connection with an authenticated handshake and call-id correlated
// request/response frames.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deepatlas.gg/internal/protocol"
)

// ErrNotAuthenticated is returned when the server rejects the
// credential outright. Callers must re-establish identity before
// retrying; a plain retry will fail the same way.
var ErrNotAuthenticated = errors.New("not authenticated")

// CallError is a protocol-level failure reported by the server.
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type result struct {
	base protocol.BaseMessage
	raw  []byte
}

type Client struct {
	log     *log.Logger
	welcome protocol.WelcomeMsg

	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu       sync.Mutex
	pending  map[uint64]chan result
	nextCall uint64
	closed   bool
}

// Dial connects, performs the HELLO/WELCOME handshake with the bearer
// token, and starts the response reader.
func Dial(ctx context.Context, url, token, clientName string, logger *log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		log:     logger,
		conn:    conn,
		pending: map[uint64]chan result{},
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      clientName,
	}
	if token != "" {
		hello.Auth = &protocol.HelloAuth{Token: token}
	}
	if err := c.writeJSON(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch base.Type {
	case protocol.TypeWelcome:
		if err := json.Unmarshal(msg, &c.welcome); err != nil {
			_ = conn.Close()
			return nil, err
		}
	case protocol.TypeError:
		var em protocol.ErrorMsg
		_ = json.Unmarshal(msg, &em)
		_ = conn.Close()
		if em.Code == protocol.ErrNotAuthenticated {
			return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, em.Message)
		}
		return nil, &CallError{Code: em.Code, Message: em.Message}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q", base.Type)
	}

	go c.readLoop()
	return c, nil
}

// PartialID returns the shortened account identifier the server
// assigned this session.
func (c *Client) PartialID() string { return c.welcome.PartialID }

// AccountID returns the full account identifier for this session.
func (c *Client) AccountID() string { return c.welcome.AccountID }

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.CallID == 0 {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[base.CallID]
		if ok {
			delete(c.pending, base.CallID)
		}
		c.mu.Unlock()
		if ok {
			ch <- result{base: base, raw: msg}
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[uint64]chan result{}
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	if c.log != nil {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.log.Printf("remote: connection lost: %v", err)
		}
	}
}

func (c *Client) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// call sends a request frame and waits for the response carrying the
// same call id. Timeouts behave like any other transport failure.
func (c *Client) call(ctx context.Context, build func(callID uint64) any, wantType string) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client closed")
	}
	c.nextCall++
	callID := c.nextCall
	ch := make(chan result, 1)
	c.pending[callID] = ch
	c.mu.Unlock()

	if err := c.writeJSON(build(callID)); err != nil {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, errors.New("connection lost")
		}
		if res.base.Type == protocol.TypeError {
			var em protocol.ErrorMsg
			_ = json.Unmarshal(res.raw, &em)
			if em.Code == protocol.ErrNotAuthenticated {
				return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, em.Message)
			}
			return nil, &CallError{Code: em.Code, Message: em.Message}
		}
		if res.base.Type != wantType {
			return nil, fmt.Errorf("unexpected response frame %q", res.base.Type)
		}
		return res.raw, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Download fetches the server's complete known set for a territory.
func (c *Client) Download(ctx context.Context, territoryType uint16) ([]protocol.WireMarker, error) {
	raw, err := c.call(ctx, func(callID uint64) any {
		return protocol.DownloadMsg{
			Type:            protocol.TypeDownload,
			ProtocolVersion: protocol.Version,
			CallID:          callID,
			TerritoryType:   territoryType,
		}
	}, protocol.TypeDownloadOK)
	if err != nil {
		return nil, err
	}
	var resp protocol.DownloadOKMsg
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Markers, nil
}

// Upload submits candidate markers and returns every candidate
// annotated with its resolved server identity.
func (c *Client) Upload(ctx context.Context, territoryType uint16, markers []protocol.WireMarker) ([]protocol.WireMarker, error) {
	raw, err := c.call(ctx, func(callID uint64) any {
		return protocol.UploadMsg{
			Type:            protocol.TypeUpload,
			ProtocolVersion: protocol.Version,
			CallID:          callID,
			TerritoryType:   territoryType,
			Markers:         markers,
		}
	}, protocol.TypeUploadOK)
	if err != nil {
		return nil, err
	}
	var resp protocol.UploadOKMsg
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Markers, nil
}

// MarkSeen records the caller's account as having seen the referenced
// locations. Idempotent server-side.
func (c *Client) MarkSeen(ctx context.Context, territoryType uint16, ids []string) error {
	_, err := c.call(ctx, func(callID uint64) any {
		return protocol.MarkSeenMsg{
			Type:            protocol.TypeMarkSeen,
			ProtocolVersion: protocol.Version,
			CallID:          callID,
			TerritoryType:   territoryType,
			IDs:             ids,
		}
	}, protocol.TypeMarkSeenOK)
	return err
}

// FetchStatistics returns per-territory marker counts; requires the
// statistics role.
func (c *Client) FetchStatistics(ctx context.Context) ([]protocol.TerritoryStats, error) {
	raw, err := c.call(ctx, func(callID uint64) any {
		return protocol.StatsMsg{
			Type:            protocol.TypeStats,
			ProtocolVersion: protocol.Version,
			CallID:          callID,
		}
	}, protocol.TypeStatsOK)
	if err != nil {
		return nil, err
	}
	var resp protocol.StatsOKMsg
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Territories, nil
}
