package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deepatlas.gg/internal/auth"
	"deepatlas.gg/internal/server/floorstate"
	"deepatlas.gg/internal/server/service"
	"deepatlas.gg/internal/server/store"
	"deepatlas.gg/internal/transport/ws"
)

var apiTestSecret = []byte("0123456789abcdef0123456789abcdef")

func startAPI(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "atlas.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cache := floorstate.New(st)
	svc := service.New(cache, st, nil, service.Options{
		Territories: map[uint16]string{561: "Palace 1-10"},
	})
	logger := log.New(io.Discard, "", 0)
	rt := New(svc, cache, ws.NewServer(svc, apiTestSecret, logger), apiTestSecret, time.Hour, logger)

	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := startAPI(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuth_IssuesValidToken(t *testing.T) {
	srv := startAPI(t)

	body, _ := json.Marshal(authRequest{AccountKey: "a-long-enough-account-key", ClientName: "test"})
	resp, err := http.Post(srv.URL+"/v1/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := auth.ValidateToken(apiTestSecret, out.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.AccountID != out.AccountID || claims.PartialID != out.PartialID {
		t.Fatalf("claims do not match response: %+v vs %+v", claims, out)
	}
	if !claims.HasRole(auth.RoleUser) {
		t.Fatalf("user role missing: %v", claims.Roles)
	}

	// The same key resolves the same account on a second exchange.
	resp2, err := http.Post(srv.URL+"/v1/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	defer resp2.Body.Close()
	var out2 authResponse
	if err := json.NewDecoder(resp2.Body).Decode(&out2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out2.AccountID != out.AccountID {
		t.Fatalf("account id changed between exchanges: %s vs %s", out2.AccountID, out.AccountID)
	}
}

func TestAuth_RejectsShortKey(t *testing.T) {
	srv := startAPI(t)

	body, _ := json.Marshal(authRequest{AccountKey: "short"})
	resp, err := http.Post(srv.URL+"/v1/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp2, err := http.Post(srv.URL+"/v1/auth", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post malformed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", resp2.StatusCode)
	}
}

func TestMetricsExposition(t *testing.T) {
	srv := startAPI(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(raw, []byte("deepatlas_uptime_seconds")) ||
		!bytes.Contains(raw, []byte("deepatlas_cached_territories")) {
		t.Fatalf("missing expected series:\n%s", raw)
	}
}
