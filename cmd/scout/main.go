// Command scout is a headless sync client: it replays observations from
// a JSONL file into the local territory cache and drives the sync loop
// against a live server, leaving the per-territory floor files on disk.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"deepatlas.gg/internal/client/floorcache"
	"deepatlas.gg/internal/client/floorfile"
	"deepatlas.gg/internal/client/remote"
	"deepatlas.gg/internal/client/syncdriver"
	"deepatlas.gg/internal/marks"
)

type observation struct {
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
}

func main() {
	var (
		server     = flag.String("server", "http://127.0.0.1:8080", "server base url")
		dataDir    = flag.String("data", "./data/scout", "local floor file directory")
		accountKey = flag.String("account_key", "", "opaque account credential (min 16 chars)")
		territory  = flag.Uint("territory", 0, "territory type to enter")
		obsPath    = flag.String("obs", "", "observations jsonl path (optional)")
		offline    = flag.Bool("offline", false, "record and persist only; no network traffic")
		stats      = flag.Bool("stats", false, "fetch server statistics after syncing")
		ticks      = flag.Int("ticks", 50, "sync ticks to run")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[scout] ", log.LstdFlags|log.Lmicroseconds)

	if *territory == 0 || *territory > 0xFFFF {
		logger.Fatalf("-territory must be a territory type in 1..65535")
	}
	tt := uint16(*territory)

	mode := floorcache.ModeOnline
	if *offline {
		mode = floorcache.ModePrivate
	}
	caches := floorcache.NewManager(floorfile.NewStore(*dataDir), mode, logger)

	var (
		client    *remote.Client
		partialID string
	)
	if !*offline {
		if *accountKey == "" {
			logger.Fatalf("-account_key is required in online mode")
		}
		token, err := fetchToken(*server, *accountKey)
		if err != nil {
			logger.Fatalf("auth: %v", err)
		}
		wsURL := strings.Replace(*server, "http", "ws", 1) + "/v1/ws"
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		client, err = remote.Dial(ctx, wsURL, token, "scout", logger)
		cancel()
		if err != nil {
			logger.Fatalf("connect: %v", err)
		}
		defer client.Close()
		partialID = client.PartialID()
		logger.Printf("connected as %s", partialID)
	}

	var rem syncdriver.Remote
	if client != nil {
		rem = client
	}
	driver := syncdriver.New(caches, rem, logger, syncdriver.Options{
		Online:           !*offline,
		PartialAccountID: partialID,
		OpTimeout:        15 * time.Second,
	})
	driver.EnterTerritory(tt)

	if *obsPath != "" {
		n, err := feedObservations(driver, *obsPath)
		if err != nil {
			logger.Fatalf("observations: %v", err)
		}
		logger.Printf("recorded %d observation(s)", n)
	}

	for i := 0; i < *ticks; i++ {
		driver.Tick()
		time.Sleep(100 * time.Millisecond)
	}
	driver.Tick()

	c := driver.CurrentCache()
	uploaded := 0
	for _, mk := range c.Markers() {
		if mk.Uploaded() {
			uploaded++
		}
	}
	logger.Printf("territory %d: %d marker(s), %d with server identity", tt, c.Len(), uploaded)

	if *stats && client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rows, err := client.FetchStatistics(ctx)
		if err != nil {
			logger.Fatalf("statistics: %v", err)
		}
		for _, row := range rows {
			logger.Printf("territory %d: traps=%d hoards=%d", row.TerritoryType, row.TrapCount, row.HoardCount)
		}
	}
}

func feedObservations(driver *syncdriver.Driver, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var obs observation
		if err := json.Unmarshal(line, &obs); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		kind := marks.ParseKind(obs.Kind)
		if !kind.Valid() {
			continue
		}
		driver.Observe(kind, marks.Position{X: obs.X, Y: obs.Y, Z: obs.Z})
		n++
	}
	return n, sc.Err()
}

func fetchToken(server, accountKey string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"account_key": accountKey,
		"client_name": "scout",
	})
	req, err := http.NewRequest(http.MethodPost, server+"/v1/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("auth endpoint returned no token")
	}
	return out.Token, nil
}
