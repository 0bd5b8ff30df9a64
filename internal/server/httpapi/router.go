// Package httpapi mounts the server's HTTP surface: health and metrics
// endpoints, credential issuance, and the websocket sync endpoint.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"deepatlas.gg/internal/auth"
	"deepatlas.gg/internal/server/floorstate"
	"deepatlas.gg/internal/server/service"
	"deepatlas.gg/internal/transport/ws"
)

type Router struct {
	svc         *service.Service
	cache       *floorstate.Cache
	wsServer    *ws.Server
	secret      []byte
	tokenExpiry time.Duration
	log         *log.Logger
	started     time.Time
}

func New(svc *service.Service, cache *floorstate.Cache, wsServer *ws.Server, secret []byte, tokenExpiry time.Duration, logger *log.Logger) *Router {
	return &Router{
		svc:         svc,
		cache:       cache,
		wsServer:    wsServer,
		secret:      secret,
		tokenExpiry: tokenExpiry,
		log:         logger,
		started:     time.Now(),
	}
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Get("/metrics", rt.handleMetrics)
	r.Post("/v1/auth", rt.handleAuth)
	r.Get("/v1/ws", rt.wsServer.Handler())
	return r
}

type authRequest struct {
	AccountKey string `json:"account_key"`
	ClientName string `json:"client_name,omitempty"`
}

type authResponse struct {
	Token     string   `json:"token"`
	AccountID string   `json:"account_id"`
	PartialID string   `json:"partial_id"`
	Roles     []string `json:"roles"`
	ExpiresIn int64    `json:"expires_in_seconds"`
}

// handleAuth exchanges an opaque account key for a signed bearer token,
// creating the account on first sight.
func (rt *Router) handleAuth(rw http.ResponseWriter, req *http.Request) {
	var body authRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(rw, "malformed request", http.StatusBadRequest)
		return
	}
	key := strings.TrimSpace(body.AccountKey)
	if len(key) < 16 {
		http.Error(rw, "account_key too short", http.StatusBadRequest)
		return
	}

	identity, err := rt.svc.RegisterAccount(req.Context(), key)
	if err != nil {
		rt.log.Printf("auth: register account: %v", err)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	token, err := auth.GenerateToken(rt.secret, &auth.AtlasClaims{
		AccountID: identity.AccountID,
		PartialID: identity.PartialID,
		Roles:     identity.Roles,
	}, rt.tokenExpiry)
	if err != nil {
		rt.log.Printf("auth: sign token: %v", err)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(authResponse{
		Token:     token,
		AccountID: identity.AccountID,
		PartialID: identity.PartialID,
		Roles:     identity.Roles,
		ExpiresIn: int64(rt.tokenExpiry.Seconds()),
	})
}

// handleMetrics writes a minimal Prometheus exposition.
func (rt *Router) handleMetrics(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(rw, "# HELP deepatlas_uptime_seconds Server uptime.\n")
	fmt.Fprintf(rw, "# TYPE deepatlas_uptime_seconds gauge\n")
	fmt.Fprintf(rw, "deepatlas_uptime_seconds %.0f\n", time.Since(rt.started).Seconds())

	fmt.Fprintf(rw, "# HELP deepatlas_cached_territories Territories resident in the cache.\n")
	fmt.Fprintf(rw, "# TYPE deepatlas_cached_territories gauge\n")
	fmt.Fprintf(rw, "deepatlas_cached_territories %d\n", rt.cache.CachedTerritories())
}
