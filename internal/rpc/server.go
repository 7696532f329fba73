// Package rpc is C7: the REST/WebSocket surface spec.md §4.7 describes,
// fronting the coordinator, pool hub, and chain node with httprouter,
// JWT/session auth, per-endpoint rate limiting, and CORS.
package rpc

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/oib/aitbc/internal/chain"
	"github.com/oib/aitbc/internal/coordinator"
	"github.com/oib/aitbc/internal/gossip"
	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/poolhub"
	"github.com/oib/aitbc/internal/storage"
)

var log = logging.NewModuleLogger(logging.ModuleRPC)

// Config collects the RPC surface's runtime knobs (spec.md §6).
type Config struct {
	JWTSecret         string
	CORSAllowedOrigins []string
	DefaultRPS        float64
	DefaultBurst      int
	SendTxRPS         float64
	SendTxBurst       int
	MatchRPS          float64
	MatchBurst        int
}

// DefaultConfig matches spec.md §6's stated per-endpoint rate defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRPS: 10, DefaultBurst: 100,
		SendTxRPS: 50, SendTxBurst: 500,
		MatchRPS: 50, MatchBurst: 100,
	}
}

// Server wires every dependency the handlers need: the chain node, the
// coordinator engine, the pool hub, and the gossip broker for streaming.
type Server struct {
	cfg     Config
	chain   *chain.Chain
	mempool *chain.Mempool
	store   storage.Store
	engine  *coordinator.Engine
	hub     *poolhub.Hub
	broker  gossip.Broker

	limiters *limiterSet
}

// New builds the httprouter-backed http.Handler for this deployment.
func New(cfg Config, c *chain.Chain, mp *chain.Mempool, store storage.Store, engine *coordinator.Engine, hub *poolhub.Hub, broker gossip.Broker) http.Handler {
	s := &Server{
		cfg: cfg, chain: c, mempool: mp, store: store, engine: engine, hub: hub, broker: broker,
		limiters: newLimiterSet(cfg),
	}

	r := httprouter.New()

	r.POST("/rpc/sendTx", s.withLimiter("sendTx", s.handleSendTx))
	r.POST("/rpc/submitReceipt", s.withLimiter("default", s.handleSubmitReceipt))
	r.GET("/rpc/getBlock/:ref", s.withLimiter("default", s.handleGetBlock))
	r.GET("/rpc/getHead", s.withLimiter("default", s.handleGetHead))
	r.GET("/rpc/getBalance/:addr", s.withLimiter("default", s.handleGetBalance))
	r.GET("/rpc/getTx/:hash", s.withLimiter("default", s.handleGetTx))
	r.GET("/rpc/debug/memsize", s.withLimiter("default", s.requireAuth(s.handleDebugMemsize)))

	r.POST("/jobs", s.withLimiter("default", s.requireAuth(s.handleSubmitJob)))
	r.GET("/jobs/:id", s.withLimiter("default", s.requireAuth(s.handleGetJob)))
	r.GET("/jobs/:id/receipt", s.withLimiter("default", s.requireAuth(s.handleGetJobReceipt)))

	r.POST("/miner/register", s.withLimiter("match", s.handleMinerRegister))
	r.POST("/miner/heartbeat", s.withLimiter("default", s.handleMinerHeartbeat))
	r.POST("/miner/poll", s.withLimiter("default", s.handleMinerPoll))
	r.POST("/miner/result", s.withLimiter("default", s.handleMinerResult))

	r.GET("/stream/:topic", s.handleStream)

	corsMW := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return corsMW.Handler(r)
}

// handlerFunc is httprouter's handler shape, kept as a local alias so
// middleware wrappers read cleanly left-to-right.
type handlerFunc = httprouter.Handle

func (s *Server) withLimiter(bucket string, next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := apiKeyOf(r)
		lim := s.limiters.get(bucket, key)
		if !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next(w, r, ps)
	}
}

type limiterSet struct {
	cfg Config
	mu  chan struct{}
	m   map[string]*rate.Limiter
}

func newLimiterSet(cfg Config) *limiterSet {
	return &limiterSet{cfg: cfg, mu: make(chan struct{}, 1), m: map[string]*rate.Limiter{}}
}

func (l *limiterSet) get(bucket, key string) *rate.Limiter {
	l.mu <- struct{}{}
	defer func() { <-l.mu }()
	id := bucket + "|" + key
	if lim, ok := l.m[id]; ok {
		return lim
	}
	var r rate.Limit
	var b int
	switch bucket {
	case "sendTx":
		r, b = rate.Limit(l.cfg.SendTxRPS), l.cfg.SendTxBurst
	case "match":
		r, b = rate.Limit(l.cfg.MatchRPS), l.cfg.MatchBurst
	default:
		r, b = rate.Limit(l.cfg.DefaultRPS), l.cfg.DefaultBurst
	}
	lim := rate.NewLimiter(r, b)
	l.m[id] = lim
	return lim
}

func apiKeyOf(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.RemoteAddr
}

// WatchdogLoop runs ExpireWatchdog on the configured interval until ctx is
// cancelled (spec.md §4.3's "watchdog sweeps past-deadline jobs").
func (s *Server) WatchdogLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.engine.ExpireWatchdog()
			if err != nil {
				log.Error("watchdog sweep failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("watchdog expired jobs", "count", n)
			}
		}
	}
}
