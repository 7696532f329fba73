// Command pool-hub runs C4: miner registration, heartbeats, and
// matchmaking, fronted by the shared RPC surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/oib/aitbc/internal/config"
	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/poolhub"
	"github.com/oib/aitbc/internal/rpc"
	"github.com/oib/aitbc/internal/storage"
)

var log = logging.NewModuleLogger(logging.ModulePoolHub)

var (
	configFlag  = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}
	dataDirFlag = cli.StringFlag{Name: "datadir", Usage: "data directory (overrides config)"}
	redisAddrFlag = cli.StringFlag{Name: "redis-addr", Usage: "redis address for session storage (empty = in-memory)"}
)

func main() {
	app := cli.NewApp()
	app.Name = "pool-hub"
	app.Usage = "aitbc miner registry and matchmaker"
	app.Flags = []cli.Flag{configFlag}
	app.Commands = []cli.Command{serveCommand, minersListCommand}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) config.Config {
	cfg, err := config.Load(ctx.GlobalString(configFlag.Name))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if d := ctx.String(dataDirFlag.Name); d != "" {
		cfg.DataDir = d
	}
	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required; refusing to start without API authentication")
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel, cfg.LogJSON)
	return cfg
}

func openStore(cfg config.Config) storage.Store {
	store, err := storage.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Crit("failed to open store", "err", err)
	}
	return store
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "run the pool hub (registration, matchmaking, RPC)",
	Flags: []cli.Flag{dataDirFlag, redisAddrFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		store := openStore(cfg)

		var sessions poolhub.SessionStore
		if addr := ctx.String(redisAddrFlag.Name); addr != "" {
			sessions = poolhub.NewRedisSessionStore(addr, "", 0)
		} else {
			sessions = poolhub.NewMemSessionStore()
		}

		hub := poolhub.NewHub(store, sessions, cfg.HeartbeatGrace())
		hub.SetWeights(cfg.Weights)

		if cfg.RPC.JWTSecret == "" {
			cfg.RPC.JWTSecret = cfg.JWTSecret
		}

		handler := rpc.New(cfg.RPC, nil, nil, store, nil, hub, nil)
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

		go func() {
			log.Info("pool-hub RPC listening", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("rpc server stopped", "err", err)
			}
		}()

		waitForShutdown()
		log.Info("shutting down")
		return srv.Shutdown(context.Background())
	},
}

var minersListCommand = cli.Command{
	Name:  "list",
	Usage: "list registered miners",
	Flags: []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		store := openStore(cfg)
		miners, err := store.ListMiners()
		if err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		for _, m := range miners {
			fmt.Printf("%s\t%s\ttrust=%.2f\tprice=%d\tregion=%s\n", m.ID, m.Address, m.Trust, m.PricePer1kUnits, m.Region)
		}
		return nil
	},
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
