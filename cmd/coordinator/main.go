// Command coordinator runs C3, the job lifecycle engine: job submission,
// assignment, escrow, and receipt issuance against a pool hub and chain.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/oib/aitbc/internal/audit"
	"github.com/oib/aitbc/internal/chain"
	"github.com/oib/aitbc/internal/config"
	"github.com/oib/aitbc/internal/coordinator"
	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/poolhub"
	"github.com/oib/aitbc/internal/rpc"
	"github.com/oib/aitbc/internal/storage"
)

var log = logging.NewModuleLogger(logging.ModuleCoordinator)

var (
	configFlag  = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}
	dataDirFlag = cli.StringFlag{Name: "datadir", Usage: "data directory (overrides config)"}
	attestPrivFlag = cli.StringFlag{Name: "attestation-priv", Usage: "hex ed25519 private key for receipt attestation"}
	chainSignerFlag = cli.StringFlag{Name: "chain-signer", Usage: "account this coordinator submits RECEIPT_CLAIM txs as"}
	chainPrivFlag   = cli.StringFlag{Name: "chain-priv", Usage: "hex ed25519 private key for the chain-signer account"}
	auditFileFlag   = cli.StringFlag{Name: "audit-file", Value: "audit.log", Usage: "audit log path"}
)

func main() {
	app := cli.NewApp()
	app.Name = "coordinator"
	app.Usage = "aitbc job lifecycle engine"
	app.Flags = []cli.Flag{configFlag}
	app.Commands = []cli.Command{
		serveCommand,
		migrateCommand,
		auditLogCommand,
		{
			Name:  "tenants",
			Usage: "manage tenants",
			Subcommands: []cli.Command{
				tenantsListCommand,
				tenantsAddCommand,
				tenantsRemoveCommand,
			},
		},
	}
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
	Usage: "run the coordinator (job lifecycle, RPC surface)",
	Flags: []cli.Flag{dataDirFlag, attestPrivFlag, chainSignerFlag, chainPrivFlag, auditFileFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		store := openStore(cfg)

		sessions := poolhub.NewMemSessionStore()
		hub := poolhub.NewHub(store, sessions, cfg.HeartbeatGrace())
		hub.SetWeights(cfg.Weights)

		if p := cfg.RPC.JWTSecret; p == "" {
			cfg.RPC.JWTSecret = cfg.JWTSecret
		}

		privHex := ctx.String(chainPrivFlag.Name)
		if privHex == "" || ctx.String(chainSignerFlag.Name) == "" {
			fmt.Fprintln(os.Stderr, "--chain-signer and --chain-priv are required: every completed job settles a RECEIPT_CLAIM to the chain")
			os.Exit(1)
		}
		privBytes, err := hex.DecodeString(privHex)
		if err != nil || len(privBytes) != ed25519.PrivateKeySize {
			log.Crit("malformed --chain-priv")
		}
		mempool := chain.NewMempool(uint64(cfg.Chain.MaxTxsPerBlock) * 64)
		var chainClient coordinator.ChainClient = &coordinator.DirectChainClient{
			Store: store, Mempool: mempool,
			Signer: ctx.String(chainSignerFlag.Name), Priv: ed25519.PrivateKey(privBytes),
			Fee: cfg.Chain.MinFee,
		}

		engine := coordinator.NewEngine(store, hub, chainClient, coordinator.DevnetAcceptor{}, cfg.Policy)

		if privHex := ctx.String(attestPrivFlag.Name); privHex != "" {
			privBytes, err := hex.DecodeString(privHex)
			if err != nil || len(privBytes) != ed25519.PrivateKeySize {
				log.Crit("malformed --attestation-priv")
			}
			engine.SetAttestationKey(ctx.String(chainSignerFlag.Name), ed25519.PrivateKey(privBytes))
		}

		sink, err := audit.NewFileSink(ctx.String(auditFileFlag.Name))
		if err != nil {
			log.Crit("failed to open audit sink", "err", err)
		}
		engine.SetAuditLogger(audit.NewLogger(sink))

		handler := rpc.New(cfg.RPC, nil, nil, store, engine, hub, nil)
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

		ctxRun, cancel := context.WithCancel(context.Background())
		defer cancel()
		go watchdogLoop(ctxRun, engine, cfg.Policy.WatchdogInterval)

		go func() {
			log.Info("coordinator RPC listening", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("rpc server stopped", "err", err)
			}
		}()

		waitForShutdown()
		log.Info("shutting down")
		cancel()
		return srv.Shutdown(context.Background())
	},
}

func watchdogLoop(ctx context.Context, engine *coordinator.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := engine.ExpireWatchdog()
			if err != nil {
				log.Warn("watchdog pass failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("watchdog expired jobs", "count", n)
			}
		}
	}
}

var migrateCommand = cli.Command{
	Name:  "migrate",
	Usage: "apply pending schema migrations",
	Flags: []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		store := openStore(cfg)
		if err := storage.Migrate(cfg.DataDir, store); err != nil {
			fmt.Fprintln(os.Stderr, "migration failed:", err)
			os.Exit(3)
		}
		fmt.Println("migration complete")
		return nil
	},
}

var auditLogCommand = cli.Command{
	Name:  "audit-log",
	Usage: "print the audit trail as newline-delimited JSON",
	Flags: []cli.Flag{auditFileFlag},
	Action: func(ctx *cli.Context) error {
		records, err := audit.Read(ctx.String(auditFileFlag.Name))
		if err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		enc := json.NewEncoder(os.Stdout)
		for _, r := range records {
			_ = enc.Encode(r)
		}
		return nil
	},
}

var tenantsListCommand = cli.Command{
	Name:  "list",
	Usage: "list tenants",
	Flags: []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		store := openStore(cfg)
		tenants, err := store.ListTenants()
		if err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		for _, t := range tenants {
			fmt.Printf("%s\t%s\n", t.ID, t.Name)
		}
		return nil
	},
}

var tenantsAddCommand = cli.Command{
	Name:      "add",
	Usage:     "add a tenant",
	ArgsUsage: "<id> <name>",
	Flags:     []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		if ctx.NArg() != 2 {
			return cli.NewExitError("usage: tenants add <id> <name>", 64)
		}
		store := openStore(cfg)
		err := store.UpsertTenant(&storage.TenantRow{
			ID: ctx.Args().Get(0), Name: ctx.Args().Get(1), CreatedAt: time.Now(),
		})
		if err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		return nil
	},
}

var tenantsRemoveCommand = cli.Command{
	Name:      "remove",
	Usage:     "remove a tenant",
	ArgsUsage: "<id>",
	Flags:     []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		if ctx.NArg() != 1 {
			return cli.NewExitError("usage: tenants remove <id>", 64)
		}
		store := openStore(cfg)
		if err := store.DeleteTenant(ctx.Args().Get(0)); err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		return nil
	},
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
