// Command chain runs the PoA settlement node (C5/C6): block production,
// mempool admission, and (devnet only) a faucet for seeding test accounts.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/oib/aitbc/internal/chain"
	"github.com/oib/aitbc/internal/config"
	"github.com/oib/aitbc/internal/gossip"
	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/rpc"
	"github.com/oib/aitbc/internal/storage"
)

var log = logging.NewModuleLogger(logging.ModuleChain)

var (
	configFlag = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}
	dataDirFlag = cli.StringFlag{Name: "datadir", Usage: "data directory (overrides config)"}
	addrFlag   = cli.StringFlag{Name: "address", Usage: "this node's signing account address"}
	privFlag   = cli.StringFlag{Name: "priv", Usage: "hex-encoded ed25519 private key for block signing"}
)

func main() {
	app := cli.NewApp()
	app.Name = "chain"
	app.Usage = "aitbc settlement chain node"
	app.Flags = []cli.Flag{configFlag}
	app.Commands = []cli.Command{
		serveCommand,
		keygenCommand,
		makeGenesisCommand,
		faucetCommand,
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
	logging.Init(cfg.LogLevel, cfg.LogJSON)
	return cfg
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "run the chain node (mempool, proposer, RPC)",
	Flags: []cli.Flag{dataDirFlag, addrFlag, privFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)

		kv, err := storage.OpenKV(cfg.DataDir)
		if err != nil {
			log.Crit("failed to open block store", "err", err)
		}
		store, err := storage.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Crit("failed to open relational store", "err", err)
		}
		if err := storage.Migrate(cfg.DataDir, store); err != nil {
			fmt.Fprintln(os.Stderr, "migration failed:", err)
			os.Exit(3)
		}

		address := ctx.String(addrFlag.Name)
		privHex := ctx.String(privFlag.Name)
		if address == "" || privHex == "" {
			log.Crit("serve requires --address and --priv (run `chain keygen` first)")
		}
		privBytes, err := hex.DecodeString(privHex)
		if err != nil || len(privBytes) != ed25519.PrivateKeySize {
			log.Crit("malformed --priv", "err", err)
		}
		priv := ed25519.PrivateKey(privBytes)

		cfg.Chain.TrustedProposers = map[string]bool{address: true}

		c := chain.NewChain(kv, store, cfg.Chain)
		mempool := chain.NewMempool(uint64(cfg.Chain.MaxTxsPerBlock) * 64)
		resolver := chain.AccountKeyResolver{Store: store}
		validator := chain.NewValidator(store, cfg.Chain, resolver, chain.DevnetAttestor{})

		broker := gossip.NewInProcessBroker(256)
		proposer := chain.NewProposer(c, mempool, validator, priv, address, gossip.BlockBroadcaster{Broker: broker})

		ctxRun, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := proposer.Run(ctxRun); err != nil {
				log.Error("proposer stopped", "err", err)
			}
		}()

		handler := rpc.New(cfg.RPC, c, mempool, store, nil, nil, broker)
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
		go func() {
			log.Info("chain RPC listening", "addr", cfg.ListenAddr)
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

var keygenCommand = cli.Command{
	Name:  "keygen",
	Usage: "generate a new ed25519 signing keypair",
	Action: func(ctx *cli.Context) error {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return err
		}
		fmt.Printf("address: %s\n", hex.EncodeToString(pub))
		fmt.Printf("priv:    %s\n", hex.EncodeToString(priv))
		return nil
	},
}

var makeGenesisCommand = cli.Command{
	Name:      "make-genesis",
	Usage:     "seed an account with an initial balance",
	ArgsUsage: "<address> <pubkey-hex> <balance>",
	Flags:     []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		if ctx.NArg() != 3 {
			return cli.NewExitError("usage: make-genesis <address> <pubkey-hex> <balance>", 64)
		}
		address, pubHex, balanceStr := ctx.Args().Get(0), ctx.Args().Get(1), ctx.Args().Get(2)
		pubBytes, err := hex.DecodeString(pubHex)
		if err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		var balance uint64
		if _, err := fmt.Sscanf(balanceStr, "%d", &balance); err != nil {
			return cli.NewExitError("invalid balance: "+err.Error(), 64)
		}
		store, err := storage.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
		if err := chain.RegisterAccount(store, address, pubBytes, balance); err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		fmt.Printf("seeded %s with balance %d\n", address, balance)
		return nil
	},
}

var faucetCommand = cli.Command{
	Name:      "faucet",
	Usage:     "devnet only: top up an account's balance",
	ArgsUsage: "<address> <amount>",
	Flags:     []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		if ctx.NArg() != 2 {
			return cli.NewExitError("usage: faucet <address> <amount>", 64)
		}
		address, amountStr := ctx.Args().Get(0), ctx.Args().Get(1)
		var amount uint64
		if _, err := fmt.Sscanf(amountStr, "%d", &amount); err != nil {
			return cli.NewExitError("invalid amount: "+err.Error(), 64)
		}
		store, err := storage.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
		acct, err := store.GetAccount(address)
		if err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		acct.Balance += amount
		if err := store.UpsertAccount(acct); err != nil {
			return cli.NewExitError(err.Error(), 64)
		}
		fmt.Printf("%s balance is now %d\n", address, acct.Balance)
		return nil
	},
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
