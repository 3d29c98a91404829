package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/mpc-vault/api/vaulthandler"
	"github.com/ruteri/mpc-vault/cmd/flags"
	"github.com/ruteri/mpc-vault/httpserver"
	"github.com/ruteri/mpc-vault/registry"
	"github.com/ruteri/mpc-vault/vault"
	"github.com/urfave/cli/v2"
)

var VaultServiceLogFlag = flags.LogServiceFlagFn("mpc-vault")

var ExpiryIntervalFlag = &cli.DurationFlag{
	Name:  "expiry-interval",
	Value: 10 * time.Second,
	Usage: "how often to check for stale computation and attestation requests",
}

func main() {
	app := &cli.App{
		Name:  "vault-server",
		Usage: "Serve the threshold-shared vault API",
		Flags: append(append(VaultFlags, flags.ListenAddrFlag, ExpiryIntervalFlag, VaultServiceLogFlag), flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			store, closeStore, err := vaultStore(cCtx.String(DBPathFlag.Name), logger)
			if err != nil {
				logger.Error("Failed to open vault store", "err", err)
				return err
			}
			defer closeStore()

			reg, err := registry.NewVaultRegistry(store, registry.DefaultCacheSize, logger)
			if err != nil {
				logger.Error("Failed to create vault registry", "err", err)
				return err
			}

			blobs, err := blobStore(cCtx.StringSlice(StorageFlag.Name), logger)
			if err != nil {
				logger.Error("Failed to configure storage", "err", err)
				return err
			}
			logger.Info("Share storage configured", "backend", blobs.Name(), "uri", blobs.LocationURI())

			w, err := setupFabric(cCtx, blobs, logger)
			if err != nil {
				logger.Error("Failed to configure fabric", "err", err)
				return err
			}

			svc, err := vault.NewService(w.cfg, reg, blobs, w.fabric, w.attestors, logger)
			if err != nil {
				logger.Error("Failed to create vault service", "err", err)
				return err
			}
			w.connect(svc)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if w.cfg.ComputeTimeout > 0 || w.cfg.AttestationTimeout > 0 {
				go svc.RunExpiry(ctx, cCtx.Duration(ExpiryIntervalFlag.Name))
			}

			handler := vaulthandler.NewHandler(
				svc,
				vaulthandler.NewAuthenticator(vaulthandler.DefaultNonceLimit, cCtx.Duration(NonceTTLFlag.Name)),
				w.callers,
				w.cfg.Attestors,
				logger,
			)

			server := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name)), handler)
			server.RunInBackground()

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			cancel()
			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
