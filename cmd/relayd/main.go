// relayd is the privacy relay daemon: it accepts gas-abstracted transfer
// requests over HTTP, routes funds through the privacy pool and streams
// per-request progress to clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/config"
	"github.com/veilpay/relayer/pipeline"
	"github.com/veilpay/relayer/service"
	"github.com/veilpay/relayer/storage"
	"github.com/veilpay/relayer/util"
	"github.com/veilpay/relayer/web3"
	"github.com/veilpay/relayer/web3/rpc"

	poolsdk "github.com/veilpay/relayer/pool"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "Privacy relay service for gas-abstracted transfers through a privacy pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run()
		},
	}
	cmd.Flags().Bool("dev", false, "run with the in-memory wallet and pool simulator, no chain access")
	cmd.Flags().String("api-host", "", "API listen host (overrides VEILPAY_API_HOST)")
	cmd.Flags().Int("api-port", 0, "API listen port (overrides VEILPAY_API_PORT)")
	for flag, key := range map[string]string{
		"dev": "dev", "api-host": "api_host", "api-port": "api_port",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Init(cfg.LogLevel, cfg.LogOutput, nil)

	database, err := metadb.New(db.TypePebble, filepath.Join(cfg.DataDir, "relayer"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	stg := storage.New(database)
	defer stg.Close()

	sim := poolsdk.NewSimPool()
	poolAddress := sim.Address
	var wallet pipeline.Wallet
	if cfg.DevMode {
		mock := pipeline.NewMockWallet()
		mock.AllowAll = true
		wallet = mock
		log.Infow("dev mode: in-memory wallet and pool simulator",
			"sampleCredential", util.RandomHex(32))
	} else {
		endpoints := rpc.NewPool()
		for _, uri := range cfg.Web3Endpoints {
			chainID, err := endpoints.AddEndpoint(parseEndpoint(uri))
			if err != nil {
				return fmt.Errorf("failed to add web3 endpoint: %w", err)
			}
			log.Infow("added web3 endpoint", "uri", uri, "chainId", chainID)
		}
		client, err := endpoints.Client()
		if err != nil {
			return err
		}
		wallet, err = web3.NewWallet(cfg.PrivateKey, client)
		if err != nil {
			return err
		}
		poolAddress = common.HexToAddress(cfg.PoolAddress)
		// TODO: bind the production pool SDK once its Go bindings ship;
		// until then the simulator stands in for the pool side.
		log.Warnw("no production pool SDK configured, using the in-memory simulator")
	}

	pipe, err := pipeline.New(wallet, sim, pipeline.Config{
		PoolAddress:     poolAddress,
		POIPollInterval: cfg.POIPollInterval,
		POITimeout:      cfg.POITimeout,
		ResyncTimeout:   cfg.ResyncTimeout,
		TxTimeout:       cfg.TxTimeout,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	relaySvc := service.NewRelay(stg, pipe, cfg.Workers)
	if err := relaySvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay service: %w", err)
	}
	defer relaySvc.Stop()

	apiSvc := service.NewAPI(relaySvc, cfg.APIHost, cfg.APIPort)
	if err := apiSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API service: %w", err)
	}
	defer apiSvc.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("shutting down", "signal", sig.String())
	return nil
}

// parseEndpoint splits an endpoint spec "url" or "url=weight" into its parts.
func parseEndpoint(spec string) (string, int) {
	if i := strings.LastIndex(spec, "="); i > 0 {
		if w, err := strconv.Atoi(spec[i+1:]); err == nil {
			return spec[:i], w
		}
	}
	return spec, 1
}
