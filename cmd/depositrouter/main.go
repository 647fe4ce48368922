// Command depositrouter serves the deposit address API and routes funded
// deposits to the treasury.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radhat/depositrouter/chain/eth"
	"github.com/radhat/depositrouter/config"
	"github.com/radhat/depositrouter/create2"
	"github.com/radhat/depositrouter/forwarder"
	"github.com/radhat/depositrouter/httpapi"
	"github.com/radhat/depositrouter/orchestrator"
	"github.com/radhat/depositrouter/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "depositrouter:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	factory, err := cfg.Chain.FactoryAddress()
	if err != nil {
		return err
	}
	router, err := cfg.Chain.RouterAddress()
	if err != nil {
		return err
	}
	treasury, err := cfg.Chain.TreasuryAddress()
	if err != nil {
		return err
	}
	key, err := cfg.Chain.PrivateKey()
	if err != nil {
		return err
	}

	// The init code hash is derived from the forwarder template unless the
	// deployed factory uses different bytecode.
	initCodeHash := forwarder.New(router).InitCodeHash()
	if cfg.Chain.InitCodeHash != "" {
		initCodeHash, err = create2.ParseSalt(cfg.Chain.InitCodeHash)
		if err != nil {
			return err
		}
	}

	st, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	chainClient, err := eth.Dial(ctx, cfg.Chain.RPCURL, key, factory, initCodeHash)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	orc, err := orchestrator.New(orchestrator.Config{
		Factory:            factory,
		InitCodeHash:       initCodeHash,
		Treasury:           treasury,
		Store:              st,
		Chain:              chainClient,
		Logger:             log,
		BalanceConcurrency: cfg.Routing.BalanceConcurrency,
	})
	if err != nil {
		return err
	}

	api := httpapi.NewServer(orc, factory)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Router(httpapi.WithLogger(log)),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			"addr", srv.Addr,
			"factory", factory.Hex(),
			"treasury", treasury.Hex())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
