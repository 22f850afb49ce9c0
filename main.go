package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ledger-todo/api"
	"ledger-todo/config"
	"ledger-todo/emulator"
	"ledger-todo/engine"
	"ledger-todo/ledger"
	"ledger-todo/storage"
)

// signingWindow is how long a user may take to answer the wallet prompt.
const signingWindow = 2 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		opts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	module := ledger.Module{Address: cfg.ModuleAddress}
	gw, err := newGateway(cfg, module, rc, logger)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	orch := engine.New(gw, module, engine.Config{
		FetchConcurrency:     cfg.FetchConcurrency,
		ReconcileAfterCreate: cfg.ReconcileAfterCreate,
		MutationTimeout:      cfg.ConfirmTimeout + signingWindow,
	}, logger)

	var deduper api.Deduper
	if rc != nil {
		deduper = storage.NewRedisDeduper(rc, cfg.DeduperTTL)
		feed := storage.NewUpdateFeed(rc, cfg.UpdatesChannel, logger)
		go feed.Subscribe(ctx, orch.HandleLedgerUpdate)
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set; idempotency keys and ledger update feed disabled")
	}

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.JSONSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, orch, auth, deduper, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown")
		}
	}()

	logger.WithFields(log.Fields{"mode": cfg.LedgerMode, "module": cfg.ModuleAddress, "port": cfg.Port}).Info("ledger-todo starting")
	if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func newGateway(cfg config.Config, module ledger.Module, rc *redis.Client, logger *log.Logger) (ledger.Gateway, error) {
	poll := ledger.PollConfig{Initial: cfg.ConfirmPollInterval, Timeout: cfg.ConfirmTimeout}

	var gw ledger.Gateway
	switch cfg.LedgerMode {
	case config.ModeNode:
		signer := ledger.NewBridgeSigner(cfg.WalletBridgeURL, nil)
		gw = ledger.NewNodeGateway(cfg.LedgerNodeURL, signer, ledger.NodeOptions{Poll: poll, Logger: logger})
	case config.ModeEmulator:
		store, err := emulator.NewTableStore(cfg.StorageConnectionString, cfg.ResourcesTable, cfg.EntriesTable, cfg.ReceiptsTable)
		if err != nil {
			return nil, fmt.Errorf("table store: %w", err)
		}
		queue, err := emulator.NewAzureQueue(cfg.StorageConnectionString, cfg.TxQueue)
		if err != nil {
			return nil, fmt.Errorf("transaction queue: %w", err)
		}
		gw = emulator.NewGateway(module, store, queue, emulator.GatewayOptions{Poll: poll, Logger: logger})
	case config.ModeMemory:
		opts := emulator.GatewayOptions{Poll: poll, Logger: logger}
		if rc != nil {
			opts.Notify = storage.NewUpdateFeed(rc, cfg.UpdatesChannel, logger)
		}
		gw, _ = emulator.NewMemoryGateway(module, opts)
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.LedgerMode)
	}

	if rc != nil {
		gw = storage.NewEntryCache(gw, rc, cfg.EntryCacheTTL)
	}
	return gw, nil
}

func newAuth(cfg config.AuthConfig) (*api.Auth, error) {
	opts := api.AuthOptions{LocalMode: cfg.LocalMode, LocalSecret: cfg.LocalSecret, KeyCacheTTL: cfg.JWKSCacheTTL}
	if cfg.LocalMode != "" {
		return api.NewAuth(nil, cfg.Auth0Audience, "", opts)
	}
	if cfg.Auth0Audience == "" || cfg.Auth0Domain == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/", opts)
}
