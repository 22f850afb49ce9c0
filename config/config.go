package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger backends.
const (
	ModeNode     = "node"
	ModeEmulator = "emulator"
	ModeMemory   = "memory"
)

// Config holds the daemon and emulator settings read from the environment.
type Config struct {
	Debug bool

	LedgerMode      string
	LedgerNodeURL   string
	WalletBridgeURL string
	ModuleAddress   string

	StorageConnectionString string
	ResourcesTable          string
	EntriesTable            string
	ReceiptsTable           string
	TxQueue                 string

	RedisConnectionString string
	UpdatesChannel        string
	EntryCacheTTL         time.Duration
	DeduperTTL            time.Duration

	FetchConcurrency     int
	ConfirmTimeout       time.Duration
	ConfirmPollInterval  time.Duration
	ReconcileAfterCreate bool

	Auth AuthConfig

	Port string
}

// AuthConfig holds the session token settings.
type AuthConfig struct {
	Auth0Domain   string
	Auth0Audience string
	// LocalMode "hs256" verifies tokens signed with LocalSecret instead of
	// the Auth0 JWKS.
	LocalMode    string
	LocalSecret  string
	JWKSCacheTTL time.Duration
}

// Load reads the configuration for the ledger mode named by LEDGER_MODE.
// Missing required values are reported together.
func Load() (Config, error) {
	return load(strings.ToLower(envString("LEDGER_MODE", ModeNode)))
}

// LoadAuth reads only the session token settings.
func LoadAuth() (AuthConfig, error) {
	var errs []string
	auth := loadAuth(func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	})
	if len(errs) > 0 {
		return auth, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return auth, nil
}

func loadAuth(fail func(string, ...any)) AuthConfig {
	auth := AuthConfig{
		Auth0Domain:   os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience: os.Getenv("AUTH0_AUDIENCE"),
		LocalMode:     strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")),
		LocalSecret:   os.Getenv("LOCAL_AUTH_SHARED_SECRET"),
		JWKSCacheTTL:  envDur("JWKS_CACHE_TTL", 15*time.Minute, fail),
	}
	switch auth.LocalMode {
	case "":
	case "hs256":
		if auth.LocalSecret == "" {
			fail("missing LOCAL_AUTH_SHARED_SECRET for LOCAL_AUTH_MODE=hs256")
		}
	default:
		fail("invalid LOCAL_AUTH_MODE %q", auth.LocalMode)
	}
	return auth
}

// LoadEmulator reads the configuration of the Azure backed ledger emulator.
func LoadEmulator() (Config, error) {
	return load(ModeEmulator)
}

func load(mode string) (Config, error) {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	cfg := Config{
		Debug:                   envBool("DEBUG", false, fail),
		LedgerMode:              mode,
		LedgerNodeURL:           strings.TrimRight(os.Getenv("LEDGER_NODE_URL"), "/"),
		WalletBridgeURL:         strings.TrimRight(os.Getenv("WALLET_BRIDGE_URL"), "/"),
		ModuleAddress:           os.Getenv("MODULE_ADDRESS"),
		StorageConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		ResourcesTable:          envString("LEDGER_RESOURCES_TABLE", "LedgerResources"),
		EntriesTable:            envString("LEDGER_ENTRIES_TABLE", "LedgerEntries"),
		ReceiptsTable:           envString("LEDGER_RECEIPTS_TABLE", "LedgerReceipts"),
		TxQueue:                 envString("LEDGER_TX_QUEUE", "ledger-transactions"),
		RedisConnectionString:   os.Getenv("REDIS_CONNECTION_STRING"),
		UpdatesChannel:          envString("LEDGER_UPDATES_CHANNEL", "ledger-updates"),
		EntryCacheTTL:           envDur("ENTRY_CACHE_TTL", 10*time.Minute, fail),
		DeduperTTL:              envDur("DEDUPER_TTL", 24*time.Hour, fail),
		FetchConcurrency:        envInt("FETCH_CONCURRENCY", 1, fail),
		ConfirmTimeout:          envDur("CONFIRM_TIMEOUT", 30*time.Second, fail),
		ConfirmPollInterval:     envDur("CONFIRM_POLL_INTERVAL", 200*time.Millisecond, fail),
		ReconcileAfterCreate:    envBool("RECONCILE_AFTER_CREATE", true, fail),
		Auth:                    loadAuth(fail),
		Port:                    envString("PORT", "8080"),
	}

	if cfg.ModuleAddress == "" {
		fail("missing MODULE_ADDRESS")
	}
	switch cfg.LedgerMode {
	case ModeNode:
		if cfg.LedgerNodeURL == "" {
			fail("missing LEDGER_NODE_URL")
		}
		if cfg.WalletBridgeURL == "" {
			fail("missing WALLET_BRIDGE_URL")
		}
	case ModeEmulator:
		if cfg.StorageConnectionString == "" {
			fail("missing STORAGE_CONNECTION_STRING")
		}
	case ModeMemory:
	default:
		fail("invalid LEDGER_MODE %q", cfg.LedgerMode)
	}

	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// RedisOptions parses either a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("config: empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, fail func(string, ...any)) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		fail("invalid %s: must be a positive integer", key)
		return def
	}
	return n
}

func envDur(key string, def time.Duration, fail func(string, ...any)) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		fail("invalid %s: %q", key, v)
		return def
	}
	return d
}

func envBool(key string, def bool, fail func(string, ...any)) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		fail("invalid %s: %q", key, v)
		return def
	}
	return b
}
