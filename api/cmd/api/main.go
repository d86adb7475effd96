package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/hanami-labs/hanami/api/handlers"
	"github.com/hanami-labs/hanami/api/metrics"
	"github.com/hanami-labs/hanami/api/server"
	"github.com/hanami-labs/hanami/token/pkg/community"
	"github.com/hanami-labs/hanami/token/pkg/ledger"
	"github.com/hanami-labs/hanami/token/pkg/redeem"
	"github.com/hanami-labs/hanami/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on (or set LISTEN_ADDR env var)")
	ledgerURLFlag := flag.String("ledger-url", "", "token ledger RPC URL (or set LEDGER_URL env var)")
	registryURLFlag := flag.String("registry-url", "", "redemption registry base URL (or set REGISTRY_URL env var)")
	communityURLFlag := flag.String("community-url", "", "community service base URL (or set COMMUNITY_URL env var)")
	spenderFlag := flag.String("spender", "", "registry spender account approved during redemption (or set SPENDER_ACCOUNT env var)")
	probeAccountFlag := flag.String("ready-probe-account", "", "account queried on /readyz to verify ledger reachability (or set READY_PROBE_ACCOUNT env var)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins (or set ALLOWED_ORIGINS env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 15*time.Second, "maximum time to wait for graceful shutdown")
	cacheTTLFlag := flag.Duration("cache-ttl", 30*time.Second, "TTL for cached account summaries and item lists")

	flag.Parse()

	// Best-effort; a missing .env file is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if envListenAddr := os.Getenv("LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}
	if envLedgerURL := os.Getenv("LEDGER_URL"); envLedgerURL != "" {
		*ledgerURLFlag = envLedgerURL
	}
	if envRegistryURL := os.Getenv("REGISTRY_URL"); envRegistryURL != "" {
		*registryURLFlag = envRegistryURL
	}
	if envCommunityURL := os.Getenv("COMMUNITY_URL"); envCommunityURL != "" {
		*communityURLFlag = envCommunityURL
	}
	if envSpender := os.Getenv("SPENDER_ACCOUNT"); envSpender != "" {
		*spenderFlag = envSpender
	}
	if envProbe := os.Getenv("READY_PROBE_ACCOUNT"); envProbe != "" {
		*probeAccountFlag = envProbe
	}
	if envOrigins := os.Getenv("ALLOWED_ORIGINS"); envOrigins != "" {
		*allowedOriginsFlag = []string{envOrigins}
	}

	if *ledgerURLFlag == "" {
		return fmt.Errorf("--ledger-url is required")
	}
	if *registryURLFlag == "" {
		return fmt.Errorf("--registry-url is required")
	}
	if *communityURLFlag == "" {
		return fmt.Errorf("--community-url is required")
	}
	if *spenderFlag == "" {
		return fmt.Errorf("--spender is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      sentryEnv,
			Release:          version,
			TracesSampleRate: 0.1,
		}); err != nil {
			log.Warn("sentry init failed, continuing without error reporting", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	spender, err := ledger.ParseAccount(*spenderFlag)
	if err != nil {
		return fmt.Errorf("invalid spender account: %w", err)
	}

	var probeAccount ledger.Account
	if *probeAccountFlag != "" {
		probeAccount, err = ledger.ParseAccount(*probeAccountFlag)
		if err != nil {
			return fmt.Errorf("invalid ready probe account: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	ledgerClient, err := ledger.NewRPCClient(ledger.RPCConfig{
		Logger:     log,
		URL:        *ledgerURLFlag,
		HTTPClient: httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	registryClient, err := redeem.NewRegistryClient(redeem.RegistryConfig{
		Logger:     log,
		BaseURL:    *registryURLFlag,
		HTTPClient: httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}

	communityClient, err := community.NewHTTPClient(community.HTTPConfig{
		Logger:     log,
		BaseURL:    *communityURLFlag,
		HTTPClient: httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create community client: %w", err)
	}

	cache := handlers.NewAccountCache(nil, *cacheTTLFlag)

	driver, err := redeem.New(redeem.Config{
		Logger:   log,
		Ledger:   ledgerClient,
		Registry: registryClient,
		Spender:  spender,
		Cache:    cache,
	})
	if err != nil {
		return fmt.Errorf("failed to create redemption orchestrator: %w", err)
	}

	trigger, err := community.NewTrigger(community.TriggerConfig{
		Logger: log,
		Client: communityClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create distribution trigger: %w", err)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	srv, err := server.New(server.Config{
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		AllowedOrigins:  *allowedOriginsFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		ReadyProbeAccount: probeAccount,
		HandlerConfig: handlers.Config{
			Logger:      log,
			Ledger:      ledgerClient,
			Registry:    registryClient,
			Driver:      driver,
			Distributor: trigger,
			Cache:       cache,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}
