package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sodachain/config"
	"sodachain/crypto"
	"sodachain/native/bank"
	"sodachain/native/calculator"
	"sodachain/native/registry"
	"sodachain/native/token"
	"sodachain/native/vault"
	"sodachain/observability/logging"
	"sodachain/observability/metrics"
	"sodachain/state"
	"sodachain/storage"
)

func main() {
	configFile := flag.String("config", "./sodachain.toml", "Path to the configuration file")
	adminFlag := flag.String("admin", "", "Bech32 address administering pools and calculators")
	stakingFlag := flag.String("staking", "", "Bech32 address of the deposit gateway (defaults to the admin)")
	metricsListen := flag.String("metrics-listen", ":9464", "Listen address for the Prometheus endpoint")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SODA_ENV"))
	logger := logging.Setup("sodachaind", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	admin, err := resolveAddress(*adminFlag, logger, "admin")
	if err != nil {
		logger.Error("Failed to resolve admin address", slog.Any("error", err))
		os.Exit(1)
	}
	staking := admin
	if strings.TrimSpace(*stakingFlag) != "" {
		if staking, err = crypto.DecodeAddress(*stakingFlag); err != nil {
			logger.Error("Failed to resolve staking address", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var db storage.Database
	if strings.TrimSpace(cfg.DataDir) == "" {
		logger.Warn("No DataDir configured, state will not survive restarts")
		db = storage.NewMemDB()
	} else {
		db, err = storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("Failed to open database", slog.Any("error", err))
			os.Exit(1)
		}
	}
	defer db.Close()

	manager := state.NewManager(db)

	// TODO: load the bank module key from an encrypted keystore instead of
	// deriving a fresh one on every boot.
	bankKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		logger.Error("Failed to generate bank module key", slog.Any("error", err))
		os.Exit(1)
	}
	bankAddr := bankKey.PubKey().Address()

	engine, err := wirePools(cfg, manager, admin, staking, bankAddr)
	if err != nil {
		logger.Error("Failed to wire pools", slog.Any("error", err))
		os.Exit(1)
	}
	engine.SetCollectMinAge(cfg.CollectMinAgeSeconds)

	registryProm := prometheus.NewRegistry()
	if err := metrics.Bank().Register(registryProm); err != nil {
		logger.Error("Failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registryProm, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              *metricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Metrics endpoint listening",
			slog.String("addr", *metricsListen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
			stop()
		}
	}()

	logger.Info("Lending ledger ready",
		slog.String("bankModule", bankAddr.String()),
		slog.String("admin", admin.String()),
		slog.Int("pools", len(cfg.Pools)))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", slog.Any("error", err))
	}
}

// resolveAddress decodes the flag value when present, otherwise derives a
// fresh address so development boots need no setup.
func resolveAddress(flagValue string, logger *slog.Logger, role string) (crypto.Address, error) {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return crypto.DecodeAddress(trimmed)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, err
	}
	addr := key.PubKey().Address()
	logger.Warn("No address configured, generated an ephemeral one",
		slog.String("role", role),
		slog.String("address", addr.String()))
	return addr, nil
}

// wirePools builds a vault, debt token and calculator per configured pool,
// hands control of the first two to the bank module and returns the engine
// fronting them all.
func wirePools(cfg *config.Config, manager *state.Manager, admin, staking, bankAddr crypto.Address) (*bank.Engine, error) {
	reg := registry.New(admin)
	engine := bank.NewEngine(bankAddr, reg)
	engine.SetState(manager)

	for _, pc := range cfg.Pools {
		v := vault.New(pc.VaultID, admin)
		v.SetState(manager)
		if err := v.SetController(admin, bankAddr); err != nil {
			return nil, fmt.Errorf("pool %q: %w", pc.ID, err)
		}
		if err := v.SetStaking(admin, staking); err != nil {
			return nil, fmt.Errorf("pool %q: %w", pc.ID, err)
		}

		tok := token.New(pc.DebtTokenSymbol, admin)
		tok.SetState(manager)
		if err := tok.TransferMinter(admin, bankAddr); err != nil {
			return nil, fmt.Errorf("pool %q: %w", pc.ID, err)
		}

		calc, err := calculator.New(admin, pc.CalculatorParams())
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", pc.ID, err)
		}

		if err := reg.SetPool(admin, registry.Pool{
			ID:         pc.ID,
			DebtToken:  tok,
			Vault:      v,
			Calculator: calc,
		}); err != nil {
			return nil, fmt.Errorf("pool %q: %w", pc.ID, err)
		}
	}
	return engine, nil
}
