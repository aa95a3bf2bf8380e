// main.go - Exchange daemon: blind issuance and receipt redemption over REST.
//
// Startup sequence:
//   - load configuration (exchanged.json next to the binary by default)
//   - compile spend circuits and generate/load Groth16 keys for every level
//     up to the largest configured denomination
//   - generate issuing keypairs, one per denomination
//   - load advertiser account balances from accounts.json
//   - serve /issue/init, /issue/finalize, /redeem, /keys, /health, /metrics
//
// Usage:
//
//	exchanged -config exchanged.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"divtoken/internal/blindsig"
	"divtoken/internal/issuance"
	"divtoken/internal/redeem"
	"divtoken/internal/spendproof"
	"divtoken/internal/spentset"
)

const version = "1.2.0"

// loadAccounts reads the advertiser balance file, a flat JSON object of
// account name to prepaid units. Missing file means an empty store.
func loadAccounts(path string) (*issuance.AccountStore, error) {
	store := issuance.NewAccountStore()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("failed to open accounts file: %w", err)
	}
	defer f.Close()

	var balances map[string]uint64
	if err := json.NewDecoder(f).Decode(&balances); err != nil {
		return nil, fmt.Errorf("failed to decode accounts file: %w", err)
	}
	for account, amount := range balances {
		store.Fund(account, amount)
	}
	return store, nil
}

func run() error {
	configPath := flag.String("config", "exchanged.json", "path to configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, closer, err := NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	log.Info().Str("version", version).Str("addr", cfg.ListenAddr).Msg("exchange daemon starting")

	// Proving system: keys for every level a receipt could disclose.
	maxDenom := uint8(0)
	for _, d := range cfg.Denominations {
		if d > maxDenom {
			maxDenom = d
		}
	}
	levels := make([]uint8, 0, maxDenom+1)
	for l := uint8(0); l <= maxDenom; l++ {
		levels = append(levels, l)
	}
	verifier := spendproof.NewSystem()
	setupStart := time.Now()
	if err := verifier.SetupOrLoad(cfg.KeyDir, levels...); err != nil {
		return fmt.Errorf("proving system setup failed: %w", err)
	}
	log.Info().Dur("elapsed", time.Since(setupStart)).Int("levels", len(levels)).
		Msg("proving system ready")

	accounts, err := loadAccounts(cfg.AccountsPath)
	if err != nil {
		return err
	}

	issuer, err := issuance.NewIssuer(accounts,
		time.Duration(cfg.SessionTTLSeconds)*time.Second, log, cfg.Denominations...)
	if err != nil {
		return fmt.Errorf("issuer setup failed: %w", err)
	}
	defer issuer.Close()

	keys, err := issuerKeys(issuer)
	if err != nil {
		return err
	}
	spent := spentset.New(cfg.SpentCapacity, cfg.SpentFPRate)
	exchange := redeem.NewExchange(keys, verifier, spent, log)

	metrics := NewMetricsCollector()
	health := NewHealthChecker(version)
	health.RegisterComponent("proving_system", func() error {
		if len(verifier.Levels()) < len(levels) {
			return fmt.Errorf("only %d of %d levels ready", len(verifier.Levels()), len(levels))
		}
		return nil
	})
	health.RegisterComponent("spent_set", func() error {
		metrics.SetGauge(MetricSpentSetSize, float64(spent.Len()), nil)
		return nil
	})

	srv := &server{
		cfg:      cfg,
		issuer:   issuer,
		exchange: exchange,
		verifier: verifier,
		metrics:  metrics,
		health:   health,
		limiter: NewCallerRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRefill,
			time.Duration(cfg.RateLimitPeriodSeconds)*time.Second),
		log: log,
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.routes(),
		ReadTimeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Msg("exchange daemon ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// issuerKeys collects the issuing public keys by denomination for the
// redemption service.
func issuerKeys(issuer *issuance.Issuer) (map[uint8]*blindsig.PublicKey, error) {
	keys := make(map[uint8]*blindsig.PublicKey)
	for _, d := range issuer.Denominations() {
		pk, err := issuer.PublicKey(d)
		if err != nil {
			return nil, err
		}
		keys[d] = pk
	}
	return keys, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "exchanged: %v\n", err)
		os.Exit(1)
	}
}
