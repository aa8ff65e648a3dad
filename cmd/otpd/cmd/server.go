package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otpd/otpd/api"
	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/config"
	"github.com/otpd/otpd/identity"
	"github.com/otpd/otpd/internal/audit"
	"github.com/otpd/otpd/internal/logging"
	"github.com/otpd/otpd/storage"
	bboltstorage "github.com/otpd/otpd/storage/bbolt"
	"github.com/otpd/otpd/storage/postgres"
	"github.com/otpd/otpd/token"
	"github.com/otpd/otpd/validate"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logging.NewLogger(cfg.Environment)

		sealKey, err := cfg.SealKey()
		if err != nil {
			return err
		}

		var repo storage.Repository
		var closeRepo func()
		if cfg.PostgresDSN != "" {
			store, err := postgres.NewRepositoryFromDSN(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connecting to postgres: %w", err)
			}
			repo, closeRepo = store, store.Close
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
			store, err := bboltstorage.NewRepositoryFromFile(cfg.DataDir+"/otpd.db", nil)
			if err != nil {
				return fmt.Errorf("opening token storage: %w", err)
			}
			repo = store
			closeRepo = func() { store.Close() }
		}
		defer closeRepo()

		tokens, err := token.NewStore(repo, sealKey)
		if err != nil {
			return err
		}

		var challenges challenge.Store
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			if err := client.Ping(cmd.Context()).Err(); err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			challenges = challenge.NewRedisStore(client, cfg.MaxOpenChallenges)
		} else {
			challenges = challenge.NewMemoryStore(cfg.MaxOpenChallenges)
		}

		var dir interface {
			identity.UserDirectory
			identity.ConfigSource
		}
		if cfg.UsersFile != "" {
			fileDir, err := identity.NewFileDirectory(cfg.UsersFile)
			if err != nil {
				return err
			}
			dir = fileDir
		} else {
			log.Warn("no users file configured, user lookups will fail")
			dir = emptyDirectory{}
		}

		opts := []validate.Option{}
		if cfg.AuditLogPath != "" {
			w := os.Stdout
			if cfg.AuditLogPath != "-" {
				f, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return fmt.Errorf("opening audit log: %w", err)
				}
				defer f.Close()
				w = f
			}
			dispatcher := audit.NewDispatcher(audit.NewJSONWriterSink(w), 64)
			defer dispatcher.Close()
			opts = append(opts, validate.WithAudit(dispatcher))
		}

		handler := validate.NewHandler(tokens, challenges,
			identity.NewResolver(dir, dir), log,
			validate.Config{
				ChallengeTTL:  cfg.ChallengeTTL,
				PairingScheme: cfg.PairingScheme,
				TANLength:     cfg.TANLength,
				CallbackURL:   cfg.CallbackURL,
				CallbackSMS:   cfg.CallbackSMS,
			}, opts...)

		a := api.New(handler, api.WithLogger(log))

		// Background expiry sweep; lookups also apply expiry, this just
		// keeps the store from accumulating stale open challenges.
		sweepCtx, stopSweep := context.WithCancel(context.Background())
		defer stopSweep()
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case now := <-ticker.C:
					if n, err := challenges.ExpireSweep(sweepCtx, now); err != nil {
						log.Warn("challenge expiry sweep failed", "error", err)
					} else if n > 0 {
						log.Debug("expired challenges swept", "count", n)
					}
				}
			}
		}()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		log.Info("server started", "addr", cfg.ListenAddr, "environment", cfg.Environment)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			log.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// emptyDirectory answers every lookup with not-found. It backs the
// server when no users file is configured, where serial-based checks
// still work.
type emptyDirectory struct{}

func (emptyDirectory) LookupByLogin(context.Context, string, string) (*identity.Record, error) {
	return nil, identity.ErrNotFound
}

func (emptyDirectory) LookupByID(context.Context, string, string) (*identity.Record, error) {
	return nil, identity.ErrNotFound
}

func (emptyDirectory) CheckPassword(context.Context, string, string, string) (bool, error) {
	return false, identity.ErrNotFound
}

func (emptyDirectory) RealmResolvers(string) ([]string, error) { return nil, nil }

func (emptyDirectory) ResolverConfig(string) (map[string]string, error) {
	return map[string]string{}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
