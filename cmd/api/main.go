package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"cvflow.org/internal/audit"
	"cvflow.org/internal/auth"
	"cvflow.org/internal/config"
	"cvflow.org/internal/grpcapi"
	"cvflow.org/internal/httpapi"
	"cvflow.org/internal/obs"
	"cvflow.org/internal/ratelimit"
	"cvflow.org/internal/store/memory"
	"cvflow.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const purgeInterval = time.Hour

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hasher := auth.NewHasher(cfg.BcryptCost, cfg.BcryptParallel)

	be, err := openBackend(ctx, cfg, hasher, logger)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	prov, err := auth.NewProvisioner(be.catalog)
	if err != nil {
		return err
	}
	if err := prov.EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("seed permissions: %w", err)
	}
	if err := prov.EnsureDefaultGrants(ctx); err != nil {
		return fmt.Errorf("seed role grants: %w", err)
	}

	counters, rdb, err := openCounters(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	codec, err := auth.NewCodec([]byte(cfg.SigningSecret), cfg.Issuer, nil)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(codec, be.sessions, be.users,
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(be.users, tokens, hasher,
		auth.WithLoginLimiter(ratelimit.NewLimiter(counters.addrs, cfg.LoginRateLimit, cfg.LoginRateWindow)),
		auth.WithLockout(ratelimit.NewLockout(counters.identities, cfg.LockoutThreshold, cfg.LockoutWindow)),
		auth.WithAuditor(audit.NewRecorder(be.sink, logger)),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	go janitor(ctx, cfg, svc, counters.sweepable, logger)

	probe := be.probe
	probe.Redis = rdb
	api := httpapi.New(probe, version, svc,
		httpapi.WithRateLimit(cfg.APIRatePerMinute, cfg.APIRateBurst),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins...),
		httpapi.WithTrustedProxies(cfg.TrustedProxies...),
		httpapi.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("http_listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var shutdownGRPC func()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gsrv, health := grpcapi.NewServer(svc, grpcapi.DefaultConfig())
		go func() {
			logger.Info("grpc_listening", "addr", cfg.GRPCAddr)
			if err := gsrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
		shutdownGRPC = func() {
			health.Shutdown()
			gsrv.GracefulStop()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting_down")
	case err := <-errc:
		logger.Error("server_failed", "error", err.Error())
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownGRPC != nil {
		shutdownGRPC()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

type backend struct {
	users    auth.UserRepository
	sessions auth.SessionStore
	catalog  auth.RoleCatalog
	sink     audit.Sink
	probe    httpapi.ReadyProbe
	close    func() error
}

func openBackend(ctx context.Context, cfg config.Config, hasher *auth.Hasher, logger *slog.Logger) (backend, error) {
	if cfg.DatabaseDSN != "" {
		store, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			return backend{}, fmt.Errorf("open db: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return backend{}, fmt.Errorf("ping db: %w", err)
		}
		if cfg.BootstrapEmail != "" {
			if err := bootstrapAdmin(ctx, cfg, hasher, func(u auth.User) error {
				_, err := store.CreateUser(ctx, u, "admin")
				if errors.Is(err, auth.ErrConflict) {
					logger.Info("bootstrap_admin_exists", "email", u.Email)
					return nil
				}
				return err
			}); err != nil {
				_ = store.Close()
				return backend{}, err
			}
		}
		logger.Info("store_ready", "backend", "postgres")
		return backend{
			users:    store,
			sessions: store,
			catalog:  store,
			sink:     store,
			probe:    httpapi.ReadyProbe{DB: store.DB()},
			close:    store.Close,
		}, nil
	}

	store := memory.New()
	var admin *auth.Role
	for code, name := range map[string]string{
		"admin":       "Administrator",
		"recruiter":   "Recruiter",
		"interviewer": "Interviewer",
		"viewer":      "Viewer",
	} {
		role := store.PutRole(auth.Role{Name: name, Code: code, Active: true})
		if code == "admin" {
			admin = role
		}
	}
	if cfg.BootstrapEmail != "" {
		if err := bootstrapAdmin(ctx, cfg, hasher, func(u auth.User) error {
			u.RoleID = admin.ID
			_, err := store.PutUser(u)
			return err
		}); err != nil {
			return backend{}, err
		}
	}
	logger.Warn("store_ready", "backend", "memory", "note", "state is lost on restart")
	return backend{
		users:    store,
		sessions: store,
		catalog:  store,
		sink:     store,
		close:    func() error { return nil },
	}, nil
}

func bootstrapAdmin(ctx context.Context, cfg config.Config, hasher *auth.Hasher, create func(auth.User) error) error {
	if err := auth.ValidatePassword(cfg.BootstrapPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	digest, err := hasher.Hash(ctx, cfg.BootstrapPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if err := create(auth.User{
		Email: cfg.BootstrapEmail, PasswordHash: digest, FirstName: "Admin", Active: true,
	}); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}

// loginCounters keeps address and identity keys apart so that filling one
// table cannot starve the other.
type loginCounters struct {
	addrs      ratelimit.KeyedCounter
	identities ratelimit.KeyedCounter
	sweepable  []*ratelimit.MemoryCounter
}

func openCounters(ctx context.Context, cfg config.Config) (loginCounters, redis.UniversalClient, error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return loginCounters{}, nil, fmt.Errorf("ping redis: %w", err)
		}
		rc := ratelimit.NewRedisCounter(rdb, "")
		return loginCounters{addrs: rc, identities: rc}, rdb, nil
	}
	addrs := ratelimit.NewMemoryCounter(ratelimit.WithMaxKeys(cfg.MaxTrackedKeys))
	identities := ratelimit.NewMemoryCounter(ratelimit.WithMaxKeys(cfg.MaxTrackedKeys))
	return loginCounters{
		addrs:      addrs,
		identities: identities,
		sweepable:  []*ratelimit.MemoryCounter{addrs, identities},
	}, nil, nil
}

// janitor drops idle limiter keys and purges expired refresh sessions.
func janitor(ctx context.Context, cfg config.Config, svc *auth.Service, counters []*ratelimit.MemoryCounter, logger *slog.Logger) {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	maxAge := cfg.LoginRateWindow
	if cfg.LockoutWindow > maxAge {
		maxAge = cfg.LockoutWindow
	}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sweep.C:
			for _, c := range counters {
				if n := c.Sweep(now, maxAge); n > 0 {
					logger.Debug("limiter_keys_swept", "count", n)
				}
			}
		case <-purge.C:
			if _, err := svc.PurgeExpired(ctx); err != nil {
				logger.Error("session_purge_failed", "error", err.Error())
			}
		}
	}
}
