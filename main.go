package main

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/temto-app/auth/internal/auth"
	"github.com/temto-app/auth/internal/config"
	"github.com/temto-app/auth/internal/metrics"
	"github.com/temto-app/auth/internal/oauth"
	"github.com/temto-app/auth/internal/state"
	"github.com/temto-app/auth/internal/store"
	"github.com/temto-app/auth/internal/tracing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra already printed usage errors; runtime errors were logged by the command.
		os.Exit(1)
	}
}

// newRootCmd builds the CLI. Running the binary with no subcommand serves.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "temto-auth",
		Short:         "OAuth sign-in service for the Temto signup page",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run migrations and serve HTTP until SIGINT/SIGTERM",
			Args:  cobra.NoArgs,
			RunE:  serveCmd,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			Args:  cobra.NoArgs,
			RunE:  migrateCmd,
		},
		&cobra.Command{
			Use:   "providers",
			Short: "Print the provider table and which providers are configured",
			Args:  cobra.NoArgs,
			RunE:  providersCmd,
		},
	)
	return root
}

// loadConfig loads config and installs the JSON logger at the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		return nil, err
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	// Set up slog to output as json with configured level
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))
	return cfg, nil
}

func serveCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rs) always execute before exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		return err
	}
	return nil
}

func migrateCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ps, err := store.NewPostgresStore(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("fatal", "err", err)
		return err
	}
	defer ps.Close()

	n, err := migrate(cmd.Context(), ps)
	if err != nil {
		slog.Error("fatal", "err", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
	return nil
}

func providersCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := buildProviders(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return printProviders(cmd.OutOrStdout(), reg)
}

// printProviders writes one row per provider in display order.
func printProviders(out io.Writer, reg *oauth.Registry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPKCE\tENABLED\tCALLBACK")
	for _, p := range reg.All() {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", p.Name(), p.DisplayName(), p.RequiresPKCE(), p.Enabled(), p.CallbackPath())
	}
	return tw.Flush()
}

func migrate(ctx context.Context, ps *store.PostgresStore) (int, error) {
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	n, err := ps.Migrate(ctx, migrationsFS)
	if err != nil {
		return n, fmt.Errorf("failed to run migrations: %w", err)
	}
	return n, nil
}

// buildProviders builds the provider registry from configured credentials.
// ctx must outlive the server; it scopes the id_token key set fetches.
func buildProviders(ctx context.Context, cfg *config.Config) (*oauth.Registry, error) {
	opts := oauth.Options{
		Google:   oauth.Credentials(cfg.Google),
		Facebook: oauth.Credentials(cfg.Facebook),
		Apple:    oauth.Credentials(cfg.Apple.ProviderCredentials),
		X:        oauth.Credentials(cfg.X),
		Retry:    oauth.DefaultRetryPolicy(),
	}
	if cfg.Apple.PrivateKey != "" {
		key, err := oauth.ParseAppleKey(cfg.Apple.TeamID, cfg.Apple.KeyID, cfg.Apple.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse APPLE_PRIVATE_KEY: %w", err)
		}
		opts.AppleKey = key
	}
	return oauth.NewRegistry(oauth.Defaults(ctx, opts)...), nil
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rs.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceVersion: version,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// Create new postgres store, return errors if any
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	// Close at end of run func
	defer ps.Close()

	// Run database migrations
	if n, err := migrate(ctx, ps); err != nil {
		return err
	} else if n > 0 {
		slog.Info("migrations applied", "count", n)
	}

	// Redis backs both the session cache and single-use state nonces. Without it,
	// sessions are read from Postgres and nonces are tracked in-process.
	var (
		rs     auth.SessionCache = store.NoopSessionCache{}
		nonces auth.NonceGuard
	)
	if cfg.RedisURL != "" {
		rds, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis store: %w", err)
		}
		defer rds.Close()
		rs, nonces = rds, rds
	} else {
		slog.Warn("REDIS_URL not set; session cache disabled and state nonces are process-local")
		nonces = store.NewMemoryNonceGuard(cfg.StateTTL)
	}

	states, err := state.NewCodec(cfg.AuthSecret, cfg.StateTTL)
	if err != nil {
		return fmt.Errorf("failed to set up state codec: %w", err)
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}
	for _, p := range providers.All() {
		if !p.Enabled() {
			slog.Info("provider not configured", "provider", p.Name())
		}
	}

	m := metrics.New()
	cookies := auth.CookieConfig{Secure: cfg.CookieSecure}

	// Create AuthHandler
	h := &auth.AuthHandler{
		PS:        ps,
		RS:        rs,
		Providers: providers,
		States:    states,
		Nonces:    nonces,
		Sessions: &auth.StoreIssuer{
			PS:      ps,
			RS:      rs,
			Cookies: cookies,
			TTL:     cfg.SessionTTL,
		},
		Redirects:       auth.NewResolver(cfg.AfterLoginPath),
		Cookies:         cookies,
		PublicOrigin:    cfg.PublicOrigin,
		ExchangeTimeout: cfg.ExchangeTimeout,
		Metrics:         m,
		Tracer:          tracing.Tracer(),
	}
	rl := auth.NewRateLimiter(cfg.RateAuthRPS, cfg.RateAuthBurst, m)

	// Expired-session cleanup; stopped when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.CleanupSchedule, func() {
		n, err := ps.CleanupExpiredSessions(cleanupCtx, cfg.SessionRetention)
		if err != nil {
			slog.Warn("session cleanup failed", "error", err)
			return
		}
		m.SessionsCleaned(n)
		slog.Info("session cleanup complete", "deleted", n)
	}); err != nil {
		return fmt.Errorf("invalid SESSION_CLEANUP_SCHEDULE %q: %w", cfg.CleanupSchedule, err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, rl, m, cfg.TrustProxyHeaders),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("temto-auth listening", "addr", ln.Addr().String(), "version", version)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting new conns, then waits for in-flight requests or the timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests. Forwarded client-IP headers are only
// honoured when trustProxy is set; otherwise the limiter keys on the peer address.
func buildRouter(h *auth.AuthHandler, rl *auth.RateLimiter, m *metrics.Metrics, trustProxy bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(auth.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(rl.Middleware)

		r.Get("/providers", h.ListProviders)
		r.Get("/login/{provider}", h.StartLogin)
		r.Get("/callback/{provider}", h.Callback)

		// Authentication required routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/session", h.GetSession)

			// CSRF reads token injected by RequireAuth above
			// DO NOT RUN CSRF BEFORE RequireAuth
			r.With(h.CSRFMiddleware).Post("/logout", h.Logout)
		})
	})

	return r
}
