package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/groupwarden/groupwarden/internal/audit"
	"github.com/groupwarden/groupwarden/internal/config"
	"github.com/groupwarden/groupwarden/internal/evaluator"
	"github.com/groupwarden/groupwarden/internal/logger"
	"github.com/groupwarden/groupwarden/internal/retry"
	"github.com/groupwarden/groupwarden/internal/rules"
	"github.com/groupwarden/groupwarden/internal/service"
	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "groupwarden",
		Short: "Automated moderation for VRChat groups",
	}

	root.AddCommand(
		runCmd(),
		scanCmd(),
		checkUserCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the moderation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("groupwarden starting")

	store, err := rules.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open rule store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.NewLog(cfg.DataDir, log)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	api, err := vrchat.NewClient(context.Background(), vrchat.ClientConfig{
		BaseURL:      cfg.VRChatAPIURL,
		Username:     cfg.VRChatUsername,
		Password:     cfg.VRChatPassword,
		AuthCookie:   cfg.VRChatAuthCookie,
		UserAgent:    cfg.VRChatUserAgent,
		Timeout:      cfg.VRChatHTTPTimeout,
		Debug:        cfg.VRChatAPIDebug,
		ReauthMinGap: cfg.SessionReauthMinGap,
	}, log)
	if err != nil {
		return fmt.Errorf("init VRChat client: %w", err)
	}
	defer api.Close()

	svc := service.New(serviceConfig(cfg), api, store, auditLog, audit.NopBroadcaster{}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsEnabled {
		go serveMetrics(ctx, cfg.MetricsAddr, log)
	}
	go serveHealth(ctx, cfg.HealthAddr, api, log)

	log.Info().Strs("groups", cfg.Groups).Bool("dry_run", cfg.DryRun).Msg("enforcement loops starting")
	return svc.Run(ctx)
}

// scanCmd runs a one-shot member scan for a group and prints the results.
func scanCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "scan <group-id>",
		Short: "Scan all members of a group against its rules and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService()
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := svc.ScanGroupMembers(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("scan group: %w", err)
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			for _, r := range results {
				line := fmt.Sprintf("%-10s %s %s", r.Status, r.UserID, r.DisplayName)
				if r.Status == service.MemberViolation {
					line += fmt.Sprintf("  [%s: %s]", r.Verdict.RuleName, r.Verdict.Reason)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit results as JSON")
	return cmd
}

// checkUserCmd evaluates one user against a group's rules and exits non-zero
// on a violation.
func checkUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-user <group-id> <user-id>",
		Short: "Evaluate one user against a group's rules and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService()
			if err != nil {
				return err
			}
			defer cleanup()

			verdict, err := svc.CheckUser(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("check user: %w", err)
			}
			if verdict.Action == evaluator.ActionAllow {
				fmt.Println("ALLOW")
				return nil
			}
			fmt.Printf("%s rule=%q reason=%q\n", verdict.Action, verdict.RuleName, verdict.Reason)
			os.Exit(2)
			return nil
		},
	}
}

// healthcheckCmd exits 0 if the health endpoint reports healthy.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("groupwarden %s\n", Version)
		},
	}
}

// buildService constructs a Service for the one-shot commands. The returned
// cleanup closes the store, audit log, and API client.
func buildService() (*service.Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg)

	store, err := rules.NewBboltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open rule store: %w", err)
	}

	auditLog, err := audit.NewLog(cfg.DataDir, log)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	api, err := vrchat.NewClient(context.Background(), vrchat.ClientConfig{
		BaseURL:      cfg.VRChatAPIURL,
		Username:     cfg.VRChatUsername,
		Password:     cfg.VRChatPassword,
		AuthCookie:   cfg.VRChatAuthCookie,
		UserAgent:    cfg.VRChatUserAgent,
		Timeout:      cfg.VRChatHTTPTimeout,
		Debug:        cfg.VRChatAPIDebug,
		ReauthMinGap: cfg.SessionReauthMinGap,
	}, log)
	if err != nil {
		auditLog.Close()
		store.Close()
		return nil, nil, fmt.Errorf("init VRChat client: %w", err)
	}

	svc := service.New(serviceConfig(cfg), api, store, auditLog, audit.NopBroadcaster{}, log)
	cleanup := func() {
		api.Close()
		auditLog.Close()
		store.Close()
	}
	return svc, cleanup, nil
}

func serviceConfig(cfg *config.Config) service.Config {
	return service.Config{
		Groups:                    cfg.Groups,
		GatekeeperInterval:        cfg.GatekeeperInterval,
		GatekeeperRequestDelay:    cfg.GatekeeperRequestDelay,
		InstanceGuardInterval:     cfg.InstanceGuardInterval,
		InstanceGuardRequestDelay: cfg.InstanceGuardRequestDelay,
		ClosedInstanceTTL:         cfg.ClosedInstanceTTL,
		PermissionGuardInterval:   cfg.PermissionGuardInterval,
		AuditLogWindow:            cfg.AuditLogWindow,
		RoleCacheTTL:              cfg.RoleCacheTTL,
		RuleCacheSize:             cfg.RuleCacheSize,
		RuleCacheTTL:              cfg.RuleCacheTTL,
		DedupMaxEntries:           cfg.DedupMaxEntries,
		Retry: retry.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			Base:        cfg.RetryBase,
		},
		DryRun: cfg.DryRun,
	}
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("metrics server exited")
	}
}

func serveHealth(ctx context.Context, addr string, api vrchat.Client, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := api.Ping(pingCtx); err != nil {
			http.Error(w, "api unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("health server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("health server exited")
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
