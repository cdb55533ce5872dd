package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/ga-report-client/internal/config"
	"github.com/Sternrassler/ga-report-client/pkg/client"
	"github.com/Sternrassler/ga-report-client/pkg/logging"
	"github.com/Sternrassler/ga-report-client/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gareport",
		Short: "Fetch complete Google Analytics reports",
		Long: `gareport splits long filter lists into URL-safe requests, follows pagination
within the per-user request quota and merges every page into one report.

Examples:
  GA_ACCESS_TOKEN=... gareport fetch query.yaml > report.json
  gareport build query.yaml
  gareport serve --config gareport.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("env-file", "", "dotenv file to load (default: ./.env when present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable console logs")

	fetchCmd := &cobra.Command{
		Use:   "fetch [query.yaml]",
		Short: "Fetch and merge a report",
		Long:  "Run the query, follow every page and write the merged report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	fetchCmd.Flags().String("token", "", "Access token (default: $GA_ACCESS_TOKEN)")
	fetchCmd.Flags().StringP("out", "o", "", "Write the report to a file instead of stdout")
	fetchCmd.Flags().Bool("archive", false, "Also archive the report in Redis")

	buildCmd := &cobra.Command{
		Use:   "build [query.yaml]",
		Short: "Print the request URLs of a query",
		Long:  "Split the query into URL-length-safe requests and print them without sending anything",
		Args:  cobra.ExactArgs(1),
		RunE:  runBuild,
	}
	buildCmd.Flags().String("token", "", "Access token to include (default: omitted)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the report HTTP server",
		Long:  "Serve report runs, the report archive, health checks and Prometheus metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	rootCmd.AddCommand(fetchCmd, buildCmd, serveCmd)
	return rootCmd
}

// setup loads the configuration and configures logging for a command.
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, zerolog.Nop(), err
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if err := logging.ValidateLevel(logging.LogLevel(level)); err != nil {
			return nil, zerolog.Nop(), err
		}
		cfg.Logging.Level = level
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	return cfg, logging.NewLogger("gareport"), nil
}

// tokenSource returns a static token source for token, falling back to
// $GA_ACCESS_TOKEN. It returns nil when neither is set.
func tokenSource(token string) oauth2.TokenSource {
	if token == "" {
		token = os.Getenv("GA_ACCESS_TOKEN")
	}
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

func newClient(cfg *config.Config, ts oauth2.TokenSource) (*client.Client, error) {
	clientCfg := client.DefaultConfig()
	clientCfg.UserAgent = cfg.Client.UserAgent
	clientCfg.Timeout = cfg.Client.Timeout
	clientCfg.TokenSource = ts
	return client.New(clientCfg)
}

func newStore(cfg *config.Config, logger zerolog.Logger) (*store.Store, *redis.Client) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return store.New(redisClient, store.Config{
		TTL:         cfg.Redis.ReportTTL,
		RecentLimit: cfg.Redis.RecentLimit,
		Logger:      &logger,
	}), redisClient
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	q, err := config.LoadQuery(args[0], cfg.Client.BaseURL)
	if err != nil {
		return err
	}

	token, _ := cmd.Flags().GetString("token")
	c, err := newClient(cfg, tokenSource(token))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := c.Report(ctx, q)
	if err != nil {
		return err
	}

	if archive, _ := cmd.Flags().GetBool("archive"); archive {
		s, redisClient := newStore(cfg, logger)
		defer redisClient.Close()
		if err := s.Save(ctx, store.NewRecord(run, q)); err != nil {
			return fmt.Errorf("archive report: %w", err)
		}
		logger.Info().Str("run_id", run.ID).Msg("Report archived")
	}

	out := cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	return writeReport(out, run)
}

func writeReport(w io.Writer, run *client.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run.Result)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}

	q, err := config.LoadQuery(args[0], cfg.Client.BaseURL)
	if err != nil {
		return err
	}
	q.AccessToken, _ = cmd.Flags().GetString("token")

	c, err := newClient(cfg, nil)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	for _, set := range c.Build(q) {
		fmt.Fprintln(cmd.OutOrStdout(), set.URL())
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	c, err := newClient(cfg, nil)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	s, redisClient := newStore(cfg, logger)
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	srv := &server{
		client:      c,
		archive:     s,
		tokenSource: tokenSource(""),
		baseURL:     cfg.Client.BaseURL,
		logger:      logger,
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("user_agent", cfg.Client.UserAgent).
			Msg("Starting report server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down report server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
