package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sellside/coachd/internal/analysis"
	"github.com/sellside/coachd/internal/cache"
	"github.com/sellside/coachd/internal/cadence"
	"github.com/sellside/coachd/internal/config"
	"github.com/sellside/coachd/internal/gateway"
	"github.com/sellside/coachd/internal/lifecycle"
	"github.com/sellside/coachd/internal/logging"
	"github.com/sellside/coachd/internal/relay"
	"github.com/sellside/coachd/internal/store"
	"github.com/sellside/coachd/internal/transcribe"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the coachd gateway server",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			if cfg.Logging.File != "" {
				fileLog, f, err := logging.NewWithFile(cfg.Logging.File, cfg.Logging.Level)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				defer f.Close()
				log = fileLog
			}

			dbPath := cfg.Store.Path
			if dbPath == "" {
				dbPath = filepath.Join(paths.Data, "coachd.db")
			}
			db, err := store.Open(dbPath, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			calls := store.NewCallStore(db)
			catalog := store.NewCatalogStore(db)

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				log.Warn().Str("addr", cfg.Redis.Addr).Err(err).
					Msg("redis unreachable at startup, continuing degraded")
			}
			cancel()

			sessions := cache.New(rdb, hours(cfg.Session.TTLHours), log)
			rly := relay.New(rdb, log)
			hub := relay.NewHub(rly, log)

			analysisEngine := analysis.New(
				cfg.Engines.Analysis.BaseURL,
				cfg.Engines.Analysis.APIKey,
				seconds(cfg.Engines.Analysis.TimeoutSeconds),
				log,
			)
			transcriber := transcribe.New(
				cfg.Engines.Transcription.BaseURL,
				cfg.Engines.Transcription.APIKey,
				seconds(cfg.Engines.Transcription.TimeoutSeconds),
				log,
			)

			scheduler := cadence.New(analysisEngine, rly,
				seconds(cfg.Cadence.CoachingSeconds),
				seconds(cfg.Cadence.SummarySeconds),
				seconds(cfg.Cadence.SummaryWindowSeconds),
				seconds(cfg.Engines.Analysis.TimeoutSeconds),
				log,
			)

			manager := lifecycle.New(calls, catalog, sessions, rly, analysisEngine,
				minutes(cfg.Session.ResumeWindowMinutes),
				seconds(cfg.Cadence.EndTimeoutSeconds),
				log,
			)

			srv := gateway.New(cfg, gateway.Deps{
				Lifecycle:   manager,
				Relay:       rly,
				Hub:         hub,
				Sessions:    sessions,
				Scheduler:   scheduler,
				Transcriber: transcriber,
				Auth:        catalog,
				Names:       calls,
				Scripts:     catalog,
			}, log)

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func hours(n int) time.Duration   { return time.Duration(n) * time.Hour }
