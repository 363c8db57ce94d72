package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sellside/coachd/internal/config"
	"github.com/sellside/coachd/internal/version"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coachd status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("coachd %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			cfg, err := config.Load(paths.Config)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("Config:  not found (using defaults)")
				} else {
					fmt.Printf("Config:  error loading: %v\n", err)
				}
				return nil
			}

			fmt.Printf("Gateway:   port=%d bind=%s\n", cfg.Gateway.Port, cfg.Gateway.Bind)
			fmt.Printf("Redis:     %s db=%d\n", cfg.Redis.Addr, cfg.Redis.DB)

			storePath := cfg.Store.Path
			if storePath == "" {
				storePath = "(default)"
			}
			fmt.Printf("Store:     %s\n", storePath)

			fmt.Printf("Analysis:  %s\n", orUnset(cfg.Engines.Analysis.BaseURL))
			fmt.Printf("Transcribe: %s\n", orUnset(cfg.Engines.Transcription.BaseURL))
			fmt.Printf("Cadence:   coaching=%ds summary=%ds window=%ds end-timeout=%ds\n",
				cfg.Cadence.CoachingSeconds, cfg.Cadence.SummarySeconds,
				cfg.Cadence.SummaryWindowSeconds, cfg.Cadence.EndTimeoutSeconds)
			fmt.Printf("Session:   ttl=%dh resume-window=%dm\n",
				cfg.Session.TTLHours, cfg.Session.ResumeWindowMinutes)

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}
