// Command regimebot runs the regime-aware trading pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/regimebot/regimebot/internal/app"
	"github.com/regimebot/regimebot/internal/config"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence/memory"
	"github.com/regimebot/regimebot/internal/persistence/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "regimebot",
		Short:        "Regime-aware crypto derivatives trading bot",
		SilenceUsage: true,
	}
	root.AddCommand(runCmd(), healthCmd(), paramsShowCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	config.SetupLogging(cfg)
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("boot: %w", err)
			}
			return a.Run(ctx)
		},
	}
}

func healthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running instance's health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := resty.New().SetTimeout(3 * time.Second)
			resp, err := client.R().SetContext(cmd.Context()).Get("http://" + addr + "/healthz")
			if err != nil {
				return fmt.Errorf("health probe: %w", err)
			}
			if resp.StatusCode() != 200 {
				return fmt.Errorf("health probe: HTTP %d", resp.StatusCode())
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "host:port of the running instance")
	return cmd
}

func paramsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params-show",
		Short: "Print the currently active parameter version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			repo := memory.NewRepository()
			if cfg.DatabaseURL != "" {
				db, err := postgres.Connect(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer db.Close()
				repo = postgres.NewRepository(db, postgres.DefaultTimeout)
			} else {
				baseline, err := config.LoadParams(cfg.ParamsFile)
				if err != nil {
					return err
				}
				if err := repo.Params.Insert(ctx, baseline); err != nil {
					return err
				}
			}

			version, err := params.NewService(repo.Params).ActiveAt(ctx, time.Now().UnixMilli())
			if err != nil {
				return err
			}
			if version == nil {
				return fmt.Errorf("no parameter version active")
			}

			out, err := yaml.Marshal(version)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
