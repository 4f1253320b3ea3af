package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/aide/config"
	"github.com/mohammad-safakhou/aide/internal/engine"
	srv "github.com/mohammad-safakhou/aide/internal/server"
	"github.com/mohammad-safakhou/aide/internal/store"
	"github.com/mohammad-safakhou/aide/internal/telemetry"
)

func main() {
	var root = &cobra.Command{Use: "aide"}
	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), chatCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg)
		},
	}
}

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			dsn := migrateDSN(cfg.Storage.Postgres)
			return store.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}

func chatCMD(cfgPath *string) *cobra.Command {
	var backendName string
	chat := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run one chat turn from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if backendName == "" {
				backendName = cfg.Backends.Default
			}

			eng := srv.NewEngine(cfg, telemetry.New("aide"))
			outcome := eng.Run(context.Background(), engine.Request{
				Message: strings.Join(args, " "),
				Backend: backendName,
			})
			fmt.Println(outcome.FinalText)
			if outcome.Status == engine.StatusError {
				return fmt.Errorf("request failed: %s", outcome.ErrorMessage)
			}
			return nil
		},
	}
	chat.Flags().StringVar(&backendName, "backend", "", "model backend (funcall or chatapi)")
	return chat
}

// migrateDSN builds a postgres:// URL; golang-migrate does not accept
// the key=value DSN form.
func migrateDSN(pg config.PostgresConfig) string {
	if pg.URL != "" {
		return pg.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pg.User, pg.Password, pg.Host, pg.Port, pg.DBName, pg.SSLMode)
}
