package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jwtutil "fleetd/backend/app/jwt"
	"fleetd/backend/config"
	"fleetd/backend/initialize"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "fleetd",
	Short:         "Device connectivity and deployment controller",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the yaml config file")
	rootCmd.AddCommand(newServeCmd(), newTokenCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleetd command failed")
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket fan-out and status polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, closer, err := initialize.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			config.Watch(configPath, func(next *config.Config) {
				if err := initialize.SetLogLevel(next.Log.Level); err != nil {
					logger.Warn().Err(err).Msg("config reload")
					return
				}
				logger.Info().Str("level", next.Log.Level).Msg("log level reloaded")
			}, func(err error) {
				logger.Debug().Err(err).Msg("config watch")
			})

			app, err := initialize.Build(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() { errCh <- app.Run(ctx) }()

			select {
			case err = <-errCh:
				if err != nil {
					logger.Error().Err(err).Msg("server failed")
				}
			case <-ctx.Done():
				logger.Info().Msg("shutdown requested")
			}

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := app.Shutdown(sctx); serr != nil && err == nil {
				err = serr
			}
			return err
		},
	}
}

func newTokenCmd() *cobra.Command {
	var userID, username, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if userID == "" {
				userID = uuid.NewString()
			}
			signer := &jwtutil.Signer{Secret: []byte(cfg.JWT.Secret), Issuer: cfg.JWT.Issuer, ExpMin: cfg.JWT.ExpMin}
			token, err := signer.Sign(userID, username, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id carried by the token (random if empty)")
	cmd.Flags().StringVar(&username, "name", "operator", "username claim")
	cmd.Flags().StringVar(&role, "role", "operator", "role claim")
	return cmd
}
