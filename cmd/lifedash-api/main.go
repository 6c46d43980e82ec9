package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lifedash/backend/internal/auth"
	"github.com/lifedash/backend/internal/config"
	"github.com/lifedash/backend/internal/database"
	"github.com/lifedash/backend/internal/handoff"
	"github.com/lifedash/backend/internal/logging"
	"github.com/lifedash/backend/internal/mal"
	"github.com/lifedash/backend/internal/provider"
	"github.com/lifedash/backend/internal/secretbox"
	"github.com/lifedash/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lifedash-api",
		Short: "LifeDash account-linking backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	rootCmd.AddCommand(newSessionTokenCommand())
	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redirect-base-url", defaults.GetString("oauth.redirect_base_url"), "Base URL for post-link browser redirects")
	cmd.PersistentFlags().Int("sync-cooldown-minutes", defaults.GetInt("sync.cooldown_minutes"), "Minimum minutes between manual syncs")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "oauth.redirect_base_url", "redirect-base-url")
	bindFlag(cmd, "sync.cooldown_minutes", "sync-cooldown-minutes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// .env is a developer convenience; a missing file is not an error.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	registry := provider.NewRegistry(appConfig.Providers)

	var box *secretbox.Box
	if appConfig.TokenCipherKey != "" {
		box, err = secretbox.New(appConfig.TokenCipherKey)
		if err != nil {
			logger.Warn("token cipher key unusable; tokens will not be persisted", zap.Error(err))
			box = nil
		}
	}

	linkStates := handoff.New[mal.LinkPayload]()
	defer linkStates.Close()

	malService, err := mal.NewService(mal.ServiceConfig{
		Database:        db,
		Client:          mal.NewClient(mal.ClientConfig{Credentials: appConfig.MAL}),
		Handoff:         linkStates,
		Box:             box,
		Logger:          logger,
		RedirectBaseURL: appConfig.RedirectBaseURL,
		RedirectPath:    appConfig.RedirectPath,
		Cooldown:        appConfig.SyncCooldown,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: sessions,
		Registry: registry,
		MAL:      malService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newSessionTokenCommand mints a development session token so the API can be
// exercised without the hosted auth frontend.
func newSessionTokenCommand() *cobra.Command {
	var userID, email, displayName string
	var ttlMinutes int

	cmd := &cobra.Command{
		Use:   "session-token",
		Short: "Mint a development session token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
			})
			if err != nil {
				return err
			}
			token, err := issuer.IssueSessionToken(userID, email, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "dev-user", "Subject user id")
	cmd.Flags().StringVar(&email, "email", "", "User email claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "User display name claim")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 720, "Token lifetime in minutes")
	return cmd
}
