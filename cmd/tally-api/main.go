package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floorsight/tally/internal/config"
	"github.com/floorsight/tally/internal/counts"
	"github.com/floorsight/tally/internal/database"
	"github.com/floorsight/tally/internal/domain"
	"github.com/floorsight/tally/internal/history"
	"github.com/floorsight/tally/internal/locations"
	"github.com/floorsight/tally/internal/logging"
	"github.com/floorsight/tally/internal/realtime"
	"github.com/floorsight/tally/internal/server"
	"github.com/floorsight/tally/internal/stamps"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tally-api",
		Short: "Floorsight Tally count aggregation service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

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

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

	hub := realtime.NewHub(realtime.HubConfig{Logger: logger})

	countsService, err := counts.NewService(counts.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	revisionLog, err := history.NewLog(history.LogConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: domain.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	historyCoordinator, err := history.NewCoordinator(history.CoordinatorConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		Counts:   countsService,
		Events:   hub,
	})
	if err != nil {
		return err
	}

	stampsService, err := stamps.NewService(stamps.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: domain.NewUUIDProvider(),
		Logger:     logger,
		Counts:     countsService,
		Revisions:  revisionLog,
		Events:     hub,
	})
	if err != nil {
		return err
	}

	locationsService, err := locations.NewService(locations.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: domain.NewUUIDProvider(),
		Logger:     logger,
		Counts:     countsService,
		Revisions:  revisionLog,
		Events:     hub,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Stamps:    stampsService,
		Locations: locationsService,
		Counts:    countsService,
		History:   historyCoordinator,
		Hub:       hub,
		Logger:    logger,
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
