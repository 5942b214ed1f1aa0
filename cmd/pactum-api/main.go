package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/auth"
	"github.com/MarcoPoloResearchLab/pactum/internal/config"
	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"github.com/MarcoPoloResearchLab/pactum/internal/database"
	"github.com/MarcoPoloResearchLab/pactum/internal/logging"
	"github.com/MarcoPoloResearchLab/pactum/internal/metrics"
	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/MarcoPoloResearchLab/pactum/internal/server"
	"github.com/MarcoPoloResearchLab/pactum/internal/tracing"
	"github.com/MarcoPoloResearchLab/pactum/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	roomTicketIssuer   = "pactum-api"
	tracingServiceName = "pactum-api"
	shutdownTimeout    = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pactum-api",
		Short: "Collaborative contract editing backend",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Origins allowed for CORS and websockets")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("session-cookie", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("ticket-ttl-seconds", defaults.GetInt("realtime.ticket_ttl_seconds"), "Room ticket lifetime in seconds")
	cmd.PersistentFlags().Int("peer-buffer", defaults.GetInt("realtime.peer_buffer"), "Outbound message buffer per room peer")
	cmd.PersistentFlags().Int("checkpoint-every", defaults.GetInt("realtime.checkpoint_every"), "Replica updates between room checkpoints")
	cmd.PersistentFlags().String("tracing-exporter", defaults.GetString("tracing.exporter"), "Span exporter (none, stdout)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "session-issuer")
	bindFlag(cmd, "auth.cookie_name", "session-cookie")
	bindFlag(cmd, "realtime.ticket_ttl_seconds", "ticket-ttl-seconds")
	bindFlag(cmd, "realtime.peer_buffer", "peer-buffer")
	bindFlag(cmd, "realtime.checkpoint_every", "checkpoint-every")
	bindFlag(cmd, "tracing.exporter", "tracing-exporter")
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

	tracerProvider, err := tracing.NewProvider(tracing.Config{Exporter: appConfig.TracingExporter, ServiceName: tracingServiceName})
	if err != nil {
		return err
	}
	tracing.Install(tracerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookie,
	})
	if err != nil {
		return err
	}
	roomTickets, err := auth.NewRoomTicketIssuer(auth.RoomTicketConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        roomTicketIssuer,
		TTL:           appConfig.TicketTTL,
	})
	if err != nil {
		return err
	}

	contractsService, err := contracts.NewService(contracts.ServiceConfig{
		Database:       db,
		Clock:          time.Now,
		IDProvider:     contracts.NewUUIDProvider(),
		Logger:         logger,
		TracerProvider: tracerProvider,
	})
	if err != nil {
		return err
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	apiMetrics := metrics.New()
	hub := rooms.NewHub(rooms.HubConfig{
		Store:           server.NewReplicaStore(contractsService),
		Logger:          logger,
		Metrics:         apiMetrics,
		PeerBuffer:      appConfig.PeerBuffer,
		CheckpointEvery: appConfig.CheckpointEvery,
	})
	defer hub.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Contracts:      contractsService,
		Sessions:       sessionValidator,
		Profiles:       usersService,
		Tickets:        roomTickets,
		Hub:            hub,
		Metrics:        apiMetrics,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		TracerProvider: tracerProvider,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
