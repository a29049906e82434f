package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riskpy/risk-sms/internal/config"
	"github.com/riskpy/risk-sms/internal/logging"
	"github.com/riskpy/risk-sms/internal/service"
	"github.com/riskpy/risk-sms/internal/store"
)

func main() {
	appCtx, rootCancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer rootCancel()

	configPath := config.DefaultPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}

	logLevel := slog.LevelInfo
	if env.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel <= slog.LevelDebug,
	}
	baseHandler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(logging.NewContextHandler(baseHandler))
	slog.SetDefault(logger)
	slog.Info("logging inicializado", "level", logLevel.String())

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("no se pudo cargar la configuración", slog.String("ruta", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("configuración cargada",
		slog.String("ruta", configPath),
		slog.Int("servicios", len(cfg.SMS)))

	dsn := cfg.Datasource.DSN()
	if env.DatabaseURL != "" {
		dsn = env.DatabaseURL
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		slog.Error("cadena de conexión inválida", slog.Any("error", err))
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Datasource.MaximumPoolSize)
	poolCfg.MinConns = int32(cfg.Datasource.MinimumIdle)
	poolCfg.MaxConnIdleTime = cfg.Datasource.IdleTimeoutDuration()
	poolCfg.ConnConfig.ConnectTimeout = cfg.Datasource.ConnectionTimeoutDuration()

	dbpool, err := pgxpool.NewWithConfig(appCtx, poolCfg)
	if err != nil {
		slog.Error("no se pudo conectar a la base de datos", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()
	if err := dbpool.Ping(appCtx); err != nil {
		slog.Error("no se pudo verificar la conexión a la base de datos", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("pool de conexiones a base de datos establecido")

	supervisor := service.NewSupervisor(cfg, store.New(dbpool))

	slog.Info("prendiendo risk-sms")
	if err := supervisor.Run(appCtx); err != nil {
		slog.Error("fallo de arranque", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("risk-sms finalizado")
}
