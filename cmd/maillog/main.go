package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"maillog/config"
	inputredis "maillog/internal/input/redis"
	"maillog/internal/logger"
	"maillog/internal/metrics"
	"maillog/internal/parse"
	"maillog/internal/pipeline"
	"maillog/internal/rules"
	"maillog/internal/staging"
	"maillog/internal/store/postgres"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("maillog.yml"); err == nil {
		return "maillog.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "maillog.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "maillog.yml"
}

func applyDefaults(cfg *config.Config) {
	if cfg.MailLog.Schema == "" {
		cfg.MailLog.Schema = "public"
	}

	if cfg.MailLog.Input.Redis.Addr == "" {
		cfg.MailLog.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.MailLog.Input.Redis.Key == "" {
		cfg.MailLog.Input.Redis.Key = "mail_log_lines"
	}
	if cfg.MailLog.Input.Redis.BlockTimeout == 0 {
		cfg.MailLog.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if cfg.MailLog.Staging.Addr == "" {
		cfg.MailLog.Staging.Addr = "127.0.0.1:6379"
	}
	if cfg.MailLog.Staging.DB == 0 {
		cfg.MailLog.Staging.DB = 1
	}
	if cfg.MailLog.Staging.TTL <= 0 {
		cfg.MailLog.Staging.TTL = 27 * time.Hour
	}

	if cfg.MailLog.Database.Host == "" {
		cfg.MailLog.Database.Host = "127.0.0.1"
	}
	if cfg.MailLog.Database.Port == 0 {
		cfg.MailLog.Database.Port = 5432
	}
	if cfg.MailLog.Database.Name == "" {
		cfg.MailLog.Database.Name = "email_production"
	}
	if cfg.MailLog.Database.User == "" {
		cfg.MailLog.Database.User = "postgres"
	}
	if cfg.MailLog.Database.SSLMode == "" {
		cfg.MailLog.Database.SSLMode = "disable"
	}

	if cfg.MailLog.Pipeline.Workers <= 0 {
		cfg.MailLog.Pipeline.Workers = 4
	}

	if cfg.MailLog.Metrics.Addr == "" {
		cfg.MailLog.Metrics.Addr = ":9090"
	}

	if cfg.MailLog.Logging.Level == "" {
		cfg.MailLog.Logging.Level = "info"
	}
}

func buildPipeline(cfg *config.Config, withConsumer bool) (*pipeline.Pipeline, func(), error) {
	var consumer *inputredis.Consumer
	if withConsumer {
		c, err := inputredis.NewConsumer(inputredis.Config{
			Addr:         cfg.MailLog.Input.Redis.Addr,
			Password:     cfg.MailLog.Input.Redis.Password,
			DB:           cfg.MailLog.Input.Redis.DB,
			Key:          cfg.MailLog.Input.Redis.Key,
			BlockTimeout: cfg.MailLog.Input.Redis.BlockTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create line consumer: %w", err)
		}
		consumer = c
	}

	stagingStore, err := staging.NewRedisStore(staging.Config{
		Addr:     cfg.MailLog.Staging.Addr,
		Password: cfg.MailLog.Staging.Password,
		DB:       cfg.MailLog.Staging.DB,
		TTL:      cfg.MailLog.Staging.TTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create staging store: %w", err)
	}

	db, err := sql.Open("postgres", cfg.MailLog.Database.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	recordStore := postgres.NewStore(db)
	ensureCtx, cancelEnsure := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelEnsure()
	if err := recordStore.EnsureSchema(ensureCtx, cfg.MailLog.Schema); err != nil {
		return nil, nil, err
	}

	table := rules.Default()
	if strings.TrimSpace(cfg.MailLog.Rules.Path) != "" {
		table, err = rules.Load(cfg.MailLog.Rules.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("load rules: %w", err)
		}
		logger.Infof("Classification rules loaded from %s", cfg.MailLog.Rules.Path)
	}

	pipe := pipeline.New(consumer, parse.NewTokenizer(), table, stagingStore, recordStore,
		cfg.MailLog.Schema, cfg.MailLog.Pipeline.Workers)

	cleanup := func() {
		if err := pipe.Close(); err != nil {
			logger.Errorf("Error closing pipeline: %v", err)
		}
		if err := stagingStore.Close(); err != nil {
			logger.Errorf("Error closing staging store: %v", err)
		}
		if err := db.Close(); err != nil {
			logger.Errorf("Error closing database: %v", err)
		}
	}
	return pipe, cleanup, nil
}

func loadConfig(configArg string) *config.Config {
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)

	if err := logger.Init(cfg.MailLog.Logging.Enabled, cfg.MailLog.Logging.Level, cfg.MailLog.Logging.File, cfg.MailLog.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("Config loaded from: %s", configPath)
	return cfg
}

func runLive(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configArg := fs.String("config", "", "Config file path")
	fs.Parse(args)

	cfg := loadConfig(*configArg)
	logger.Infof("Mail-log aggregator starting (schema=%s)", cfg.MailLog.Schema)

	pipe, cleanup, err := buildPipeline(cfg, true)
	if err != nil {
		logger.Errorf("Failed to build pipeline: %v", err)
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	if cfg.MailLog.Metrics.Enabled {
		metrics.Serve(cfg.MailLog.Metrics.Addr)
		logger.Infof("Metrics listening on %s", cfg.MailLog.Metrics.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("Pipeline error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	time.Sleep(1 * time.Second)

	cleanup()
	logger.Infof("Mail-log aggregator stopped")
}

func runReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	pattern := fs.String("logs", "logs/*", "Glob pattern of rotated mail logs (.gz supported)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configArg)
	logger.Infof("Replaying mail logs from %s (schema=%s)", *pattern, cfg.MailLog.Schema)

	pipe, cleanup, err := buildPipeline(cfg, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build pipeline: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := pipe.Replay(context.Background(), *pattern); err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		return 1
	}

	logger.Infof("Replay finished")
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: maillog <run|replay> [flags]\n")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "run":
		runLive(os.Args[2:])
	case "replay":
		os.Exit(runReplay(os.Args[2:]))
	default:
		usage()
	}
}
