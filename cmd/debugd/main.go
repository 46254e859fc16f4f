// debugd exposes collector debug execution over HTTP: interactive script
// runs, multi-collector fan-out, cancellation and run history.
package main

import (
	"flag"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/stevevillardi/lmda-composer-sub000/internal/config"
	"github.com/stevevillardi/lmda-composer-sub000/internal/creds"
	"github.com/stevevillardi/lmda-composer-sub000/internal/fanout"
	"github.com/stevevillardi/lmda-composer-sub000/internal/history"
	"github.com/stevevillardi/lmda-composer-sub000/internal/jobclient"
	"github.com/stevevillardi/lmda-composer-sub000/internal/lg"
	"github.com/stevevillardi/lmda-composer-sub000/internal/orchestrator"
	"github.com/stevevillardi/lmda-composer-sub000/internal/props"
	"github.com/stevevillardi/lmda-composer-sub000/internal/publish"
	"github.com/stevevillardi/lmda-composer-sub000/internal/registry"
	"github.com/stevevillardi/lmda-composer-sub000/internal/server"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/ratelimit"
)

const serviceName = "DEBUGD"

func main() {
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)
	configPath := fs.String("config", "", "path to debugd.toml")
	debug := fs.Bool("debug", false, "enable debug logging")
	format := fs.String("log-format", "json", "json or console")
	fs.Parse(os.Args[1:])

	logger := lg.New(&lg.Config{ServiceName: serviceName, Debug: *debug, Format: *format})
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Fatal error. Failed to load config", lg.Err(err))
		os.Exit(1)
	}

	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			logger.Warn("env file not loaded", lg.String("path", cfg.EnvFile), lg.Err(err))
		}
	}

	tracker := ratelimit.NewTracker(cfg.Retry.Threshold)
	rl := ratelimit.NewClient(&http.Client{Timeout: 30 * time.Second}, tracker, cfg.RetryConfig())
	jc := jobclient.New(rl, cfg.JobConfig())

	provider := &creds.EnvProvider{EnvFile: cfg.EnvFile}
	reg := registry.New()
	orch := orchestrator.New(jc, props.New(jc), provider, reg)
	coord := fanout.New(jc, provider, reg, cfg.Fanout.Workers)

	store := newStore(cfg, logger)
	var sink server.EventSink
	if cfg.Kafka.Enabled {
		pub := publish.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer pub.Close()
		sink = pub
		logger.Info("kafka publisher enabled", lg.String("topic", cfg.Kafka.Topic))
	}

	handler := server.NewHandler(orch, coord, store, sink, logger)

	srvCfg := server.DefaultServerConfig()
	srvCfg.Port = cfg.Server.Port
	srvCfg.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSec) * time.Second
	// long-running executions stream back through the same response
	srvCfg.WriteTimeout = 15 * time.Minute
	srvCfg.IdleTimeout = time.Duration(cfg.Server.IdleTimeoutSec) * time.Second
	srvCfg.ShutdownTimeout = time.Duration(cfg.Server.ShutdownSec) * time.Second
	srvCfg.Logger = logger

	logger.Info("starting service",
		lg.String("service", serviceName),
		lg.String("port", srvCfg.Port),
		lg.String("poll", strconv.Itoa(cfg.Poll.MaxAttempts)+"x"+strconv.Itoa(cfg.Poll.IntervalMs)+"ms"))
	if err := server.RunServer(handler.Routes(), srvCfg); err != nil {
		logger.Error("Fatal error. Failed to run server", lg.Err(err))
		os.Exit(1)
	}
}

func newStore(cfg config.Config, logger lg.Logger) history.Store {
	switch cfg.History.Backend {
	case "mongo":
		store, err := history.NewMongoStore(cfg.History.MongoURI, cfg.History.MongoDB, cfg.History.MongoCol)
		if err != nil {
			logger.Error("mongo history unavailable, falling back to discard", lg.Err(err))
			return history.Discard
		}
		return store
	case "file":
		return history.NewFileStore(cfg.History.Dir)
	default:
		return history.Discard
	}
}
