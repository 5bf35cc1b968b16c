package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"github.com/nanohit/dah-comments/pkg/api"
	"github.com/nanohit/dah-comments/pkg/censor"
	"github.com/nanohit/dah-comments/pkg/hub"
	"github.com/nanohit/dah-comments/pkg/storage"
	"github.com/nanohit/dah-comments/pkg/storage/memdb"
	"github.com/nanohit/dah-comments/pkg/storage/mongo"
	"github.com/nanohit/dah-comments/pkg/storage/postgres"
)

const serviceName = "comments"

type Config struct {
	LogLevel string `toml:"logLevel"`
	HTTPAddr string `toml:"httpAddr"`

	// Database selects the storage driver: memdb, mongo or postgres.
	// Credentials come from the environment, never from the file.
	Database string `toml:"database"`

	MongoHost   string `toml:"mongoHost"`
	MongoPort   string `toml:"mongoPort"`
	MongoDBName string `toml:"mongoDBName"`

	PostgresHost   string `toml:"postgresHost"`
	PostgresPort   string `toml:"postgresPort"`
	PostgresUser   string `toml:"postgresUser"`
	PostgresDBName string `toml:"postgresDBName"`

	KafkaBrokers []string `toml:"kafkaBrokers"`
	KafkaTopic   string   `toml:"kafkaTopic"`

	CensorWordlist string `toml:"censorWordlist"`

	RedisAddr    string `toml:"redisAddr"`
	RedisChannel string `toml:"redisChannel"`
}

func main() {
	var (
		configPath string
		httpAddr   string
		logLevel   string
		dev        bool
	)

	flag.StringVar(&configPath, "config", "cmd/server/config.toml", "Path to TOML config file")
	flag.BoolVar(&dev, "dev", false, "Run the server in development mode with in-memory DB.")
	flag.StringVar(&httpAddr, "http", "", "HTTP server address in the form 'host:port'.")
	flag.StringVar(&logLevel, "log", "", "Log level: debug, info, warn, error.")
	flag.Parse()

	var cfg Config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		log.Fatalf("[server] failed to load config file %s: %v", configPath, err)
	}

	// Override config with flags if set
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dev {
		cfg.Database = "memdb"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8077"
	}
	if !strings.Contains(cfg.HTTPAddr, ":") {
		log.Warn("use ':' before port number, e.g. ':8080'")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, closeDB, err := connectStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	defer closeDB()

	var cens *censor.Censor
	if cfg.CensorWordlist != "" {
		cens = censor.New()
		if err := cens.LoadFromJSON(cfg.CensorWordlist); err != nil {
			log.Fatalf("[server] failed to load censor wordlist %s: %v", cfg.CensorWordlist, err)
		}
		log.Infof("[server] moderation enabled, wordlist: %s", cfg.CensorWordlist)
	}

	var kw *kafka.Writer
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		kw = &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.KafkaTopic,
			Balancer: &kafka.LeastBytes{},
		}
		defer kw.Close()
		log.Infof("[server] access log shipped to kafka topic %s", cfg.KafkaTopic)
	}

	h := hub.New(nil)
	defer h.Close()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer rdb.Close()
		h.BridgeRedis(ctx, rdb, cfg.RedisChannel)
		log.Infof("[server] hub bridged over redis channel %s", cfg.RedisChannel)
	}

	a := api.New(serviceName, db, h, cens, kw)

	root := http.NewServeMux()
	// The live channel sits outside the REST middleware chain: websocket
	// upgrades carry no request id.
	root.Handle("/live", h.Handler())
	root.Handle("/", a.Router)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: root,
	}

	go func() {
		log.Infof("[server] starting on %v", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("[server] failed to start: %v", err)
			return
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("[server] HTTP server shutdown error: %v", err)
	} else {
		log.Info("[server] HTTP server shut down gracefully")
	}
}

func connectStorage(ctx context.Context, cfg Config) (storage.Storage, func(), error) {
	switch cfg.Database {
	case "memdb":
		log.Info("[server] running with in-memory DB")
		return memdb.New(), func() {}, nil

	case "mongo":
		conf := mongo.Config{
			Host:   cfg.MongoHost,
			Port:   cfg.MongoPort,
			DBName: cfg.MongoDBName,
			User:   os.Getenv("MONGO_USER"),
			Pass:   os.Getenv("MONGO_PASSWORD"),
		}
		if !conf.IsValid() {
			return nil, nil, fmt.Errorf("invalid mongo config: %s", conf)
		}

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := mongo.New(connectCtx, &conf)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(connectCtx); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", storage.ErrDBNotResponding, err)
		}
		log.Infof("[server] connected to mongo: %s", conf)

		return db, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			db.Close(closeCtx)
		}, nil

	case "postgres":
		conf := postgres.Config{
			User:     cfg.PostgresUser,
			Password: os.Getenv("POSTGRES_PASSWORD"),
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			DBName:   cfg.PostgresDBName,
		}
		if !conf.IsValid() {
			return nil, nil, fmt.Errorf("invalid postgres config: %s", conf)
		}

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := postgres.New(connectCtx, conf.ConString())
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(connectCtx); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", storage.ErrDBNotResponding, err)
		}
		log.Infof("[server] connected to postgres: %s", conf)

		return db, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown database %q, want memdb, mongo or postgres", cfg.Database)
	}
}
