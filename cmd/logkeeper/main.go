// Logkeeper consumes the comment service's access-log topic from kafka and
// indexes the entries into elasticsearch. The document id combines service
// and request id, so a re-delivered message overwrites its earlier copy
// instead of duplicating it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"github.com/nanohit/dah-comments/pkg/models"
)

type Config struct {
	LogLevel     string   `toml:"logLevel"`
	KafkaBrokers []string `toml:"kafkaBrokers"`
	KafkaTopic   string   `toml:"kafkaTopic"`
	KafkaGroupID string   `toml:"kafkaGroupID"`

	ElasticSearchIndex string   `toml:"elasticSearchIndex"`
	ElasticSearchNodes []string `toml:"elasticSearchNodes"`

	NumWorkers int `toml:"numWorkers"`
}

// keeper indexes access-log entries into one elasticsearch index.
type keeper struct {
	es    *elasticsearch.Client
	index string
}

func main() {
	var (
		configPath string
		logLevel   string
	)

	flag.StringVar(&configPath, "config", "cmd/logkeeper/config.toml", "Path to TOML config file")
	flag.StringVar(&logLevel, "log", "", "Log level: debug, info, warn, error.")
	flag.Parse()

	var cfg Config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		log.Fatalf("[logkeeper] failed to load config file %s: %v", configPath, err)
	}

	// Override config with flags if set
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("[logkeeper] shutting down gracefully...")
		cancel()
	}()

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: cfg.ElasticSearchNodes})
	if err != nil {
		log.Fatalf("[logkeeper] error creating the client: %s", err)
	}
	k := &keeper{es: es, index: cfg.ElasticSearchIndex}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	defer reader.Close()

	jobs := make(chan kafka.Message, cfg.NumWorkers*5) // buffer is needed to increase throughput
	var wg sync.WaitGroup
	wg.Add(cfg.NumWorkers)
	for workerID := 0; workerID < cfg.NumWorkers; workerID++ {
		go func(id int) {
			defer wg.Done()
			k.run(ctx, jobs, id)
		}(workerID)
	}

	log.Info("[logkeeper] accepting logs...")
	consume(ctx, reader, jobs)

	close(jobs)
	wg.Wait()
}

// consume feeds kafka messages into the jobs channel until ctx is cancelled.
func consume(ctx context.Context, reader *kafka.Reader, jobs chan<- kafka.Message) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Errorf("[logkeeper] failed to read message from Kafka: %v", err)
			continue
		}
		log.Debugf("[logkeeper] received message: %s", string(msg.Value))

		jobs <- msg
	}
}

// run drains the jobs channel, indexing every entry, until the channel
// closes or ctx is cancelled.
func (k *keeper) run(ctx context.Context, jobs <-chan kafka.Message, workerID int) {
	for {
		select {
		case <-ctx.Done():
			log.Infof("[logkeeper][workerID:%d] context cancelled, exiting worker", workerID)
			return

		case msg, ok := <-jobs:
			if !ok {
				log.Infof("[logkeeper][workerID:%d] jobs channel closed, exiting worker", workerID)
				return
			}

			entry, err := k.store(msg.Value)
			if err != nil {
				log.Errorf("[logkeeper][workerID:%d] %v", workerID, err)
				continue
			}
			log.Infof("[logkeeper][workerID:%d][%s] log entry indexed", workerID, shorten(entry.RequestID))
		}
	}
}

// store indexes one raw log entry and returns the parsed form.
func (k *keeper) store(raw []byte) (models.LogEntry, error) {
	var entry models.LogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	res, err := k.es.Index(
		k.index,
		bytes.NewReader(raw),
		k.es.Index.WithDocumentID(entry.Service+entry.RequestID),
	)
	if res != nil {
		defer res.Body.Close()
	}
	if err != nil {
		return entry, fmt.Errorf("failed to index document: %w", err)
	}
	if res.IsError() {
		return entry, fmt.Errorf("failed to index document: %s", res.Status())
	}

	return entry, nil
}

func shorten(s string) string {
	if len(s) > 6 {
		return s[:6] + "..."
	}
	return s
}
