package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ridepool/internal/config"
	"github.com/example/ridepool/internal/logging"
	"github.com/example/ridepool/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total allocation records consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_duplicate_total",
		Help: "Records skipped because their pool projection was already past them",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsDuplicate, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	proj := &redisProjection{c: rc}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, proj, logger)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, proj Projection, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var rec models.AllocationRecord
		if err := json.Unmarshal(m.Value, &rec); err != nil || rec.PoolID == "" || rec.Seq <= 0 {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		applied, err := applyWithRetry(ctx, proj, rec, 3, 200*time.Millisecond)
		if err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "pool_id", rec.PoolID, "seq", rec.Seq, "error", err)
			continue
		}
		if !applied {
			msgsDuplicate.Inc()
			continue
		}
		redisUpdates.Inc()
	}
}

// Projection is the small subset of redis operations the consumer needs,
// so tests can substitute a fake.
type Projection interface {
	LastSeq(ctx context.Context, poolID string) (int64, error)
	Apply(ctx context.Context, rec models.AllocationRecord) error
}

func decisionsKey(poolID string) string { return "pool:decisions:" + poolID }
func ridersKey(poolID string) string    { return "pool:riders:" + poolID }

const (
	lastSeqField   = "last_seq"
	poolStateField = "pool_state"
)

// redisProjection keeps, per pool, a hash of decision counts plus the last
// applied seq and pool state, and the set of confirmed riders.
type redisProjection struct{ c *redis.Client }

func (p *redisProjection) LastSeq(ctx context.Context, poolID string) (int64, error) {
	v, err := p.c.HGet(ctx, decisionsKey(poolID), lastSeqField).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (p *redisProjection) Apply(ctx context.Context, rec models.AllocationRecord) error {
	_, err := p.c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if rec.PoolLevel() {
			pipe.HSet(ctx, decisionsKey(rec.PoolID), poolStateField, string(rec.Decision), lastSeqField, rec.Seq)
			return nil
		}
		pipe.HIncrBy(ctx, decisionsKey(rec.PoolID), string(rec.Decision), 1)
		pipe.HSet(ctx, decisionsKey(rec.PoolID), lastSeqField, rec.Seq)
		switch rec.Decision {
		case models.StatusConfirmed:
			pipe.SAdd(ctx, ridersKey(rec.PoolID), rec.RiderID)
		case models.StatusCancelled:
			pipe.SRem(ctx, ridersKey(rec.PoolID), rec.RiderID)
		}
		return nil
	})
	return err
}

// applyWithRetry applies rec unless the pool projection already covers its
// seq. Records of one pool arrive in order on one partition, so comparing
// against the last applied seq makes redelivery harmless.
func applyWithRetry(ctx context.Context, p Projection, rec models.AllocationRecord, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		var last int64
		if last, err = p.LastSeq(ctx, rec.PoolID); err != nil {
			continue
		}
		if rec.Seq <= last {
			return false, nil
		}
		if err = p.Apply(ctx, rec); err != nil {
			continue
		}
		return true, nil
	}
	return false, err
}
