package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	locationUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_updates_total",
		Help: "Total driver locations applied",
	})
	locationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_errors_total",
		Help: "Total driver locations that could not be applied",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, locationUpdates, locationErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, cfgErr := config.LoadConsumerConfig()
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if cfgErr != nil {
		log.WithError(cfgErr).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := storage.Open(ctx, storage.Options{
		Backend:  cfg.StoreBackend,
		PGDSN:    cfg.PGDSN,
		MongoURI: cfg.MongoURI,
		MongoDB:  cfg.MongoDB,
	})
	if err != nil {
		log.WithError(err).Fatal("store unavailable")
	}
	defer closeStore()

	svc := &matcher.Service{
		Store:     store,
		Offers:    offer.NewMachine(store, 0),
		Precision: cfg.GeohashPrecision,
		Log:       log,
	}
	if cfg.RedisAddr != "" {
		rc, lex := geo.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rc.Close()
		svc.Index = geo.NewRedisSource(lex, cfg.RedisIndexKey, store)
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		log.WithField("addr", metricsAddr).Info("metrics/health listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.LocationsTopic, GroupID: cfg.GroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	log.WithFields(logrus.Fields{"topic": cfg.LocationsTopic, "brokers": cfg.KafkaBrokers, "group": cfg.GroupID}).Info("consumer listening")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return
			}
			log.WithError(err).WithField("backoff", backoff).Warn("kafka read error")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		u, err := ingest.DecodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.WithError(err).Warn("invalid message")
			continue
		}

		if err := applyWithRetry(ctx, svc, u, cfg.MaxRetries, cfg.RetryBackoff); err != nil {
			locationErrors.Inc()
			log.WithError(err).WithField("driver_id", u.DriverID).Error("location update failed")
			continue
		}
		locationUpdates.Inc()
	}
}

// LocationApplier is the part of matcher.Service the consumer drives.
type LocationApplier interface {
	UpdateDriverLocation(ctx context.Context, u models.LocationUpdate) error
}

// applyWithRetry retries transient failures with doubling delay. Unknown
// drivers and malformed pings are not retried.
func applyWithRetry(ctx context.Context, a LocationApplier, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = a.UpdateDriverLocation(ctx, u)
		if err == nil || permanent(err) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, models.ErrMalformed) ||
		errors.Is(err, matcher.ErrInvalidRequest)
}
