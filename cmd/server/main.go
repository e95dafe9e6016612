package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/jobs"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/sweep"
)

func main() {
	cfg, cfgErr := config.LoadServerConfig()
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if cfgErr != nil {
		log.WithError(cfgErr).Fatal("invalid configuration")
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(cfg config.ServerConfig, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := storage.Open(ctx, storage.Options{
		Backend:  cfg.StoreBackend,
		PGDSN:    cfg.PGDSN,
		MongoURI: cfg.MongoURI,
		MongoDB:  cfg.MongoDB,
		Migrate:  cfg.RunMigrations,
	})
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		src   geo.Source = store
		index matcher.LocationIndex
	)
	if cfg.RedisAddr != "" {
		rc, lex := geo.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rc.Close()
		rs := geo.NewRedisSource(lex, cfg.RedisIndexKey, store)
		src, index = rs, rs
		log.WithField("addr", cfg.RedisAddr).Info("using redis proximity index")
	}

	offers := offer.NewMachine(store, cfg.OfferTTL)

	wsreg := notify.NewWSRegistry()
	var notifier notify.Notifier = wsreg
	if cfg.NotifyWebhookURL != "" {
		notifier = &notify.Fallback{Primary: wsreg, Secondary: notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey)}
	}

	est := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	orch := matcher.NewOrchestrator(store, geo.NewIndex(src, cfg.DispatchRadiusM), offers, notifier, est, log)

	queue, err := openQueue(cfg, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	svc := &matcher.Service{
		Store:     store,
		Cycles:    orch,
		Offers:    offers,
		Queue:     queue,
		Index:     index,
		Precision: cfg.GeohashPrecision,
		Log:       log,
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.LocationsTopic != "" {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LocationsTopic)
		defer kp.Close()
		svc.Publisher = kp
	}

	sweeper := &sweep.Sweeper{
		Store:        store,
		Cycles:       orch,
		Log:          log,
		Concurrency:  cfg.SweepConcurrency,
		Limit:        cfg.SweepLimit,
		StalledAfter: cfg.StalledAfter,
	}

	go func() {
		err := queue.Consume(ctx, func(ctx context.Context, job jobs.Job) error {
			_, err := orch.Run(ctx, job)
			return err
		})
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("job consumer stopped")
		}
	}()
	go sweeper.Run(ctx, cfg.SweepInterval)

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	} else {
		log.Warn("JWT_SECRET not set, reading caller identity from request bodies")
	}

	api := httpapi.NewServer(&httpapi.Server{
		Service:        svc,
		Sweeper:        sweeper,
		WSReg:          wsreg,
		Auth:           verifier,
		DispatchSecret: cfg.DispatchSecret,
		CronSecret:     cfg.CronSecret,
	}, log)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "store": cfg.StoreBackend, "queue": cfg.QueueBackend}).Info("ride-dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openQueue(cfg config.ServerConfig, log logrus.FieldLogger) (jobs.Queue, error) {
	switch cfg.QueueBackend {
	case "kafka":
		return jobs.NewKafkaQueue(cfg.KafkaBrokers, cfg.JobsTopic, cfg.JobsGroup, log), nil
	case "amqp":
		return jobs.NewAMQPQueue(cfg.AMQPURL, cfg.AMQPQueue, cfg.Workers, log)
	default:
		return jobs.NewPool(cfg.Workers, cfg.QueueBuffer, log), nil
	}
}
