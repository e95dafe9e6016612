package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StoreBackend != "memory" || cfg.QueueBackend != "memory" {
		t.Fatalf("expected in-process backends, got %s/%s", cfg.StoreBackend, cfg.QueueBackend)
	}
	if cfg.OfferTTL != 30*time.Second || cfg.DispatchRadiusM != 10000 || cfg.GeohashPrecision != 10 {
		t.Fatalf("unexpected dispatch defaults %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	t.Setenv("QUEUE_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("OFFER_TTL", "45s")
	t.Setenv("SWEEP_CONCURRENCY", "3")
	t.Setenv("DISPATCH_RADIUS_M", "2500")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StoreBackend != "postgres" {
		t.Fatalf("expected postgres, got %q", cfg.StoreBackend)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.OfferTTL != 45*time.Second || cfg.SweepConcurrency != 3 || cfg.DispatchRadiusM != 2500 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("OFFER_TTL", "soon")
	t.Setenv("WORKERS", "0")
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("QUEUE_BACKEND", "sqs")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"OFFER_TTL", "WORKERS", "MONGO_URI", "QUEUE_BACKEND"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %v", want, err)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error without PG_DSN")
	}
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	t.Setenv("KAFKA_GROUP", "g1")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GroupID != "g1" || cfg.MaxRetries != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
