package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nazeru/checkout-saga-go/internal/checkout/api"
	"github.com/nazeru/checkout-saga-go/internal/checkout/cart"
	"github.com/nazeru/checkout-saga-go/internal/checkout/journal"
	"github.com/nazeru/checkout-saga-go/internal/checkout/ledger"
	"github.com/nazeru/checkout-saga-go/internal/checkout/payment"
	"github.com/nazeru/checkout-saga-go/internal/checkout/saga"
	"github.com/nazeru/checkout-saga-go/pkg/kafka"
	"github.com/nazeru/checkout-saga-go/pkg/logging"
	"github.com/nazeru/checkout-saga-go/pkg/metrics"
	"github.com/nazeru/checkout-saga-go/pkg/outbox"
)

type cfg struct {
	Port           string
	DatabaseURL    string // empty: in-memory stores
	RedisAddr      string // empty: in-memory carts
	KafkaBrokers   string // empty: outbox is appended but not relayed
	LedgerTimeout  time.Duration
	PaymentTimeout time.Duration
	SagaTimeout    time.Duration
	HoldTTL        time.Duration
	SweepInterval  time.Duration
	RelayInterval  time.Duration
	Currency       string
	DeclineAll     bool   // mock gateway declines everything; failure-path demos
	SeedStock      string // "SKU-1=10,SKU-2=2"
}

func readCfg() cfg {
	return cfg{
		Port:           getenv("PORT", "8080"),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:      strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		KafkaBrokers:   strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		LedgerTimeout:  durationMS("LEDGER_TIMEOUT_MS", 5000),
		PaymentTimeout: durationMS("PAYMENT_TIMEOUT_MS", 10000),
		SagaTimeout:    durationMS("SAGA_TIMEOUT_MS", 30000),
		HoldTTL:        durationMS("HOLD_TTL_MS", int(ledger.DefaultHoldTTL/time.Millisecond)),
		SweepInterval:  durationMS("SWEEP_INTERVAL_MS", int(ledger.DefaultSweepInterval/time.Millisecond)),
		RelayInterval:  durationMS("RELAY_INTERVAL_MS", 1000),
		Currency:       getenv("CURRENCY", "USD"),
		DeclineAll:     boolenv("GATEWAY_DECLINE_ALL"),
		SeedStock:      strings.TrimSpace(os.Getenv("SEED_STOCK")),
	}
}

func main() {
	cfg := readCfg()
	log := logging.New("checkout_service", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		led    ledger.Ledger
		jnl    journal.Journal
		states saga.Store
		events outbox.Store
	)
	if cfg.DatabaseURL != "" {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := pgxpool.New(pctx, cfg.DatabaseURL)
		if err != nil {
			cancel()
			log.Fatal().Err(err).Msg("db connect error")
		}
		if err := pool.Ping(pctx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("db ping error")
		}
		cancel()
		defer pool.Close()

		led = ledger.NewPostgresLedger(pool, cfg.HoldTTL, log)
		jnl = journal.NewPostgresJournal(pool)
		states = saga.NewPostgresStore(pool)
		events = outbox.NewPostgresStore(pool)
		log.Info().Msg("using postgres stores")
	} else {
		mem := ledger.NewMemoryLedger(log, ledger.WithHoldTTL(cfg.HoldTTL))
		led = mem
		jnl = journal.NewMemoryJournal()
		states = saga.NewMemoryStore()
		events = outbox.NewMemoryStore()
		seedStock(mem, cfg.SeedStock, log)
		log.Warn().Msg("DATABASE_URL not set, using in-memory stores")
	}

	var carts interface {
		cart.SnapshotSource
		cart.Clearer
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis ping error")
		}
		defer func() { _ = rdb.Close() }()
		carts = cart.NewRedisStore(rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis cart store")
	} else {
		carts = cart.NewMemoryStore()
		log.Warn().Msg("REDIS_ADDR not set, using in-memory carts")
	}

	gateway := payment.NewMockGateway()
	if cfg.DeclineAll {
		gateway.DeclineAll("declined by configuration")
	}
	port := payment.NewRetrying(gateway, log)

	sagaMetrics := metrics.NewSagaMetrics()
	srvMetrics := metrics.NewServerMetrics("checkout_service")

	orch := saga.NewOrchestrator(states, led, jnl, port, carts, carts, events, sagaMetrics, log, saga.Config{
		LedgerTimeout:  cfg.LedgerTimeout,
		PaymentTimeout: cfg.PaymentTimeout,
		SagaTimeout:    cfg.SagaTimeout,
		Currency:       cfg.Currency,
	})

	sweeper := ledger.NewSweeper(led, events, cfg.SweepInterval, sagaMetrics, log)
	go sweeper.Run(ctx)

	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
	if kafkaClient.Enabled() {
		relay := outbox.NewRelay(events, kafkaClient, cfg.RelayInterval, log)
		go relay.Run(ctx)
		log.Info().Strs("brokers", kafkaClient.Brokers).Msg("outbox relay started")
	} else {
		log.Warn().Msg("KAFKA_BROKERS not set, events stay in the outbox")
	}

	mux := http.NewServeMux()
	api.NewHandler(orch, srvMetrics, log).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	log.Info().Str("port", cfg.Port).Msg("checkout-service listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server error")
	}
}

// seedStock parses "SKU-1=10,SKU-2=2" into initial on-hand counts.
func seedStock(led *ledger.MemoryLedger, seed string, log zerolog.Logger) {
	if seed == "" {
		return
	}
	for _, part := range strings.Split(seed, ",") {
		sku, qty, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			log.Warn().Str("entry", part).Msg("malformed SEED_STOCK entry")
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(qty), 10, 64)
		if err != nil || n < 0 {
			log.Warn().Str("entry", part).Msg("malformed SEED_STOCK quantity")
			continue
		}
		led.SetStock(strings.TrimSpace(sku), n)
		log.Info().Str("sku", sku).Int64("on_hand", n).Msg("seeded stock")
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func durationMS(k string, def int) time.Duration {
	ms, err := strconv.Atoi(getenv(k, strconv.Itoa(def)))
	if err != nil || ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

func boolenv(k string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	return v == "1" || v == "true" || v == "yes"
}
