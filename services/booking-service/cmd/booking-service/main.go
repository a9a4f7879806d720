package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fadebook/fadebook/libs/config"
	"github.com/fadebook/fadebook/libs/db"
	"github.com/fadebook/fadebook/libs/httpx"
	"github.com/fadebook/fadebook/libs/kafkax"
	otelx "github.com/fadebook/fadebook/libs/otel"
	"github.com/fadebook/fadebook/libs/redisx"
	"github.com/fadebook/fadebook/libs/runtime"
	"github.com/fadebook/fadebook/services/booking-service/internal/availability"
	"github.com/fadebook/fadebook/services/booking-service/internal/committer"
	"github.com/fadebook/fadebook/services/booking-service/internal/consumer"
	"github.com/fadebook/fadebook/services/booking-service/internal/handlers"
	"github.com/fadebook/fadebook/services/booking-service/internal/inbox"
	"github.com/fadebook/fadebook/services/booking-service/internal/outbox"
	"github.com/fadebook/fadebook/services/booking-service/internal/reservation"
	"github.com/fadebook/fadebook/services/booking-service/internal/schedule"
	"github.com/fadebook/fadebook/services/booking-service/internal/storage"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	appointments := storage.NewAppointmentRepository(pool)
	hoursRepo := storage.NewWorkingHoursRepository(pool)
	hoursProvider := schedule.NewCachedProvider(hoursRepo, config.Minutes("HOURS_CACHE_TTL_MINUTES", 5*time.Minute))
	outboxRepo := outbox.NewRepository(pool)

	calc := &availability.Calculator{
		Hours:  hoursProvider,
		Ledger: appointments,
		Now:    time.Now,
	}

	bookingCommitter := &committer.Committer{
		Ledger: appointments,
		Outbox: outboxRepo,
		Logger: logger,
	}

	// The advisory claim channel is optional. When Redis is unreachable
	// grids simply show no foreign holds and holds become local no-ops;
	// the conditional insert still prevents double bookings.
	var claims *reservation.Store
	rdb, err := redisx.Open(ctx, config.String("REDIS_ADDR", "localhost:6379"), config.String("REDIS_PASSWORD", ""), config.Int("REDIS_DB", 0))
	if err != nil {
		logger.Warn("redis unavailable; reservation channel disabled", "err", err)
	} else {
		claims = reservation.NewStore(rdb)
	}
	registry := reservation.NewRegistry(claims, logger)
	go registry.Run(ctx)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	inboxRepo := inbox.NewRepository(pool)
	hoursTopic := config.String("KAFKA_CONSUME_TOPIC", "staff.working_hours.updated.v1")
	if strings.TrimSpace(hoursTopic) != "" {
		hoursConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "booking-service"),
			Topic:   hoursTopic,
		}, func(ctx context.Context, msg kafka.Message) error {
			var payload struct {
				StaffID string `json:"staff_id"`
			}
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
				return nil
			}
			if payload.StaffID == "" {
				logger.Error("missing staff_id in event", "topic", msg.Topic)
				return nil
			}
			hoursProvider.Invalidate(payload.StaffID)
			return nil
		})
		go hoursConsumer.Run(ctx)
	}

	bookingHandler := handlers.NewBookingHandler(calc, appointments, outboxRepo, bookingCommitter, claims, registry, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	}
	if rdb != nil {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/api/v1/public/slots", bookingHandler.Slots)
	mux.HandleFunc("/api/v1/public/hold", bookingHandler.Hold)
	mux.HandleFunc("/api/v1/public/hold/renew", bookingHandler.RenewHold)
	mux.HandleFunc("/api/v1/public/hold/release", bookingHandler.ReleaseHold)
	mux.HandleFunc("/api/v1/public/book", bookingHandler.Book)
	mux.HandleFunc("/api/v1/appointments", bookingHandler.List)
	mux.HandleFunc("/api/v1/appointments/cancel", bookingHandler.Cancel)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   strings.Split(config.String("CORS_ALLOWED_ORIGINS", ""), ","),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "X-Session-Id", "Idempotency-Key"},
			AllowCredentials: false,
			MaxAge:           10 * time.Minute,
		}),
	}
	if rdb != nil {
		limiter := httpx.NewRedisRateLimiter(rdb, 120, time.Minute, service)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		// Per-instance limiting when the shared counter is unavailable.
		middlewares = append(middlewares, httpx.NewRateLimiter(120, time.Minute).Middleware())
	}
	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
