// @title           Engagement Lifecycle Engine API
// @version         1.0
// @description     Appointment, payment and case lifecycle engine for a legal-services marketplace: clients book consultations, lawyers approve, payments confirm against deadlines, and cases run their own billing cycle.
// @BasePath        /api
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in              header
// @name            Authorization
// @description     Format: Bearer <token>
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lexhub/engagement-engine/internal/appointments"
	"github.com/lexhub/engagement-engine/internal/auth"
	"github.com/lexhub/engagement-engine/internal/cases"
	"github.com/lexhub/engagement-engine/internal/config"
	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/internal/logging"
	"github.com/lexhub/engagement-engine/internal/metrics"
	"github.com/lexhub/engagement-engine/internal/notify"
	"github.com/lexhub/engagement-engine/internal/payments"
	"github.com/lexhub/engagement-engine/internal/store/gormstore"
	"github.com/lexhub/engagement-engine/internal/store/memstore"
	"github.com/lexhub/engagement-engine/pkg/database"
)

// recordStore is everything the HTTP layer needs from a store driver.
type recordStore interface {
	engine.Store
	auth.UserStore
	appointments.Directory
	cases.Directory
}

func main() {
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)

	var store recordStore
	switch cfg.StoreDriver {
	case "memory":
		store = memstore.New()
	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		gs := gormstore.New(db)
		if err := gs.AutoMigrate(); err != nil {
			return err
		}
		store = gs
	}
	log.Info("store ready", "driver", cfg.StoreDriver)

	met := metrics.Registry(cfg.MetricsNamespace)

	sinks := notify.Multi{notify.NewSlogSink(log)}
	if cfg.RedisAddr != "" {
		rs := notify.NewRedisSink(notify.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		defer rs.Close()
		sinks = append(sinks, rs)
	}

	eng := engine.New(store, engine.SystemClock(), sinks, log, met, engine.Config{
		ApprovalWindow: cfg.ApprovalWindow,
		PaymentWindow:  cfg.PaymentWindow,
	})
	tracker := engine.NewTracker(eng, store, cfg.TrackerInterval, log, met)

	app := newApp(eng, store)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", "port", cfg.Port)
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := tracker.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
		return app.ShutdownWithContext(shutCtx)
	})
	return g.Wait()
}

func newApp(eng *engine.Engine, store recordStore) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: auth.ErrorHandler,
	})

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	api := app.Group("/api")

	// Auth
	authH := auth.NewHandler(store)
	api.Post("/signup", authH.Signup)
	api.Post("/login", authH.Login)
	api.Get("/me", auth.RequireAuth(), authH.Me)

	// Appointments
	apptH := appointments.NewHandler(eng, store)
	api.Post("/appointments", auth.RequireAuth(), auth.RequireRole("client"), apptH.Book)
	api.Get("/appointments/mine", auth.RequireAuth(), auth.RequireRole("client"), apptH.ListMine)
	api.Get("/appointments/incoming", auth.RequireAuth(), auth.RequireRole("lawyer"), apptH.ListIncoming)
	api.Get("/appointments/:id", auth.RequireAuth(), apptH.Get)
	api.Post("/appointments/:id/approve", auth.RequireAuth(), auth.RequireRole("lawyer"), apptH.Approve)
	api.Post("/appointments/:id/decline", auth.RequireAuth(), auth.RequireRole("lawyer"), apptH.Decline)
	api.Post("/appointments/:id/complete", auth.RequireAuth(), auth.RequireRole("lawyer"), apptH.Complete)
	api.Post("/appointments/:id/cancel", auth.RequireAuth(), auth.RequireRole("client"), apptH.Cancel)
	api.Post("/appointments/:id/payments/retry", auth.RequireAuth(), auth.RequireRole("client"), apptH.RetryPayment)

	// Cases
	caseH := cases.NewHandler(eng, store)
	api.Post("/cases", auth.RequireAuth(), auth.RequireRole("lawyer"), caseH.Open)
	api.Get("/cases/mine", auth.RequireAuth(), auth.RequireRole("client"), caseH.ListMine)
	api.Get("/cases/assigned", auth.RequireAuth(), auth.RequireRole("lawyer"), caseH.ListAssigned)
	api.Get("/cases/:id", auth.RequireAuth(), caseH.Get)
	api.Post("/cases/:id/payment-requests", auth.RequireAuth(), auth.RequireRole("lawyer"), caseH.RequestPayment)
	api.Post("/cases/:id/documents", auth.RequireAuth(), caseH.AddDocument)
	api.Delete("/documents/:docID", auth.RequireAuth(), caseH.RemoveDocument)
	api.Post("/cases/:id/messages", auth.RequireAuth(), caseH.AddMessage)
	api.Patch("/cases/:id/progress", auth.RequireAuth(), auth.RequireRole("lawyer"), caseH.UpdateProgress)
	api.Post("/cases/:id/close", auth.RequireAuth(), auth.RequireRole("lawyer"), caseH.Close)
	api.Post("/cases/:id/terminate", auth.RequireAuth(), auth.RequireRole("client"), caseH.Terminate)

	// Payments
	payH := payments.NewHandler(eng)
	api.Get("/payments/:id", auth.RequireAuth(), payH.Get)
	api.Post("/payments/:id/refund", auth.RequireAuth(), auth.RequireRole("lawyer"), payH.Refund)

	// Mock provider callbacks; guarded by X-Dev-Secret, not user auth.
	api.Post("/payments/:id/confirm", payH.Confirm)
	api.Post("/payments/:id/fail", payH.Fail)

	return app
}
