package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	inspector "github.com/angelmondragon/packfinderz-client/api"
	"github.com/angelmondragon/packfinderz-client/api/handlers"
	"github.com/angelmondragon/packfinderz-client/api/routes"
	"github.com/angelmondragon/packfinderz-client/internal/api"
	"github.com/angelmondragon/packfinderz-client/internal/cart"
	"github.com/angelmondragon/packfinderz-client/internal/credentials"
	"github.com/angelmondragon/packfinderz-client/internal/identity"
	"github.com/angelmondragon/packfinderz-client/internal/notifications"
	"github.com/angelmondragon/packfinderz-client/internal/realtime"
	"github.com/angelmondragon/packfinderz-client/internal/session"
	"github.com/angelmondragon/packfinderz-client/pkg/config"
	"github.com/angelmondragon/packfinderz-client/pkg/instance"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	"github.com/angelmondragon/packfinderz-client/pkg/metrics"
	"github.com/angelmondragon/packfinderz-client/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "client"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "client",
		InstanceID:  instance.GetID(),
		Env:         cfg.App.Env,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "storage", cfg.Storage.Driver)

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "client stopped with errors", err)
		os.Exit(1)
	}
	logg.Info(ctx, "client shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	clientMetrics := metrics.NewClientMetrics(registry)

	kv, storageCloser, err := storage.Open(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, storageCloser.Close())
	}()

	creds := credentials.NewStore(kv, logg, clientMetrics)
	if err := creds.Load(ctx); err != nil {
		logg.Warn(ctx, "starting logged out: stored credentials unreadable")
	}

	client, err := api.NewClient(cfg.API, logg)
	if err != nil {
		return err
	}
	coord, err := session.NewCoordinator(client, client, creds, session.Options{
		RefreshTimeout: cfg.Session.RefreshTimeout,
		MaxPending:     cfg.Session.MaxPendingRequests,
		ExpirySkew:     cfg.Session.ExpirySkew,
		Logger:         logg,
		Metrics:        clientMetrics,
	})
	if err != nil {
		return err
	}
	defer coord.Close()
	coord.Subscribe(func(state session.State) {
		if state == session.StateLoggedOut {
			logg.Warn(ctx, "session.logged_out")
		}
	})

	observer := identity.NewObserver(creds, logg)
	defer observer.Close()

	cartStore := cart.NewStore(kv, api.NewCartGateway(coord), cart.Options{
		PublishTimeout: cfg.Cart.PublishTimeout,
		Logger:         logg,
		Metrics:        clientMetrics,
	})
	unbindCart, err := cartStore.BindIdentity(ctx, observer)
	if err != nil {
		logg.Warn(ctx, "cart.rehydrate.degraded")
	}
	defer unbindCart()

	counter := notifications.NewCounter(ctx, kv, logg, clientMetrics)
	var unread handlers.UnreadReader
	if cfg.Realtime.Enabled() {
		dialer, err := realtime.NewDialer(cfg.Realtime, logg)
		if err != nil {
			return err
		}
		syncer, err := notifications.NewSynchronizer(dialer, api.NewNotificationsGateway(coord), creds, counter, notifications.Options{
			Renewer:     coord,
			PullTimeout: cfg.Realtime.PullTimeout,
			BackoffBase: cfg.Realtime.BackoffBase,
			BackoffMax:  cfg.Realtime.BackoffMax,
			Logger:      logg,
			Metrics:     clientMetrics,
		})
		if err != nil {
			return err
		}
		unbindSync := syncer.BindSession(ctx, creds)
		defer func() {
			unbindSync()
			syncer.Stop()
		}()
		unread = syncer
	} else {
		logg.Info(ctx, "realtime disabled: no PFC_REALTIME_URL")
	}

	if !cfg.Inspector.Enabled {
		<-ctx.Done()
		return nil
	}

	deps := routes.Dependencies{
		Credentials:   creds,
		Coordinator:   coord,
		Identity:      observer,
		Cart:          cartStore,
		Notifications: unread,
		Gatherer:      registry,
	}
	if pinger, ok := storageCloser.(handlers.Pinger); ok {
		deps.Storage = pinger
	}
	server := inspector.NewServer(cfg.Inspector, routes.NewRouter(cfg, logg, deps))

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "addr", cfg.Inspector.Addr), "starting inspector server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
