package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/crashlane-client/internal/api"
	"github.com/DoyleJ11/crashlane-client/internal/config"
	"github.com/DoyleJ11/crashlane-client/internal/httpapi"
	"github.com/DoyleJ11/crashlane-client/internal/hub"
	"github.com/DoyleJ11/crashlane-client/internal/logger"
	"github.com/DoyleJ11/crashlane-client/internal/session"
	"github.com/DoyleJ11/crashlane-client/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	startTimeout    = 30 * time.Second
	readLimit       = 1 << 20
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StoreDriver, cfg.StoreDSN, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Each instance gets its own client so tokens never cross.
	factory := func(ctx context.Context, id string) *session.Session {
		ilog := logger.ForInstance(log, id)
		return session.New(ctx, session.Config{
			InstanceID:        id,
			WSURL:             cfg.WSServerURL,
			LobbyURL:          cfg.LobbyURL,
			Lang:              cfg.Lang,
			Embedded:          cfg.Embedded,
			GracePeriod:       cfg.GracePeriod,
			KeepAliveInterval: cfg.KeepAliveInterval,
		},
			api.New(cfg.BaseServerURL, api.WithLogger(ilog)),
			session.WSDialer{ReadLimit: readLimit},
			session.WithLogger(ilog),
			session.WithTokenStore(st),
			session.WithHistoryStore(st),
			session.WithBackoff(backoff.NewConstantBackOff(cfg.ReconnectBackoff)),
		)
	}
	// The hub outlives the signal so shutdown can close sessions in order.
	h := hub.NewHub(context.Background(), factory, log)

	reports := api.New(cfg.BaseServerURL, api.WithLogger(log))
	reports.SetToken(cfg.GameToken)

	routes := httpapi.SetupRoutes(httpapi.Deps{
		Hub:     h,
		Reports: reports,
		Rounds:  st,
		Log:     log,
		Origins: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range cfg.InstanceIDs {
		id := id
		g.Go(func() error {
			startInstance(gctx, h, id, cfg.GameToken, log)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)

		done := make(chan error, 1)
		h.Inbox() <- hub.ShutdownHub{Reply: done}
		select {
		case herr := <-done:
			err = multierr.Append(err, herr)
		case <-sctx.Done():
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

// startInstance restores or sets the token and brings one session up. A
// failed start is logged; the session has already sent the player away.
func startInstance(ctx context.Context, h *hub.Hub, id, token string, log *zap.Logger) {
	reply := make(chan *session.Session, 1)
	select {
	case h.Inbox() <- hub.EnsureSession{InstanceID: id, Reply: reply}:
	case <-ctx.Done():
		return
	}
	s := <-reply

	restored, err := s.LoadAuth(ctx)
	if err != nil {
		log.Warn("load token", zap.String("instance_id", id), zap.Error(err))
	}
	if token != "" {
		s.SetAuth(token)
	} else if !restored {
		log.Warn("no token for instance", zap.String("instance_id", id))
	}

	sctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := s.Start(sctx); err != nil {
		log.Error("start session", zap.String("instance_id", id), zap.Error(err))
		return
	}
	log.Info("session started", zap.String("instance_id", id))
}
