package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sebas/switchyard/internal/calld/amid"
	"github.com/sebas/switchyard/internal/calld/api"
	"github.com/sebas/switchyard/internal/calld/ari"
	"github.com/sebas/switchyard/internal/calld/bus"
	"github.com/sebas/switchyard/internal/calld/confd"
	"github.com/sebas/switchyard/internal/calld/config"
	"github.com/sebas/switchyard/internal/calld/observability"
	"github.com/sebas/switchyard/internal/calld/transfer"
	"github.com/sebas/switchyard/internal/logger"
)

// Switchyard assembles the transfer engine: store, call-control
// clients, state machine, event routing and the HTTP API.
type Switchyard struct {
	config    *config.Config
	ariClient *ari.HTTPClient
	stream    *ari.Stream
	store     transfer.Store
	pgStore   *transfer.PostgresStore
	publisher bus.Publisher
	consumer  *bus.AMQPConsumer
	router    *transfer.Router
	httpSrv   *http.Server
}

// relayToRouter converts a bus-relayed hangup into the same event shape
// the stream delivers, so the router has a single dispatch path.
func relayToRouter(router *transfer.Router) bus.RelayHandler {
	return func(ctx context.Context, ev *bus.RelayedEvent) {
		if ev.Name != "Hangup" {
			return
		}
		id := ev.Fields["Uniqueid"]
		if id == "" {
			return
		}
		router.Handle(ctx, &ari.Event{
			Type: ari.EventChannelDestroyed,
			Channel: &ari.Channel{
				ID:   id,
				Name: ev.Fields["Channel"],
				Vars: map[string]string{
					transfer.VarTransferID:       ev.ChannelVar(transfer.VarTransferID),
					transfer.VarTransferRole:     ev.ChannelVar(transfer.VarTransferRole),
					transfer.VarHangupLockSource: ev.ChannelVar(transfer.VarHangupLockSource),
				},
			},
		})
	}
}

func NewServer(cfg *config.Config) (*Switchyard, error) {
	ariClient := ari.NewHTTPClient(ari.ClientConfig{
		BaseURL:  cfg.AriURL,
		Username: cfg.AriUsername,
		Password: cfg.AriPassword,
	})

	var store transfer.Store
	var pgStore *transfer.PostgresStore
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := transfer.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}
		pgStore = pg
		store = pg
	} else {
		store = transfer.NewMemoryStore()
	}

	busCfg := bus.DefaultAMQPConfig()
	busCfg.URL = cfg.BusURL
	busCfg.ExchangeName = cfg.BusExchange
	busCfg.OriginUUID = cfg.OriginUUID

	var publisher bus.Publisher = &bus.NoopPublisher{}
	if cfg.BusURL != "" {
		p, err := bus.NewAMQPPublisher(busCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to bus: %w", err)
		}
		publisher = p
	}

	metrics := observability.NewMetrics("switchyard")
	originator := transfer.NewOriginator(ariClient, cfg.AriApp)
	notifier := transfer.NewNotifier(publisher)
	machine := transfer.NewMachine(store, originator, notifier, metrics)
	router := transfer.NewRouter(machine, store, originator, metrics)

	amidClient := amid.NewClient(amid.ClientConfig{BaseURL: cfg.AmidURL})
	confdClient := confd.NewClient(confd.ClientConfig{BaseURL: cfg.ConfdURL})

	service := transfer.NewService(machine, ariClient, originator, amidClient, amidClient, confdClient, transfer.ServiceConfig{
		RedirectContext: cfg.RedirectContext,
		RedirectExten:   cfg.RedirectExten,
	})

	apiServer := api.New(service, nil, ariClient)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stream := ari.NewStream(ari.StreamConfig{
		URL:          cfg.AriWebsocketURL,
		Username:     cfg.AriUsername,
		Password:     cfg.AriPassword,
		App:          cfg.AriApp,
		StartupTries: cfg.AriStartupTries,
		RetryDelay:   cfg.AriRetryDelay,
	}, router.Handle)

	// Relayed hangups from the bus cover legs that die while the stream
	// is reattaching.
	var consumer *bus.AMQPConsumer
	if cfg.BusURL != "" {
		c, err := bus.NewAMQPConsumer(busCfg, []string{"ami.hangup"}, relayToRouter(router))
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to relayed events: %w", err)
		}
		consumer = c
	}

	return &Switchyard{
		config:    cfg,
		ariClient: ariClient,
		stream:    stream,
		store:     store,
		pgStore:   pgStore,
		publisher: publisher,
		consumer:  consumer,
		router:    router,
		httpSrv:   httpSrv,
	}, nil
}

// Start connects the event stream, replays state missed while down and
// serves the API until ctx is cancelled.
func (s *Switchyard) Start(ctx context.Context) error {
	if err := s.stream.Connect(ctx); err != nil {
		return fmt.Errorf("event stream connect: %w", err)
	}

	if err := s.router.Recover(ctx); err != nil {
		slog.Warn("State recovery incomplete", "error", err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.stream.Run(ctx)
	}()
	if s.consumer != nil {
		go func() {
			if err := s.consumer.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Relayed event consumer stopped", "error", err)
			}
		}()
	}
	go func() {
		logger.Info("[App] API listening", slog.String("addr", s.config.ListenAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Switchyard) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	if s.consumer != nil {
		_ = s.consumer.Close()
	}
	_ = s.publisher.Close()
	if s.pgStore != nil {
		s.pgStore.Close()
	}
}
