package lidkaart

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// Service hosts the engine behind an HTTP reverse proxy in front of the
// origin and runs its background loops.
type Service struct {
	cfg Config
	log zerolog.Logger

	store    CacheStore
	fetcher  Fetcher
	engine   *Engine
	sync     *syncManager
	registry *prometheus.Registry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewService(cfg Config, log zerolog.Logger) (*Service, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	return newService(cfg, log, store, newOriginFetcher(cfg.Server.Origin, cfg.originTimeout))
}

func newService(cfg Config, log zerolog.Logger, store CacheStore, fetcher Fetcher) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := NewEngine(EngineOptions{
		Store:              store,
		Fetcher:            fetcher,
		DynamicNamespace:   cfg.DynamicNamespace(),
		StaticNamespace:    cfg.StaticNamespace(),
		VerifyPrefixes:     cfg.VerifyPrefixes(),
		StaticDestinations: cfg.Static.Destinations,
		Precache:           cfg.Static.Precache,
		ManifestURL:        cfg.Static.ManifestURL,
		OriginHost:         origin.Host,
		SyncTag:            cfg.Sync.Tag,
		Logger:             log.With().Str("component", "engine").Logger(),
		Registerer:         reg,
	})

	return &Service{
		cfg:      cfg,
		log:      log,
		store:    store,
		fetcher:  fetcher,
		engine:   engine,
		sync:     newSyncManager(engine, fetcher, cfg.Sync.Probe, log.With().Str("component", "sync").Logger()),
		registry: reg,
		stopCh:   make(chan struct{}),
	}, nil
}

func (s *Service) Engine() *Engine { return s.engine }

// Start installs and activates the engine and starts the background loops.
// A failed install is returned as is; the service must not serve with a
// partially seeded static namespace.
func (s *Service) Start(ctx context.Context) error {
	if err := s.engine.Install(ctx); err != nil {
		return err
	}
	if s.engine.SkipWaiting() {
		if _, err := s.engine.Activate(ctx); err != nil {
			return err
		}
	}

	if s.cfg.syncRetryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncLoop(s.cfg.syncRetryDur)
		}()
	}
	if s.cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.logStatsEveryDur)
		}()
	}
	return nil
}

func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.engine.Close()
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close store")
	}
}
