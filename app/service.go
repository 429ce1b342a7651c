package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/ambulance/api"
	"github.com/kilianp07/ambulance/config"
	"github.com/kilianp07/ambulance/core/dispatch"
	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/geo"
	"github.com/kilianp07/ambulance/core/lifecycle"
	coremetrics "github.com/kilianp07/ambulance/core/metrics"
	"github.com/kilianp07/ambulance/core/model"
	coremon "github.com/kilianp07/ambulance/core/monitoring"
	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/infra/logger"
	"github.com/kilianp07/ambulance/infra/metrics"
	"github.com/kilianp07/ambulance/infra/monitoring"
	"github.com/kilianp07/ambulance/infra/mqtt"
	_ "github.com/kilianp07/ambulance/infra/store"
	"github.com/kilianp07/ambulance/infra/transport"
	"github.com/kilianp07/ambulance/internal/eventbus"
)

// loadTimeout bounds restoring the fleet from the store at startup.
const loadTimeout = 30 * time.Second

// Service wires the dispatch core to its store, transports and API.
type Service struct {
	cfg *config.Config
	log logger.Logger

	store  store.Store
	geo    *geo.Index
	life   *lifecycle.Store
	hub    *fanout.Hub
	fwd    *fanout.Forwarder
	coord  *dispatch.Coordinator
	bus    *eventbus.Bus
	sink   coremetrics.MetricsSink
	audit  audit.Store
	driver *mqtt.DriverChannel
	api    *api.Server

	closers []func() error
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (svc *Service, err error) {
	s := &Service{cfg: cfg, log: logger.New("service")}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	if s.store, err = store.Open(cfg.Store); err != nil {
		return nil, fmt.Errorf("store %s: %w", cfg.Store.Type, err)
	}
	s.closers = append(s.closers, s.store.Close)

	s.geo = geo.New(geo.WithStore(s.store), geo.WithLogger(logger.New("geo")))
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	n, err := s.geo.Load(loadCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("load fleet: %w", err)
	}
	s.log.Infof("restored %d ambulances from %s store", n, cfg.Store.Type)
	s.geo.SetHospitals(cfg.Hospitals)

	if err := s.buildFanout(); err != nil {
		return nil, err
	}

	s.life = lifecycle.New(s.store,
		lifecycle.WithPublisher(s.hub),
		lifecycle.WithLogger(logger.New("lifecycle")),
		lifecycle.WithRetryPolicy(cfg.Dispatch.Retry),
	)

	if s.audit, err = audit.Open(cfg.Dispatch.Audit); err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	s.closers = append(s.closers, s.audit.Close)

	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		s.closers = append(s.closers, func() error { c.Close(); return nil })
	}
	s.bus = eventbus.New()
	s.closers = append(s.closers, func() error { s.bus.Close(); return nil })

	relay := &offerRelay{}
	opts := []dispatch.Option{
		dispatch.WithPublisher(s.hub),
		dispatch.WithAuditStore(s.audit),
		dispatch.WithMetricsSink(fleetGauge{sink: s.sink}),
		dispatch.WithEventBus(s.bus),
		dispatch.WithLogger(logger.New("dispatch")),
	}
	if cfg.MQTT.Enabled {
		opts = append(opts, dispatch.WithNotifier(relay))
	}
	if s.coord, err = dispatch.NewCoordinator(cfg.Dispatch, s.store, s.life, s.geo, opts...); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	s.closers = append(s.closers, s.coord.Close)
	s.hub.SetSnapshot(s.coord.Snapshot)

	if cfg.MQTT.Enabled {
		if s.driver, err = mqtt.NewDriverChannel(cfg.MQTT.Config, s.coord, logger.New("mqtt")); err != nil {
			return nil, fmt.Errorf("mqtt driver channel: %w", err)
		}
		relay.set(s.driver)
		s.closers = append(s.closers, func() error { s.driver.Close(); return nil })
	}

	s.api, err = api.NewServer(cfg.API, api.Deps{
		Dispatcher:  s.coord,
		Emergencies: s.life,
		Fleet:       s.geo,
		Hub:         s.hub,
		Logger:      logger.New("api"),
		Gatherer:    prometheus.DefaultGatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	return s, nil
}

func (s *Service) buildFanout() error {
	var transports []fanout.Transport
	for _, tc := range s.cfg.Fanout.Transports {
		t, err := transport.Open(tc)
		if err != nil {
			for _, opened := range transports {
				_ = opened.Close()
			}
			return fmt.Errorf("transport %s: %w", tc.Type, err)
		}
		transports = append(transports, t)
	}
	opts := []fanout.Option{
		fanout.WithBuffer(s.cfg.Fanout.BufferSize),
		fanout.WithLogger(logger.New("fanout")),
	}
	if len(transports) > 0 {
		s.fwd = fanout.NewForwarder(s.cfg.Fanout.ForwardQueue, logger.New("forwarder"), transports...)
		opts = append(opts, fanout.WithForwarder(s.fwd))
	}
	s.hub = fanout.NewHub(nil, opts...)
	s.closers = append(s.closers, func() error { s.hub.Close(); return nil })
	return nil
}

// Run recovers open offers, starts the background loops and serves the API
// until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	defer coremon.Recover()

	n, err := s.coord.Recover(ctx)
	if err != nil {
		s.log.Errorf("recover offers: %v", err)
		coremon.CaptureException(err, map[string]string{"module": "service"})
	} else if n > 0 {
		s.log.Infof("recovered %d pending emergencies", n)
	}

	collected := metrics.StartEventCollector(ctx, s.bus, s.sink)
	forwarded := make(chan struct{})
	if s.fwd != nil {
		go func() {
			defer close(forwarded)
			s.fwd.Run(ctx)
		}()
	} else {
		close(forwarded)
	}
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		defer coremon.Recover()
		s.coord.Run(ctx)
	}()

	err = s.api.Run(ctx)
	if err != nil {
		s.log.Errorf("api: %v", err)
	}
	<-swept
	<-collected
	<-forwarded
	return err
}

// Close releases resources held by the service in reverse order of
// creation.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}

// offerRelay hands offers to the driver channel, which is created after the
// coordinator because it forwards driver messages to it.
type offerRelay struct {
	ch atomic.Pointer[mqtt.DriverChannel]
}

func (r *offerRelay) set(ch *mqtt.DriverChannel) { r.ch.Store(ch) }

func (r *offerRelay) NotifyOffer(ctx context.Context, offer model.Assignment, em model.EmergencyRequest) error {
	ch := r.ch.Load()
	if ch == nil {
		return errors.New("driver channel not connected yet")
	}
	return ch.NotifyOffer(ctx, offer, em)
}

// fleetGauge passes fleet availability to the sink. Offer outcomes and
// match failures reach the sink through the event collector instead.
type fleetGauge struct {
	coremetrics.NopSink
	sink coremetrics.MetricsSink
}

func (f fleetGauge) RecordFleetAvailability(available, total int) error {
	if r, ok := f.sink.(coremetrics.FleetAvailabilityRecorder); ok {
		return r.RecordFleetAvailability(available, total)
	}
	return nil
}
