package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/postrelay/internal/runtime/config"
	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
	transportpkg "github.com/drblury/postrelay/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Registry resolves Conf.QueueSystem. Defaults to transport.DefaultRegistry.
	Registry *transportpkg.Registry
	// Transport skips the registry when set.
	Transport *transportpkg.Transport

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// Hooks run after the built-in logging and metrics hooks.
	Hooks RelayHooks
	// Registerer receives relay and router collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer      prometheus.Registerer
	ErrorClassifier ErrorClassifier
}

// Service wires the durable queue transport to a Watermill router and the
// relay middleware chain.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	capabilities transportpkg.Capabilities
	publisher    message.Publisher
	subscriber   message.Subscriber
	router       *message.Router

	registerer prometheus.Registerer
	metrics    *RelayMetrics
	hooks      RelayHooks

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	errorClassifier ErrorClassifier
	closeOnce       sync.Once
	closeErr        error
}

// NewService connects to the configured queue and prepares the router.
// Register handlers on the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errors.New("postrelay: config is required")
	}
	if log == nil {
		log = loggingpkg.Discard()
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating relay service", loggingpkg.LogFields{
		"queue_system": conf.QueueSystem,
		"config":       conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		registerer:      deps.Registerer,
		errorClassifier: deps.ErrorClassifier,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	s.metrics = NewRelayMetrics(s.registerer)
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register relay metrics: %w", err)
		}
	}
	s.hooks = LoggingHooks(log).Merge(MetricsHooks(s.metrics)).Merge(deps.Hooks)

	registry := deps.Registry
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}
	if deps.Transport != nil {
		s.transport = *deps.Transport
	} else {
		t, err := registry.Build(ctx, conf, wmLogger)
		if err != nil {
			return nil, err
		}
		s.transport = t
	}
	s.capabilities = registry.GetCapabilities(conf.QueueSystem)
	if provider, ok := s.transport.Publisher.(transportpkg.CapabilitiesProvider); ok {
		s.capabilities = provider.Capabilities()
	}
	s.publisher = s.transport.Publisher
	s.subscriber = s.transport.Subscriber

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.ShutdownTimeout}, wmLogger)
	if err != nil {
		_ = s.transport.Close()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.transport.Close()
		return nil, err
	}

	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start runs the router until ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	return routerRun(s.router, ctx)
}

// Running is closed once every handler is subscribed.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the router, letting in-flight messages finish, and then
// closes the transport.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		routerErr := s.router.Close()
		transportErr := s.transport.Close()
		s.closeErr = errors.Join(routerErr, transportErr)
	})
	return s.closeErr
}

// Publisher returns the queue publisher.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Capabilities reports the delivery guarantees of the configured queue.
func (s *Service) Capabilities() transportpkg.Capabilities { return s.capabilities }

// Metrics returns the relay outcome counters.
func (s *Service) Metrics() *RelayMetrics { return s.metrics }

// NewProducer returns a Producer publishing to the configured queue.
func (s *Service) NewProducer() (*Producer, error) {
	return NewProducer(s.publisher, s.Conf.QueueName, s.Logger)
}
