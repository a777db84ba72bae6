package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownQueueSystem is returned by Build when no transport is registered
// under the configured queue system.
var ErrUnknownQueueSystem = errors.New("unknown queue system")

type registration struct {
	builder Builder
	caps    Capabilities
}

// Registry maps queue system names to transport builders. Lookups are
// case-insensitive and aliases resolve to their registered name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	aliases map[string]string
}

// DefaultRegistry holds the transports registered by the transport
// sub-packages at init time.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registration),
		aliases: make(map[string]string),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// resolve returns the registered name for name or one of its aliases.
// Callers hold r.mu.
func (r *Registry) resolve(name string) string {
	name = normalize(name)
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

// Register adds a builder whose delivery guarantees are unknown.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: normalize(name)})
}

// RegisterWithCapabilities adds a builder together with the delivery
// guarantees of its queue. A later registration replaces an earlier one.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalize(name)] = registration{builder: builder, caps: caps}
}

// Alias makes alias select the transport registered as name.
func (r *Registry) Alias(alias, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalize(alias)] = normalize(name)
}

// GetCapabilities reports the guarantees of a registered transport. Unknown
// names get zero capabilities carrying only the name, which the relay treats
// as not durable.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[r.resolve(name)]; ok {
		return reg.caps
	}
	return Capabilities{Name: name}
}

// Build connects the transport selected by cfg.GetQueueSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport config is required")
	}

	r.mu.RLock()
	name := r.resolve(cfg.GetQueueSystem())
	reg, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return Transport{}, fmt.Errorf("%w %q (registered: %v)", ErrUnknownQueueSystem, name, r.Names())
	}

	tr, err := reg.builder(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	return tr, nil
}

// Names lists registered transports in order, without aliases.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[r.resolve(name)]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Alias adds an alias to DefaultRegistry.
func Alias(alias, name string) {
	DefaultRegistry.Alias(alias, name)
}

// Build connects a transport through DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
