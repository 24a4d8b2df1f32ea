// Package registry maps transport names to factories. Transports register
// themselves from init(); import a transport package for its side effect to
// make it available:
//
//	import _ "github.com/ajitpratap0/actuator/pkg/connector/transports/redis"
package registry

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/logger"
)

// Deps carries shared clients into transport factories.
type Deps struct {
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Factory creates a transport from decoded settings. It must not perform
// I/O; connecting happens in Transport.Dial.
type Factory func(settings *config.Settings, deps Deps) (core.Transport, error)

// TransportInfo describes a registered transport
type TransportInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Endpoint    string   `json:"endpoint"`
	Options     []string `json:"options,omitempty"`
}

type entry struct {
	info    TransportInfo
	factory Factory
}

// Registry manages transport registration and instantiation
type Registry struct {
	transports map[string]entry
	mu         sync.RWMutex
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new transport registry
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]entry)}
}

// Register adds a transport factory
func (r *Registry) Register(info TransportInfo, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transports[info.Name]; exists {
		return errors.New(errors.ErrorTypeInternal, fmt.Sprintf("transport %s already registered", info.Name))
	}
	r.transports[info.Name] = entry{info: info, factory: factory}
	return nil
}

// Create builds the transport named by settings.Transport
func (r *Registry) Create(settings *config.Settings, deps Deps) (core.Transport, error) {
	r.mu.RLock()
	e, exists := r.transports[settings.Transport]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Config(errors.KindWrongType, "settings:transport",
			fmt.Sprintf("unknown transport %q (registered: %v)", settings.Transport, r.List()))
	}
	if deps.Logger == nil {
		deps.Logger = logger.Get()
	}
	deps.Logger = deps.Logger.With(zap.String("transport", settings.Transport))

	transport, err := e.factory(settings, deps)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeConfig) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create transport %s", settings.Transport))
	}
	return transport, nil
}

// List returns the sorted names of registered transports
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has checks if a transport is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.transports[name]
	return exists
}

// Info returns the description of a registered transport
func (r *Registry) Info(name string) (TransportInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.transports[name]
	return e.info, exists
}

// Global registry functions

// Register registers a transport in the global registry
func Register(info TransportInfo, factory Factory) error {
	return globalRegistry.Register(info, factory)
}

// Create creates a transport from the global registry
func Create(settings *config.Settings, deps Deps) (core.Transport, error) {
	return globalRegistry.Create(settings, deps)
}

// List returns registered transports from the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a transport is registered in the global registry
func Has(name string) bool {
	return globalRegistry.Has(name)
}

// Info describes a transport of the global registry
func Info(name string) (TransportInfo, bool) {
	return globalRegistry.Info(name)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
