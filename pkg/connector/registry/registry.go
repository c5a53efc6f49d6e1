// Package registry manages platform connector registration and selection.
// The workflow engine resolves a connector through Open, which maps
// StreamConfig.Platform onto the registered factory for that platform.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
	"github.com/nexflow/streambridge/pkg/logger"
)

// Factory creates a platform connector bound to the given config.
type Factory func(cfg *config.StreamConfig) (core.PlatformClient, error)

// Registry maps platform identifiers to connector factories.
type Registry struct {
	factories map[config.Platform]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[config.Platform]Factory),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register registers a connector factory for a platform. Re-registering a
// platform is a configuration error.
func (r *Registry) Register(platform config.Platform, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[platform]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "platform %s already registered", platform)
	}

	r.factories[platform] = factory
	r.logger.Debug("platform connector registered", zap.String("platform", string(platform)))
	return nil
}

// Open validates cfg, applies environment fallbacks, and instantiates the
// connector for cfg.Platform. An unknown platform name is a configuration
// error; a known platform with no registered factory reports the platform
// as unavailable in this build, so callers can tell "not installed" apart
// from "network down".
func (r *Registry) Open(cfg *config.StreamConfig) (core.PlatformClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid stream config")
	}
	cfg.ApplyEnvFallbacks()

	r.mu.RLock()
	factory, exists := r.factories[cfg.Platform]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeUnavailable,
			"platform %s support is not available in this build", cfg.Platform)
	}

	client, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create connector")
	}

	return client, nil
}

// Platforms returns the registered platform identifiers.
func (r *Registry) Platforms() []config.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]config.Platform, 0, len(r.factories))
	for p := range r.factories {
		platforms = append(platforms, p)
	}
	return platforms
}

// Has reports whether a factory is registered for the platform.
func (r *Registry) Has(platform config.Platform) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[platform]
	return exists
}

// Clear removes all registered factories (mainly for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[config.Platform]Factory)
}

// Global registry functions

// Register registers a factory in the global registry.
func Register(platform config.Platform, factory Factory) error {
	return globalRegistry.Register(platform, factory)
}

// Open instantiates a connector from the global registry.
func Open(cfg *config.StreamConfig) (core.PlatformClient, error) {
	return globalRegistry.Open(cfg)
}

// Platforms returns registered platforms from the global registry.
func Platforms() []config.Platform {
	return globalRegistry.Platforms()
}

// Has checks the global registry for a platform.
func Has(platform config.Platform) bool {
	return globalRegistry.Has(platform)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
