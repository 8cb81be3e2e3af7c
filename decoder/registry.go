package decoder

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/michaelhil/euroscope2mcp/errors"
)

// instanceKey identifies a cached decoder instance. Config is a
// comparable value type, so structurally equal configurations map to
// the same cache slot regardless of how they were produced.
type instanceKey struct {
	name string
	cfg  Config
}

// Registry manages decoder factories and caches created instances.
// It is safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	order     []string
	instances map[instanceKey]Decoder
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewRegistry creates an empty decoder registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default().With("component", "decoder-registry")
	}
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[instanceKey]Decoder),
		logger:    logger,
	}
}

// Register adds a decoder factory under the given name. Registering a
// name twice overwrites the previous factory with a warning; cached
// instances built from the old factory are dropped.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Registry", "Register", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		r.logger.Warn("overwriting registered decoder factory", "name", name)
		for key := range r.instances {
			if key.name == name {
				delete(r.instances, key)
			}
		}
	} else {
		r.order = append(r.order, name)
	}

	r.factories[name] = factory
	return nil
}

// Create returns a decoder instance for (name, cfg), constructing it on
// first use and caching it for identical configurations afterwards.
func (r *Registry) Create(name string, cfg Config) (Decoder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownParser, name),
			"Registry", "Create", "factory lookup")
	}

	key := instanceKey{name: name, cfg: cfg}
	if instance, ok := r.instances[key]; ok {
		return instance, nil
	}

	instance, err := factory(cfg, r.logger.With("decoder", name))
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", "factory execution")
	}

	r.instances[key] = instance
	return instance, nil
}

// CanHandle probes whether the named decoder recognizes the given line,
// creating (or reusing) an instance with the supplied configuration.
// An unregistered name reports false.
func (r *Registry) CanHandle(name string, cfg Config, line string) bool {
	d, err := r.Create(name, cfg)
	if err != nil {
		return false
	}
	return d.CanHandle(line)
}

// List returns registered decoder names in registration order.
// Overwriting a factory keeps its original position.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
