package mapper

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named factory to the compile-time plugin registry. Sink
// packages call this from an init() func, e.g.:
//
//	func init() { mapper.Register("keyspaces-cdc-streams.connector.objectstore.objectstore", New) }
//
// This is the registry Design Notes §9 calls for in place of dynamic
// class-name loading: each sink registers a factory under a string key at
// init, and the loader looks the key up instead of using reflection.
func Register(fullyQualifiedName string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[fullyQualifiedName] = factory
}

// Resolve looks up a mapper factory by name, either its short form (e.g.
// "objectstore") or its fully qualified form (e.g.
// "keyspaces-cdc-streams.connector.objectstore.objectstore") — each sink's
// init() registers both against this same map.
func Resolve(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if f, ok := registry[name]; ok {
		return f, nil
	}
	return nil, errors.Trace(NewConfigError("mapper", fmt.Sprintf("no target mapper registered for name %q", name)))
}

// New resolves name and constructs a TargetMapper from opts.
func New(name string, opts Options) (TargetMapper, error) {
	factory, err := Resolve(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m, err := factory(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "constructing target mapper %q", name)
	}
	return m, nil
}
