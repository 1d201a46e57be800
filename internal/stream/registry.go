package stream

import (
	"sync"

	"github.com/juju/errors"
)

// Factory constructs a Transport from the connector's configuration
// document. Concrete CDC sources (Keyspaces, Kinesis, or a test double)
// register a Factory under a name at init time; this package never ships
// one itself.
type Factory func(opts map[string]string) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named Transport factory to the compile-time plugin
// registry, mirroring mapper.Register's pattern: a concrete transport
// package calls this from an init() func, and the connector binary wires
// it in with a blank import, e.g.:
//
//	import _ "example.com/keyspaces-transport"
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Resolve looks up a Transport factory by name. It returns a descriptive
// error when nothing is registered under name, since this package
// deliberately ships no concrete transport: the deployer must link one in.
func Resolve(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if f, ok := registry[name]; ok {
		return f, nil
	}
	return nil, errors.NotFoundf("no CDC transport registered under name %q; link in a concrete transport package with a blank import", name)
}

// New resolves name and constructs a Transport from opts.
func New(name string, opts map[string]string) (Transport, error) {
	if name == "" {
		return nil, errors.New("transport.class is required: the CDC stream source has no built-in default")
	}
	factory, err := Resolve(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t, err := factory(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "constructing transport %q", name)
	}
	return t, nil
}
