package kafka

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Aarnav2440/extension-kafka/internal/config"
)

// Factory builds a Driver (e.g., sarama, kgo, …).
type Factory func(ConnConfig) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register is called from each driver’s init().
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: kafka: unsupported driver %q (registered: %s)",
		config.ErrInvalid, name, strings.Join(Drivers(), ", "))
}

// Drivers lists the registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
