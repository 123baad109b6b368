package resource

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/pimengine/pkg/config"
)

// Factory constructs instances of one resource kind (maildir, calendar,
// dummy). A plug-in registers its TypeRegistrations once; every
// instance created through it shares them.
type Factory struct {
	// Name identifies the resource kind, e.g. "maildir".
	Name string
	// Registrations are the entity-types this resource kind serves.
	Registrations []TypeRegistration
}

// CreateResource assembles a new Instance of this kind for cfg.
func (f *Factory) CreateResource(cfg config.StoreConfig) (*Instance, error) {
	return NewInstance(cfg, f.Registrations)
}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]*Factory)
)

// Register makes a factory loadable by name. Registering the same name
// twice replaces the earlier factory; plug-in re-registration on reload
// is expected.
func Register(f *Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[f.Name] = f
}

// Load locates a registered factory by resource kind name.
func Load(resourceName string) (*Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	f, ok := factories[resourceName]
	if !ok {
		return nil, fmt.Errorf("resource: no factory registered for %q", resourceName)
	}
	return f, nil
}

// Names lists the registered resource kinds, sorted, for diagnostics.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
