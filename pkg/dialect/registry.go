package dialect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Dialect registry
var (
	dialectsMu sync.RWMutex
	dialects   = make(map[string]*Dialect)
)

// ErrUnknownDialect is returned when a dialect name is not registered
var ErrUnknownDialect = errors.New("dialect: unknown dialect")

// Get returns a dialect by name
func Get(name string) (*Dialect, bool) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	d, ok := dialects[strings.ToLower(name)]
	return d, ok
}

// Lookup is Get returning ErrUnknownDialect for unregistered names
func Lookup(name string) (*Dialect, error) {
	d, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, name)
	}
	return d, nil
}

// Register adds a dialect, replacing any dialect of the same name
func Register(d *Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[strings.ToLower(d.Name)] = d
}

// List returns all registered dialect names (sorted)
func List() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
