package dispatch

import (
	"context"
	"sync"
)

// Vendor function names looked up by the pixel sinks.
const (
	VendorGtag = "gtag"
	VendorFbq  = "fbq"
)

// VendorFunc is a vendor's tracking entry point, shaped like the browser
// globals: fn(command, target, params), e.g. ("event", "page_view", {...})
// or ("init", "<pixel id>", nil).
type VendorFunc func(ctx context.Context, command, target string, params map[string]any) error

// Registry looks vendor functions up by name. A missing function means the
// vendor is not installed.
type Registry interface {
	Lookup(name string) (VendorFunc, bool)
}

// MapRegistry is a mutable Registry.
type MapRegistry struct {
	mu    sync.RWMutex
	funcs map[string]VendorFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *MapRegistry {
	return &MapRegistry{funcs: make(map[string]VendorFunc)}
}

// Register installs fn under name, replacing any previous function.
func (r *MapRegistry) Register(name string, fn VendorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Unregister removes name.
func (r *MapRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, name)
}

func (r *MapRegistry) Lookup(name string) (VendorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok && fn != nil
}
