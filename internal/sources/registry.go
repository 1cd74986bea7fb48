package sources

import (
	"fmt"
	"sort"
	"sync"

	"studylink/internal/models"
)

// Source type tags. These are the discriminator values stored on the
// data_sources table and the keys studies use in their source-type lists.
const (
	TypeURLJSON           = "url_json"
	TypeMobileSensing     = "mobile_sensing"
	TypeGooglePortability = "google_portability"
	TypeTikTokPortability = "tiktok_portability"
)

// UnknownTypeError reports a source type tag no descriptor was registered
// for. Creation flows surface it to the user instead of guessing.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown source type %q", e.Type)
}

// Descriptor binds a source type tag to its adapter and capability flags.
type Descriptor struct {
	Type        string
	DisplayName string

	// RequiresSetup marks sources needing a one-time provisioning step
	// (QR config link, OAuth authorization).
	RequiresSetup bool

	// RequiresConfirmation marks sources needing a verification step before
	// they become active.
	RequiresConfirmation bool

	Adapter Adapter
}

// Registry is the explicit type-tag to descriptor mapping, populated at
// startup. Lookup is by exact key; there is no reflective discovery.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Registering the same type twice is a
// programmer error.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[d.Type]; exists {
		panic(fmt.Sprintf("sources: duplicate registration for type %q", d.Type))
	}
	r.types[d.Type] = d
}

// Lookup returns the descriptor for a type tag.
func (r *Registry) Lookup(sourceType string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[sourceType]
	if !ok {
		return nil, &UnknownTypeError{Type: sourceType}
	}
	return d, nil
}

// AdapterFor dispatches a generic record to its variant's adapter.
func (r *Registry) AdapterFor(source *models.DataSource) (Adapter, error) {
	d, err := r.Lookup(source.Type)
	if err != nil {
		return nil, err
	}
	return d.Adapter, nil
}

// Types returns all registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.types))
	for tag := range r.types {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
