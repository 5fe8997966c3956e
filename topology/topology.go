// Package topology is the accelerator's view of guest memory topology
// change: the Section the address-space framework hands out on every
// add/remove/move, the Listener a device registers to hear about them, and
// a tag-keyed Registry so a device can be looked up without the framework
// holding a direct back-pointer to it.
//
// Grounded on the MemoryListener / MemoryRegionSection plumbing in
// hw/vhost.c (region_add/region_del/log_sync/log_global_start/stop), with
// the registry itself modeled on virtio/mmio/bus.go's mutex-guarded device
// map in the teacher repo.
package topology

import "sync"

// Section describes a contiguous piece of guest memory the address-space
// framework is notifying listeners about. AddressSpace and Region are
// opaque identities supplied by the framework: AddressSpace is compared
// with == against a device's configured system address space, and Region
// is passed back to the AddressSpace collaborator (IsRAM, IsLogging,
// MarkDirty, RAMPointer) uninterpreted.
type Section struct {
	AddressSpace any
	Region       any

	OffsetWithinAddressSpace uint64
	OffsetWithinRegion       uint64
	Size                     uint64
}

// Listener is the set of notifications a device subscribes to.
type Listener interface {
	RegionAdd(Section)
	RegionDel(Section)
	RegionNop(Section)
	LogSync(Section)
	LogGlobalStart()
	LogGlobalStop()
}

// Tag is an opaque, stable handle for a registered Listener. The framework
// dispatches by tag rather than holding a Listener (or a back-pointer to
// its owning device) directly, so a device's lifetime is never entangled
// with the registry's.
type Tag uint64

// Registry is a process-wide, mutex-guarded tag -> Listener table.
type Registry struct {
	mu   sync.Mutex
	next Tag
	byID map[Tag]Listener
}

// NewRegistry returns an empty registry. Most callers use Global; NewRegistry
// exists for tests that want isolation from it.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[Tag]Listener)}
}

// Global is the process-wide registry devices register themselves under.
var Global = NewRegistry()

// Register assigns l a fresh tag and returns it. The returned tag is valid
// until Unregister is called with it.
func (r *Registry) Register(l Listener) Tag {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	tag := r.next
	r.byID[tag] = l

	return tag
}

// Unregister removes tag's listener. It is a no-op if tag is not
// (or no longer) registered.
func (r *Registry) Unregister(tag Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, tag)
}

// Lookup returns the listener registered under tag, if any.
func (r *Registry) Lookup(tag Tag) (Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.byID[tag]

	return l, ok
}
