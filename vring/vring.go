// Package vring binds a single virtqueue between the VMM's emulated queue
// state and the accelerator: it maps the four ring areas into the core's
// address space, publishes them to the accelerator, and re-verifies the
// mapping whenever guest memory topology changes underneath a running
// device.
//
// Grounded on vhost_virtqueue_init / vhost_virtqueue_cleanup /
// vhost_verify_ring_mappings in hw/vhost.c, translated into the teacher's
// map/unmap-with-unwind style (c35s/hype's vm.Machine / kvm package error
// wrapping, and virtq.Q's descriptor-ring field naming).
package vring

import (
	"errors"
	"fmt"
)

// ErrNoMemory is returned when the memory mapper returns a short or null
// mapping for a ring area.
var ErrNoMemory = errors.New("vring: map returned short or null region")

// ErrRelocated is returned by VerifyMapping when a ring's backing pages
// have moved host-virtual address out from under a live device. This is
// fatal: the caller must abort or reset the device.
var ErrRelocated = errors.New("vring: ring buffer relocated")

// Mapping is a single pinned host-virtual window over guest-physical
// memory, returned by Mapper.Map.
type Mapping interface {
	// Addr is the mapping's host-virtual address.
	Addr() uintptr

	// Len is the mapping's length in bytes, which may be less than
	// requested if the mapper could only pin a prefix.
	Len() int

	// Unmap releases the mapping. dirtyLen marks the trailing dirtyLen
	// bytes of the mapping dirty before the mapping ends, for writable
	// mappings whose accelerator-visible writes must survive for
	// migration.
	Unmap(dirtyLen int) error
}

// Mapper pins guest-physical memory into the core's host-virtual address
// space (the "guest-physical mapping primitive" collaborator, out of scope
// per spec section 1 / 6).
type Mapper interface {
	Map(guestPhys uint64, size int, writable bool) (Mapping, error)
}

// EmulatedQueue is the VMM's emulated virtio queue state for one index (the
// "emulated virtio queue" collaborator, out of scope per spec section 6).
type EmulatedQueue interface {
	Num() int

	DescAddr() uint64
	DescSize() int

	AvailAddr() uint64
	AvailSize() int

	UsedAddr() uint64
	UsedSize() int

	RingAddr() uint64
	RingSize() int

	LastAvailIdx() uint16
	SetLastAvailIdx(uint16)

	HostNotifierFD() int
	GuestNotifierFD() int
}

// ControlChannel is the accelerator control-channel subset vring needs:
// per-queue setup ioctls plus the ability to read a queue's state back.
// The ioctl package is intentionally not imported here; a real channel is
// built in the vaccel package and a fake one in tests, both satisfying
// this interface structurally.
type ControlChannel interface {
	SetVringNum(idx, num int) error
	SetVringBase(idx int, lastAvailIdx uint16) error
	GetVringBase(idx int) (uint16, error)
	SetVringAddr(idx int, desc, used, avail, logAddr uint64, logEnabled bool) error
	SetVringKick(idx, fd int) error
	SetVringCall(idx, fd int) error
}

// Queue is the bound, materialised state of one virtqueue.
type Queue struct {
	Index int
	Num   int

	desc, avail, used, ring Mapping

	UsedPhys uint64
	UsedSize int

	RingPhys uint64
	RingSize int
}

// DescAddr returns the host-virtual address of the mapped descriptor
// table.
func (q *Queue) DescAddr() uint64 { return uint64(q.desc.Addr()) }

// AvailAddr returns the host-virtual address of the mapped available
// ring.
func (q *Queue) AvailAddr() uint64 { return uint64(q.avail.Addr()) }

// Init materialises vq's ring: queries size and last-avail-idx, maps the
// four ring areas, publishes them, and binds kick/call. Any failure unwinds
// earlier maps in reverse order.
func Init(cc ControlChannel, mapper Mapper, eq EmulatedQueue, idx int, logEnabled bool) (*Queue, error) {
	q := &Queue{Index: idx, Num: eq.Num()}

	if err := cc.SetVringNum(idx, q.Num); err != nil {
		return nil, fmt.Errorf("vring %d: SET_VRING_NUM: %w", idx, err)
	}

	if err := cc.SetVringBase(idx, eq.LastAvailIdx()); err != nil {
		return nil, fmt.Errorf("vring %d: SET_VRING_BASE: %w", idx, err)
	}

	var mapped []Mapping

	unwind := func(err error) (*Queue, error) {
		for i := len(mapped) - 1; i >= 0; i-- {
			mapped[i].Unmap(0)
		}

		return nil, err
	}

	mapRO := func(addr uint64, size int) (Mapping, error) {
		m, err := mapper.Map(addr, size, false)
		if err != nil {
			return nil, err
		}

		if m == nil || m.Len() != size {
			return nil, ErrNoMemory
		}

		mapped = append(mapped, m)

		return m, nil
	}

	mapRW := func(addr uint64, size int) (Mapping, error) {
		m, err := mapper.Map(addr, size, true)
		if err != nil {
			return nil, err
		}

		if m == nil || m.Len() != size {
			return nil, ErrNoMemory
		}

		mapped = append(mapped, m)

		return m, nil
	}

	var err error

	if q.desc, err = mapRO(eq.DescAddr(), eq.DescSize()); err != nil {
		return unwind(fmt.Errorf("vring %d: map desc: %w", idx, err))
	}

	if q.avail, err = mapRO(eq.AvailAddr(), eq.AvailSize()); err != nil {
		return unwind(fmt.Errorf("vring %d: map avail: %w", idx, err))
	}

	q.UsedSize = eq.UsedSize()
	q.UsedPhys = eq.UsedAddr()

	if q.used, err = mapRW(q.UsedPhys, q.UsedSize); err != nil {
		return unwind(fmt.Errorf("vring %d: map used: %w", idx, err))
	}

	q.RingSize = eq.RingSize()
	q.RingPhys = eq.RingAddr()

	if q.ring, err = mapRW(q.RingPhys, q.RingSize); err != nil {
		return unwind(fmt.Errorf("vring %d: map ring: %w", idx, err))
	}

	if err := cc.SetVringAddr(idx, q.DescAddr(), uint64(q.used.Addr()), q.AvailAddr(), q.UsedPhys, logEnabled); err != nil {
		return unwind(fmt.Errorf("vring %d: SET_VRING_ADDR: %w", idx, err))
	}

	if err := cc.SetVringKick(idx, eq.HostNotifierFD()); err != nil {
		return unwind(fmt.Errorf("vring %d: SET_VRING_KICK: %w", idx, err))
	}

	if err := cc.SetVringCall(idx, eq.GuestNotifierFD()); err != nil {
		return unwind(fmt.Errorf("vring %d: SET_VRING_CALL: %w", idx, err))
	}

	return q, nil
}

// Cleanup reads back the last-avail-idx into eq, unmaps all four ring areas,
// and marks the used/ring pages dirty on unmap so residual accelerator
// writes survive for migration.
func Cleanup(cc ControlChannel, eq EmulatedQueue, q *Queue) error {
	idx, err := cc.GetVringBase(q.Index)

	if err != nil {
		err = fmt.Errorf("vring %d: GET_VRING_BASE: %w", q.Index, err)
	} else {
		eq.SetLastAvailIdx(idx)
	}

	if q.ring != nil {
		q.ring.Unmap(q.RingSize)
	}

	if q.used != nil {
		q.used.Unmap(q.UsedSize)
	}

	if q.avail != nil {
		q.avail.Unmap(0)
	}

	if q.desc != nil {
		q.desc.Unmap(0)
	}

	return err
}

// VerifyMapping re-maps q's ring and checks the returned host pointer
// against the one recorded at Init time. Called on every memory-table
// change while the device is started, for any queue whose ring overlaps
// the changed range.
func VerifyMapping(mapper Mapper, q *Queue) error {
	m, err := mapper.Map(q.RingPhys, q.RingSize, true)
	if err != nil {
		return fmt.Errorf("vring %d: verify map: %w", q.Index, err)
	}

	if m == nil || m.Len() != q.RingSize {
		return fmt.Errorf("vring %d: %w", q.Index, ErrNoMemory)
	}

	defer m.Unmap(0)

	if m.Addr() != q.ring.Addr() {
		return fmt.Errorf("vring %d: %w", q.Index, ErrRelocated)
	}

	return nil
}
