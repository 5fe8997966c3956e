// Package vaccel is the userspace control plane coupling a VMM to an
// in-kernel virtio device accelerator: feature negotiation, virtqueue
// setup/teardown, notifier rewiring, and the start/stop protocol, with
// strict unwind on any partial failure.
//
// Grounded on vhost_dev_init / vhost_dev_start / vhost_dev_stop /
// vhost_dev_cleanup in QEMU's hw/vhost.c, cast in the teacher's vm.Machine
// error-wrapping and Config.withDefaults/validate style.
package vaccel

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"unsafe"

	"github.com/nvio/vaccel/dirtylog"
	"github.com/nvio/vaccel/ioctl"
	"github.com/nvio/vaccel/memregion"
	"github.com/nvio/vaccel/topology"
	"github.com/nvio/vaccel/vring"
)

// Error kinds. NoMemory, Relocated and Inconsistent are produced by
// lower packages (vring, memregion) and re-exported here; this package's
// sentinels are what callers should errors.Is against.
var (
	ErrNotSupported = errors.New("vaccel: operation not supported by this binding")
	ErrIo           = errors.New("vaccel: accelerator ioctl failed")
	ErrNoMemory     = vring.ErrNoMemory
	ErrRelocated    = vring.ErrRelocated
	ErrInconsistent = memregion.ErrInconsistent

	// ErrConfig is returned by Init when the supplied Config is invalid.
	ErrConfig = errors.New("vaccel: invalid config")
)

// AddressSpace is the guest address-space framework's query surface
// (spec section 6, "Address-space framework"). Region is the opaque
// identity carried on a topology.Section.
type AddressSpace interface {
	IsRAM(region any) bool
	IsLogging(region any) bool
	RAMPointer(region any) (uintptr, error)
	MarkDirty(region any, offset uint64, length int)
}

// DeviceBinding toggles host/guest notifier wiring on the emulated device
// (spec section 6, "Device binding").
type DeviceBinding interface {
	SetHostNotifier(idx int, on bool) error
	SetGuestNotifiers(on bool) error
	QueryGuestNotifiers() bool
}

// ControlChannel is the full accelerator wire contract the device
// lifecycle needs: vring.ControlChannel's per-queue subset plus the
// device-wide ownership, feature, and memory-table ioctls. A real
// implementation (IOCTLChannel) lives in this package; tests supply a
// fake.
type ControlChannel interface {
	vring.ControlChannel

	SetOwner() error
	GetFeatures() (uint64, error)
	SetFeatures(bits uint64) error
	SetMemTable(regions []ioctl.MemRegion) error
	SetLogBase(addr uint64) error
}

// IOCTLChannel is the real ControlChannel, issuing the wire-contract
// ioctls defined in package ioctl against an open accelerator device fd.
type IOCTLChannel struct {
	FD uintptr
}

func (c IOCTLChannel) SetOwner() error {
	return ioctl.Call(c.FD, ioctl.SetOwner, nil)
}

func (c IOCTLChannel) GetFeatures() (uint64, error) {
	return ioctl.CallU64(c.FD, ioctl.GetFeatures, 0)
}

func (c IOCTLChannel) SetFeatures(bits uint64) error {
	_, err := ioctl.CallU64(c.FD, ioctl.SetFeatures, bits)
	return err
}

func (c IOCTLChannel) SetMemTable(regions []ioctl.MemRegion) error {
	return ioctl.CallPtr(c.FD, ioctl.SetMemTable, ioctl.EncodeMemTable(regions))
}

func (c IOCTLChannel) SetLogBase(addr uint64) error {
	_, err := ioctl.CallU64(c.FD, ioctl.SetLogBase, addr)
	return err
}

func (c IOCTLChannel) SetVringNum(idx, num int) error {
	st := ioctl.VringState{Index: uint32(idx), Num: uint32(num)}
	return ioctl.Call(c.FD, ioctl.SetVringNum, unsafe.Pointer(&st))
}

func (c IOCTLChannel) SetVringBase(idx int, lastAvailIdx uint16) error {
	st := ioctl.VringState{Index: uint32(idx), Num: uint32(lastAvailIdx)}
	return ioctl.Call(c.FD, ioctl.SetVringBase, unsafe.Pointer(&st))
}

func (c IOCTLChannel) GetVringBase(idx int) (uint16, error) {
	st := ioctl.VringState{Index: uint32(idx)}
	if err := ioctl.Call(c.FD, ioctl.GetVringBase, unsafe.Pointer(&st)); err != nil {
		return 0, err
	}

	return uint16(st.Num), nil
}

func (c IOCTLChannel) SetVringAddr(idx int, desc, used, avail, logAddr uint64, logEnabled bool) error {
	var flags uint32
	if logEnabled {
		flags = ioctl.VringFLog
	}

	addr := ioctl.VringAddr{
		Index:         uint32(idx),
		Flags:         flags,
		DescUserAddr:  desc,
		UsedUserAddr:  used,
		AvailUserAddr: avail,
		LogGuestAddr:  logAddr,
	}

	return ioctl.Call(c.FD, ioctl.SetVringAddr, unsafe.Pointer(&addr))
}

func (c IOCTLChannel) SetVringKick(idx, fd int) error {
	f := ioctl.VringFile{Index: uint32(idx), FD: int32(fd)}
	return ioctl.Call(c.FD, ioctl.SetVringKick, unsafe.Pointer(&f))
}

func (c IOCTLChannel) SetVringCall(idx, fd int) error {
	f := ioctl.VringFile{Index: uint32(idx), FD: int32(fd)}
	return ioctl.Call(c.FD, ioctl.SetVringCall, unsafe.Pointer(&f))
}

// Config configures a device Handle.
type Config struct {
	// Channel, if set, is used directly as the accelerator control
	// channel, bypassing FD/Open entirely. Tests supply a fake here.
	Channel ControlChannel

	// FD is the already-open control-channel file descriptor, wrapped in
	// an IOCTLChannel when Channel is unset. One of Channel, FD or Open
	// must be set.
	FD uintptr

	// Open, if set, is called by Init to obtain the control-channel file
	// descriptor instead of using FD directly (vhost_dev_init's
	// devfd-or-open-by-path pattern).
	Open func() (uintptr, error)

	// Queues is this device's fixed-length virtqueue array: one
	// EmulatedQueue collaborator per queue index.
	Queues []vring.EmulatedQueue

	// Force enables the device even when the binding reports it lacks
	// guest-notifier support.
	Force bool

	// AddressSpace is the system address space this device's sections
	// are compared against. Notifications for any other address space
	// are ignored.
	AddressSpace any

	// WantFeatures, if nonzero, is masked against the accelerator's
	// reported feature bitmask to produce the acknowledged subset SET_FEATURES
	// publishes at Start. Zero means "accept everything reported".
	WantFeatures uint64

	Memory   AddressSpace
	Mapper   vring.Mapper
	Binding  DeviceBinding
	Registry *topology.Registry
}

func (c Config) withDefaults() Config {
	if c.Registry == nil {
		c.Registry = topology.Global
	}

	return c
}

func (c Config) validate() error {
	if c.Channel == nil && c.FD == 0 && c.Open == nil {
		return fmt.Errorf("%w: one of Channel, FD or Open is required", ErrConfig)
	}

	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: at least one queue is required", ErrConfig)
	}

	if c.Memory == nil || c.Mapper == nil || c.Binding == nil {
		return fmt.Errorf("%w: Memory, Mapper and Binding are required", ErrConfig)
	}

	return nil
}

// featureLogAll is the feature bit enabling full dirty-page logging
// (VHOST_F_LOG_ALL).
const featureLogAll = ioctl.FLogAll

// state is the device lifecycle's current position.
type state int

const (
	stateInit state = iota
	stateRegistered
	stateStarted
	stateStartedLogging
	stateCleaned
)

// Handle is one accelerator device instance.
type Handle struct {
	cfg   Config
	cc    ControlChannel
	tag   topology.Tag
	state state

	features uint64
	acked    uint64

	table    memregion.Table
	sections []topology.Section

	log *dirtylog.Log

	vqs []*vring.Queue
}

// Init opens the control channel (or adopts cfg.FD), takes ownership,
// queries features, and registers the topology listener.
func Init(cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cc := cfg.Channel

	if cc == nil {
		fd := cfg.FD

		if cfg.Open != nil {
			var err error

			fd, err = cfg.Open()
			if err != nil {
				return nil, fmt.Errorf("%w: open control channel: %w", ErrIo, err)
			}
		}

		cc = IOCTLChannel{FD: fd}
	}

	if err := cc.SetOwner(); err != nil {
		return nil, fmt.Errorf("%w: SET_OWNER: %w", ErrIo, err)
	}

	features, err := cc.GetFeatures()
	if err != nil {
		return nil, fmt.Errorf("%w: GET_FEATURES: %w", ErrIo, err)
	}

	acked := features
	if cfg.WantFeatures != 0 {
		acked &= cfg.WantFeatures
	}

	h := &Handle{
		cfg:      cfg,
		cc:       cc,
		features: features,
		acked:    acked,
		vqs:      make([]*vring.Queue, len(cfg.Queues)),
		state:    stateRegistered,
	}

	h.tag = cfg.Registry.Register(h)

	return h, nil
}

// Query reports whether this binding can support the features this device
// needs. It returns true if no queues are configured, if there is no device
// binding, if the binding reports guest notifiers as usable, or if Force is
// set (vhost_dev_query's triple-OR, plus the no-queues check).
func (h *Handle) Query() bool {
	if len(h.cfg.Queues) == 0 {
		return true
	}

	if h.cfg.Binding == nil {
		return true
	}

	return h.cfg.Binding.QueryGuestNotifiers() || h.cfg.Force
}

// Cleanup unregisters the topology listener, frees the table and section
// cache, and closes the control channel. Cleanup does not close an
// externally supplied FD; it is only responsible for the channel it opened
// itself via Config.Open.
func (h *Handle) Cleanup() {
	h.cfg.Registry.Unregister(h.tag)

	h.table = memregion.Table{}
	h.sections = nil
	h.log = nil

	if h.cfg.Channel == nil && h.cfg.Open != nil {
		if err := syscall.Close(int(h.cc.(IOCTLChannel).FD)); err != nil {
			logWarn("close control channel", err)
		}
	}

	h.state = stateCleaned
}

// EnableNotifiers binds every queue's host notifier, unwinding previously
// enabled queues on failure. It is exposed directly for callers that want
// notifier control decoupled from Start (Start already calls it).
func (h *Handle) EnableNotifiers() error {
	return h.enableNotifiers()
}

// DisableNotifiers unbinds every queue's host notifier. Every failure is
// logged; none is returned, matching the lifecycle's best-effort teardown.
func (h *Handle) DisableNotifiers() {
	h.disableNotifiersBestEffort()
}

func (h *Handle) isStarted() bool {
	return h.state == stateStarted || h.state == stateStartedLogging
}

func (h *Handle) isLogging() bool {
	return h.state == stateStartedLogging
}

func logWarn(msg string, err error) {
	slog.Warn(msg, "err", err)
}
