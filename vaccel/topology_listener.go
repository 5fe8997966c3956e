package vaccel

import (
	"fmt"

	"github.com/nvio/vaccel/dirtylog"
	"github.com/nvio/vaccel/ioctl"
	"github.com/nvio/vaccel/rangeutil"
	"github.com/nvio/vaccel/topology"
	"github.com/nvio/vaccel/vring"
)

// RegionAdd implements topology.Listener. Sections outside this device's
// system address space, or backed by something other than RAM, are
// ignored.
func (h *Handle) RegionAdd(s topology.Section) {
	if !h.accepts(s) {
		return
	}

	h.sections = append(h.sections, s)

	if err := h.setMemory(s, true); err != nil {
		panic(err)
	}
}

// RegionDel implements topology.Listener.
func (h *Handle) RegionDel(s topology.Section) {
	if !h.accepts(s) {
		return
	}

	if err := h.setMemory(s, false); err != nil {
		panic(err)
	}

	for i, cached := range h.sections {
		if cached.OffsetWithinAddressSpace == s.OffsetWithinAddressSpace {
			h.sections = append(h.sections[:i], h.sections[i+1:]...)
			break
		}
	}
}

// RegionNop implements topology.Listener; it intentionally does nothing.
func (h *Handle) RegionNop(topology.Section) {}

// LogSync implements topology.Listener: drain the dirty log over s's
// address-space window.
func (h *Handle) LogSync(s topology.Section) {
	if !h.accepts(s) || h.log == nil {
		return
	}

	last := uint64(h.log.Size())*dirtylog.WordBits*dirtylog.PageSize - 1

	dirtylog.SyncRegion(h.log, s.OffsetWithinRegion, 0, last, s.OffsetWithinAddressSpace, s.OffsetWithinAddressSpace+s.Size-1, func(offset uint64, length int) {
		h.cfg.Memory.MarkDirty(s.Region, offset, length)
	})
}

// LogGlobalStart implements topology.Listener. It can't meaningfully
// report failure back through the notification interface, so a failure
// here aborts: the memory-tracking contract can't be honoured otherwise.
func (h *Handle) LogGlobalStart() {
	if h.state != stateStarted {
		return
	}

	spans := h.requiredSpans()
	h.log = dirtylog.New(dirtylog.RequiredWords(spans) + dirtylog.MarginWords)

	if err := h.setLog(true); err != nil {
		panic(fmt.Errorf("log_global_start: %w", err))
	}

	h.state = stateStartedLogging
}

// LogGlobalStop implements topology.Listener.
func (h *Handle) LogGlobalStop() {
	if h.state != stateStartedLogging {
		return
	}

	if err := h.setLog(false); err != nil {
		panic(fmt.Errorf("log_global_stop: %w", err))
	}

	h.log = nil
	h.state = stateStarted
}

func (h *Handle) accepts(s topology.Section) bool {
	if s.AddressSpace != h.cfg.AddressSpace {
		return false
	}

	return h.cfg.Memory.IsRAM(s.Region)
}

// setMemory applies one region-add/region-del notification to the table
// and, if the device is running, republishes it. Grounded on
// vhost_dev_set_memory in hw/vhost.c.
//
// Open question (spec section 9b): a section flagged "logging" forces
// add=false here, but assign's add branch below is still reached for a
// non-logging add afterward in the same call when the original source's
// control flow is followed literally. Reproduced as-is.
func (h *Handle) setMemory(s topology.Section, add bool) error {
	if h.cfg.Memory.IsLogging(s.Region) {
		add = false
	}

	start := s.OffsetWithinAddressSpace
	size := s.Size

	var uaddr uint64

	if add {
		ramPtr, err := h.cfg.Memory.RAMPointer(s.Region)
		if err != nil {
			return fmt.Errorf("%w: RAMPointer: %w", ErrIo, err)
		}

		uaddr = uint64(ramPtr) + s.OffsetWithinRegion

		if !h.table.NeedsChange(start, size, uaddr) {
			return nil
		}
	} else if _, ok := h.table.Find(start, size); !ok {
		return nil
	}

	h.table.Unassign(start, size)

	if add {
		h.table.Assign(start, size, uaddr)
	}

	if !h.isStarted() {
		return nil
	}

	if err := h.verifyRingMappings(start, size); err != nil {
		return err
	}

	if h.isLogging() {
		if err := h.resizeLog(true); err != nil {
			return err
		}
	}

	if err := h.publishTable(); err != nil {
		return err
	}

	if h.isLogging() {
		if err := h.resizeLog(false); err != nil {
			return err
		}
	}

	return nil
}

// verifyRingMappings re-verifies every virtqueue whose ring overlaps
// [start, start+size) still lives at its recorded host-virtual address.
func (h *Handle) verifyRingMappings(start, size uint64) error {
	for idx, vq := range h.vqs {
		if vq == nil {
			continue
		}

		if !rangeutil.Overlap(vq.RingPhys, uint64(vq.RingSize), start, size) {
			continue
		}

		if err := vring.VerifyMapping(h.cfg.Mapper, vq); err != nil {
			return fmt.Errorf("vring %d: %w", idx, err)
		}
	}

	return nil
}

// requiredSpans collects every guest-physical range that must be covered
// by the dirty log: all table regions, plus every virtqueue's used-ring
// window.
func (h *Handle) requiredSpans() []dirtylog.Span {
	regions := h.table.Regions()
	spans := make([]dirtylog.Span, 0, len(regions)+len(h.vqs))

	for _, r := range regions {
		spans = append(spans, dirtylog.Span{Start: r.GuestPhys, Size: r.Size})
	}

	for _, vq := range h.vqs {
		if vq == nil {
			continue
		}

		spans = append(spans, dirtylog.Span{Start: vq.UsedPhys, Size: uint64(vq.UsedSize)})
	}

	return spans
}

// resizeLog grows the log before the table is republished, or shrinks it
// after, per the resize protocol's anti-overrun ordering. growPhase
// selects which half of the protocol runs; the other half is a no-op if
// the threshold isn't crossed.
func (h *Handle) resizeLog(growPhase bool) error {
	needed := dirtylog.RequiredWords(h.requiredSpans())
	cur := h.log.Size()

	if growPhase {
		if needed <= cur {
			return nil
		}

		return h.doResizeLog(needed + dirtylog.MarginWords)
	}

	if cur <= needed+dirtylog.MarginWords {
		return nil
	}

	return h.doResizeLog(needed + dirtylog.MarginWords)
}

func (h *Handle) doResizeLog(newSize int) error {
	growing := newSize > h.log.Size()
	newLog := dirtylog.New(newSize)

	if growing {
		if err := h.cc.SetLogBase(newLog.BaseAddr()); err != nil {
			return fmt.Errorf("%w: SET_LOG_BASE: %w", ErrIo, err)
		}
	}

	oldLog := h.log
	if oldLog != nil && oldLog.Size() > 0 {
		last := uint64(oldLog.Size())*dirtylog.WordBits*dirtylog.PageSize - 1

		for _, s := range h.sections {
			dirtylog.SyncRegion(oldLog, s.OffsetWithinRegion, 0, last, s.OffsetWithinAddressSpace, s.OffsetWithinAddressSpace+s.Size-1, func(offset uint64, length int) {
				h.cfg.Memory.MarkDirty(s.Region, offset, length)
			})
		}
	}

	h.log = newLog

	if !growing {
		if err := h.cc.SetLogBase(h.logBaseAddr()); err != nil {
			return fmt.Errorf("%w: SET_LOG_BASE: %w", ErrIo, err)
		}
	}

	return nil
}

// publishTable sends the current region table to the accelerator via
// SET_MEM_TABLE.
func (h *Handle) publishTable() error {
	regions := h.table.Regions()
	wire := make([]ioctl.MemRegion, len(regions))

	for i, r := range regions {
		wire[i] = ioctl.MemRegion{GuestPhysAddr: r.GuestPhys, MemorySize: r.Size, UserspaceAddr: r.UserAddr}
	}

	if err := h.cc.SetMemTable(wire); err != nil {
		return fmt.Errorf("%w: SET_MEM_TABLE: %w", ErrIo, err)
	}

	return nil
}
