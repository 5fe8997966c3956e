package vaccel

import (
	"fmt"

	"github.com/nvio/vaccel/dirtylog"
	"github.com/nvio/vaccel/vring"
)

// Start materialises every virtqueue and publishes the current memory
// table, mirroring vhost_dev_start's acquire-then-publish-then-init-VQs
// order. Any failure unwinds everything already brought up, in reverse.
func (h *Handle) Start() error {
	if h.state != stateRegistered {
		return fmt.Errorf("%w: Start called outside Registered state", ErrInconsistent)
	}

	if err := h.enableNotifiers(); err != nil {
		return err
	}

	if err := h.cfg.Binding.SetGuestNotifiers(true); err != nil {
		h.disableNotifiersBestEffort()
		return fmt.Errorf("%w: SetGuestNotifiers: %w", ErrIo, err)
	}

	if err := h.cc.SetFeatures(h.acked); err != nil {
		h.cfg.Binding.SetGuestNotifiers(false)
		h.disableNotifiersBestEffort()
		return fmt.Errorf("%w: SET_FEATURES: %w", ErrIo, err)
	}

	if err := h.publishTable(); err != nil {
		h.cfg.Binding.SetGuestNotifiers(false)
		h.disableNotifiersBestEffort()
		return err
	}

	for idx, eq := range h.cfg.Queues {
		vq, err := vring.Init(h.cc, h.cfg.Mapper, eq, idx, h.isLogging())
		if err != nil {
			for j := idx - 1; j >= 0; j-- {
				if h.vqs[j] != nil {
					if uerr := vring.Cleanup(h.cc, h.cfg.Queues[j], h.vqs[j]); uerr != nil {
						logWarn("vring cleanup during start unwind", uerr)
					}

					h.vqs[j] = nil
				}
			}

			h.cfg.Binding.SetGuestNotifiers(false)
			h.disableNotifiersBestEffort()

			return fmt.Errorf("%w: vring %d init: %w", ErrIo, idx, err)
		}

		h.vqs[idx] = vq
	}

	h.state = stateStarted

	return nil
}

// Stop reads back each queue's last-avail-idx, unmaps all rings, drains
// the dirty log over every cached section, and clears guest notifiers
// (vhost_dev_stop).
func (h *Handle) Stop() error {
	if !h.isStarted() {
		return fmt.Errorf("%w: Stop called outside Started state", ErrInconsistent)
	}

	var firstErr error

	for idx, vq := range h.vqs {
		if vq == nil {
			continue
		}

		if err := vring.Cleanup(h.cc, h.cfg.Queues[idx], vq); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: vring %d cleanup: %w", ErrIo, idx, err)
		}

		h.vqs[idx] = nil
	}

	h.drainAllSections()

	if err := h.cfg.Binding.SetGuestNotifiers(false); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: SetGuestNotifiers(false): %w", ErrIo, err)
	}

	h.log = nil
	h.state = stateRegistered

	return firstErr
}

// setLog is the two-phase SET_FEATURES / per-VQ SET_VRING_ADDR toggle
// backing log_global_start/stop, with unwind on partial VQ failure
// (vhost_dev_set_log).
func (h *Handle) setLog(enable bool) error {
	bits := h.acked

	if enable {
		bits |= featureLogAll
	} else {
		bits &^= featureLogAll
	}

	if err := h.cc.SetFeatures(bits); err != nil {
		return fmt.Errorf("%w: SET_FEATURES: %w", ErrIo, err)
	}

	logAddr := h.logBaseAddr()

	for idx, vq := range h.vqs {
		if vq == nil {
			continue
		}

		if err := h.cc.SetVringAddr(idx, vq.DescAddr(), vq.UsedPhys, vq.AvailAddr(), logAddr, enable); err != nil {
			for j := idx - 1; j >= 0; j-- {
				if h.vqs[j] == nil {
					continue
				}

				if uerr := h.cc.SetVringAddr(j, h.vqs[j].DescAddr(), h.vqs[j].UsedPhys, h.vqs[j].AvailAddr(), logAddr, !enable); uerr != nil {
					logWarn("set_log unwind SET_VRING_ADDR", uerr)
				}
			}

			if uerr := h.cc.SetFeatures(h.acked); uerr != nil {
				logWarn("set_log unwind SET_FEATURES", uerr)
			}

			return fmt.Errorf("%w: vring %d SET_VRING_ADDR: %w", ErrIo, idx, err)
		}
	}

	return nil
}

func (h *Handle) logBaseAddr() uint64 {
	if h.log == nil {
		return 0
	}

	return h.log.BaseAddr()
}

// enableNotifiers binds the per-queue host notifier, unwinding previously
// enabled queues on failure.
func (h *Handle) enableNotifiers() error {
	for idx := range h.cfg.Queues {
		if err := h.cfg.Binding.SetHostNotifier(idx, true); err != nil {
			for j := idx - 1; j >= 0; j-- {
				if uerr := h.cfg.Binding.SetHostNotifier(j, false); uerr != nil {
					logWarn("enable_notifiers unwind", uerr)
				}
			}

			return fmt.Errorf("%w: SetHostNotifier(%d): %w", ErrIo, idx, err)
		}
	}

	return nil
}

// disableNotifiersBestEffort best-efforts every queue's notifier off; every
// error is logged and none is fatal.
func (h *Handle) disableNotifiersBestEffort() {
	for idx := range h.cfg.Queues {
		if err := h.cfg.Binding.SetHostNotifier(idx, false); err != nil {
			logWarn("disable_notifiers", err)
		}
	}
}

// drainAllSections walks the section cache and drains the dirty log over
// each, used by Stop.
func (h *Handle) drainAllSections() {
	if h.log == nil {
		return
	}

	size := h.log.Size()
	if size == 0 {
		return
	}

	last := uint64(size)*dirtylog.WordBits*dirtylog.PageSize - 1

	for _, s := range h.sections {
		dirtylog.SyncRegion(h.log, s.OffsetWithinRegion, 0, last, s.OffsetWithinAddressSpace, s.OffsetWithinAddressSpace+s.Size-1, func(offset uint64, length int) {
			h.cfg.Memory.MarkDirty(s.Region, offset, length)
		})
	}
}
