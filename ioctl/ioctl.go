// Package ioctl defines the accelerator's control-channel wire contract:
// the ioctl opcodes and structs bit-compatible with the in-kernel virtio
// accelerator ABI (/usr/include/linux/vhost.h and vhost_types.h), and a
// thin syscall helper in the style of kvm.GetRegs / kvm.SetRegs.
//
// This package is intentionally the only place that talks raw ioctl
// numbers: spec section 1 calls the opcodes "a wire contract, not part of
// the core", so every other package calls through the ControlChannel
// interface in the vaccel package instead of importing this one directly
// where a fake is needed for tests.
package ioctl

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcodes, computed with the standard Linux _IOC encoding
// (dir<<30 | size<<16 | type<<8 | nr) against type 0xAF ("VHOST_VIRTIO").
const (
	SetOwner      = 0x0000AF01
	GetFeatures   = 0x8008AF00
	SetFeatures   = 0x4008AF00
	SetMemTable   = 0x4008AF03
	SetLogBase    = 0x4008AF04
	SetVringNum   = 0x4008AF10
	SetVringAddr  = 0x4028AF11
	SetVringBase  = 0x4008AF12
	GetVringBase  = 0xC008AF12
	SetVringKick  = 0x4008AF20
	SetVringCall  = 0x4008AF21
)

// FLogAll is the feature bit (VHOST_F_LOG_ALL) that enables full dirty-page
// logging.
const FLogAll = 1 << 26

// VringFLog is the vhost_vring_addr.flags bit (VHOST_VRING_F_LOG) enabling
// per-queue logging.
const VringFLog = 1 << 0

// MemRegion is bit-compatible with struct vhost_memory_region.
type MemRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	_             uint64 // flags_padding
}

// VringState is bit-compatible with struct vhost_vring_state. It carries
// either a ring size (SET_VRING_NUM) or a last-avail-index (SET_VRING_BASE /
// GET_VRING_BASE), named Num in both cases to match the kernel struct.
type VringState struct {
	Index uint32
	Num   uint32
}

// VringAddr is bit-compatible with struct vhost_vring_addr.
type VringAddr struct {
	Index        uint32
	Flags        uint32
	DescUserAddr uint64
	UsedUserAddr uint64
	AvailUserAddr uint64
	LogGuestAddr uint64
}

// VringFile is bit-compatible with struct vhost_vring_file.
type VringFile struct {
	Index uint32
	FD    int32
}

// EncodeMemTable builds the {u32 nregions; u32 pad; region[nregions]}
// payload for SET_MEM_TABLE. struct vhost_memory has a flexible array
// member, which Go has no direct equivalent for, so the wire bytes are
// built by hand instead of via a fixed Go struct.
func EncodeMemTable(regions []MemRegion) []byte {
	const headerSize = 8
	const regionSize = 32

	buf := make([]byte, headerSize+len(regions)*regionSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(regions)))
	binary.LittleEndian.PutUint32(buf[4:8], 0)

	for i, r := range regions {
		off := headerSize + i*regionSize
		binary.LittleEndian.PutUint64(buf[off:], r.GuestPhysAddr)
		binary.LittleEndian.PutUint64(buf[off+8:], r.MemorySize)
		binary.LittleEndian.PutUint64(buf[off+16:], r.UserspaceAddr)
		binary.LittleEndian.PutUint64(buf[off+24:], 0)
	}

	return buf
}

// Call issues one ioctl on fd with the given opcode and argument pointer,
// translating a nonzero errno into a Go error.
func Call(fd uintptr, op uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

// CallPtr is a convenience wrapper for Call over a raw byte buffer, used for
// variable-length payloads like SET_MEM_TABLE.
func CallPtr(fd uintptr, op uintptr, buf []byte) error {
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}

	return Call(fd, op, p)
}

// CallU64 issues an ioctl whose argument is a single u64, handling GET and
// SET uniformly: in is the value to write for a "set" opcode and is ignored
// for a "get" opcode, whose result is returned in out.
func CallU64(fd uintptr, op uintptr, in uint64) (out uint64, err error) {
	v := in
	err = Call(fd, op, unsafe.Pointer(&v))

	return v, err
}
