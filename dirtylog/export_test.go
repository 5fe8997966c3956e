package dirtylog_test

import "unsafe"

// unsafeWords reinterprets the log's base address as a []uint64 of the
// given length, standing in for the accelerator's side of the shared
// buffer in tests (see dirtyWord in dirtylog_test.go).
func unsafeWords(base uint64, size int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(base))), size)
}
