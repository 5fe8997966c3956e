package vring_test

import (
	"errors"
	"testing"

	"github.com/nvio/vaccel/vring"
)

type fakeMapping struct {
	addr      uintptr
	size      int
	unmapped  bool
	dirtyLen  int
}

func (m *fakeMapping) Addr() uintptr { return m.addr }
func (m *fakeMapping) Len() int      { return m.size }
func (m *fakeMapping) Unmap(dirtyLen int) error {
	m.unmapped = true
	m.dirtyLen = dirtyLen
	return nil
}

type fakeMapper struct {
	next      uintptr
	failAt    uint64 // guest-phys addr that should fail to map
	shortAt   uint64 // guest-phys addr that should return a short mapping
	byAddr    map[uint64]*fakeMapping
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{next: 0x7f0000000000, byAddr: make(map[uint64]*fakeMapping)}
}

func (m *fakeMapper) Map(guestPhys uint64, size int, writable bool) (vring.Mapping, error) {
	if guestPhys == m.failAt {
		return nil, errors.New("fake map failure")
	}

	n := size
	if guestPhys == m.shortAt {
		n = size - 1
	}

	mm := &fakeMapping{addr: m.next, size: n}
	m.next += uintptr(size) + 0x1000
	m.byAddr[guestPhys] = mm

	return mm, nil
}

type fakeQueue struct {
	num                        int
	descAddr, availAddr        uint64
	descSize, availSize        int
	usedAddr, ringAddr         uint64
	usedSize, ringSize         int
	lastAvail                  uint16
	hostFD, guestFD            int
}

func (q *fakeQueue) Num() int               { return q.num }
func (q *fakeQueue) DescAddr() uint64       { return q.descAddr }
func (q *fakeQueue) DescSize() int          { return q.descSize }
func (q *fakeQueue) AvailAddr() uint64      { return q.availAddr }
func (q *fakeQueue) AvailSize() int         { return q.availSize }
func (q *fakeQueue) UsedAddr() uint64       { return q.usedAddr }
func (q *fakeQueue) UsedSize() int          { return q.usedSize }
func (q *fakeQueue) RingAddr() uint64       { return q.ringAddr }
func (q *fakeQueue) RingSize() int          { return q.ringSize }
func (q *fakeQueue) LastAvailIdx() uint16   { return q.lastAvail }
func (q *fakeQueue) SetLastAvailIdx(v uint16) { q.lastAvail = v }
func (q *fakeQueue) HostNotifierFD() int    { return q.hostFD }
func (q *fakeQueue) GuestNotifierFD() int   { return q.guestFD }

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		num: 256, descAddr: 0x1000, descSize: 16 * 256,
		availAddr: 0x2000, availSize: 6 + 2*256,
		usedAddr: 0x3000, usedSize: 6 + 8*256,
		ringAddr: 0x3000, ringSize: 6 + 8*256,
		lastAvail: 42, hostFD: 10, guestFD: 11,
	}
}

type fakeChannel struct {
	num, base                   map[int]int
	gotBase                     uint16
	addrCalls                   []addrCall
	kickFD, callFD              map[int]int
	failGetVringBase            bool
}

type addrCall struct {
	idx                    int
	desc, used, avail, log uint64
	logEnabled             bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		num: make(map[int]int), base: make(map[int]int),
		kickFD: make(map[int]int), callFD: make(map[int]int),
		gotBase: 42,
	}
}

func (c *fakeChannel) SetVringNum(idx, num int) error   { c.num[idx] = num; return nil }
func (c *fakeChannel) SetVringBase(idx int, n uint16) error { c.base[idx] = int(n); return nil }
func (c *fakeChannel) GetVringBase(idx int) (uint16, error) {
	if c.failGetVringBase {
		return 0, errors.New("fake GET_VRING_BASE failure")
	}

	return c.gotBase, nil
}

func (c *fakeChannel) SetVringAddr(idx int, desc, used, avail, logAddr uint64, logEnabled bool) error {
	c.addrCalls = append(c.addrCalls, addrCall{idx, desc, used, avail, logAddr, logEnabled})
	return nil
}

func (c *fakeChannel) SetVringKick(idx, fd int) error { c.kickFD[idx] = fd; return nil }
func (c *fakeChannel) SetVringCall(idx, fd int) error { c.callFD[idx] = fd; return nil }

func TestInitMapsAllFourAreas(t *testing.T) {
	cc := newFakeChannel()
	mapper := newFakeMapper()
	eq := newFakeQueue()

	q, err := vring.Init(cc, mapper, eq, 0, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if cc.num[0] != eq.num {
		t.Errorf("SET_VRING_NUM = %d, want %d", cc.num[0], eq.num)
	}

	if cc.base[0] != int(eq.lastAvail) {
		t.Errorf("SET_VRING_BASE = %d, want %d", cc.base[0], eq.lastAvail)
	}

	if len(cc.addrCalls) != 1 {
		t.Fatalf("SET_VRING_ADDR called %d times, want 1", len(cc.addrCalls))
	}

	if cc.kickFD[0] != eq.hostFD || cc.callFD[0] != eq.guestFD {
		t.Errorf("kick/call fds = %d/%d, want %d/%d", cc.kickFD[0], cc.callFD[0], eq.hostFD, eq.guestFD)
	}

	if q.UsedPhys != eq.usedAddr || q.RingPhys != eq.ringAddr {
		t.Errorf("UsedPhys/RingPhys = %#x/%#x, want %#x/%#x", q.UsedPhys, q.RingPhys, eq.usedAddr, eq.ringAddr)
	}
}

func TestInitUnwindsOnMapFailure(t *testing.T) {
	cc := newFakeChannel()
	mapper := newFakeMapper()
	eq := newFakeQueue()
	mapper.failAt = eq.usedAddr // fail the third map (used)

	_, err := vring.Init(cc, mapper, eq, 0, false)
	if err == nil {
		t.Fatal("Init should have failed")
	}

	for addr, m := range mapper.byAddr {
		if addr == eq.usedAddr {
			continue
		}

		if !m.unmapped {
			t.Errorf("mapping for %#x was not unwound", addr)
		}
	}

	if len(cc.addrCalls) != 0 {
		t.Error("SET_VRING_ADDR should not have been called")
	}
}

func TestInitUnwindsOnShortMap(t *testing.T) {
	cc := newFakeChannel()
	mapper := newFakeMapper()
	eq := newFakeQueue()
	mapper.shortAt = eq.ringAddr

	_, err := vring.Init(cc, mapper, eq, 0, false)
	if !errors.Is(err, vring.ErrNoMemory) {
		t.Fatalf("err = %v, want ErrNoMemory", err)
	}

	for addr, m := range mapper.byAddr {
		if addr == eq.ringAddr {
			continue
		}

		if !m.unmapped {
			t.Errorf("mapping for %#x was not unwound", addr)
		}
	}
}

func TestCleanupWritesBackAvailIdx(t *testing.T) {
	cc := newFakeChannel()
	mapper := newFakeMapper()
	eq := newFakeQueue()

	q, err := vring.Init(cc, mapper, eq, 0, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	cc.gotBase = 99

	if err := vring.Cleanup(cc, eq, q); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if eq.lastAvail != 99 {
		t.Errorf("eq.lastAvail = %d, want 99", eq.lastAvail)
	}

	for addr, m := range mapper.byAddr {
		if !m.unmapped {
			t.Errorf("mapping for %#x not unmapped by Cleanup", addr)
		}
	}
}

func TestVerifyMappingDetectsRelocation(t *testing.T) {
	cc := newFakeChannel()
	mapper := newFakeMapper()
	eq := newFakeQueue()

	q, err := vring.Init(cc, mapper, eq, 0, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	// A fresh mapper.Map call for the same address now returns a
	// different host pointer, simulating the accelerator's ring having
	// moved.
	if err := vring.VerifyMapping(mapper, q); !errors.Is(err, vring.ErrRelocated) {
		t.Fatalf("VerifyMapping = %v, want ErrRelocated", err)
	}
}
