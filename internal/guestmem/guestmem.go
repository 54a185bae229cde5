// Package guestmem maps guest physical memory into the backend process.
//
// The guest's vhost-user driver hands over a table of memory regions, each
// backed by a file descriptor received over SCM_RIGHTS. A Table owns the
// resulting mappings and translates guest physical addresses to host byte
// slices. Tables are replaced wholesale on every SET_MEM_TABLE; an old table
// is only unmapped once every in-flight virtqueue element referencing it has
// been retired.
package guestmem

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// ErrInvalidAddress is returned when a guest physical address does not fall
// inside any mapped region, or when the requested length runs past the end
// of its region. Requests hitting this complete with an error status; the
// backend keeps running.
var ErrInvalidAddress = errors.New("guestmem: invalid guest address")

// Region is one contiguous guest physical address range mapped into the
// backend.
type Region struct {
	GuestAddr  uint64
	Size       uint64
	UserAddr   uint64
	MmapOffset uint64

	mem []byte
}

func (r *Region) contains(gpa uint64) bool {
	return gpa >= r.GuestAddr && gpa < r.GuestAddr+r.Size
}

func (r *Region) containsUser(addr uint64) bool {
	return addr >= r.UserAddr && addr < r.UserAddr+r.Size
}

// Table is an immutable set of mapped regions plus the bookkeeping needed to
// defer unmapping until all elements referencing it have been pushed.
type Table struct {
	regions []Region

	// inflight counts virtqueue elements whose buffers alias this table's
	// mappings. retired is set when a newer table replaces this one.
	inflight int
	retired  bool

	// heap marks tables built over plain Go memory in tests; those regions
	// are not munmapped.
	heap bool
}

// NewTable maps each described region with its SCM_RIGHTS fd and returns the
// assembled table. The fds are closed after mapping, matching the reference
// behavior; the mappings stay valid. On error all mappings made so far are
// released.
func NewTable(descs []Region, fds []int) (*Table, error) {
	if len(descs) != len(fds) {
		return nil, fmt.Errorf("guestmem: %d regions but %d fds", len(descs), len(fds))
	}

	t := &Table{}
	for i, d := range descs {
		mem, err := unix.Mmap(fds[i], int64(d.MmapOffset), int(d.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			t.unmap()
			return nil, fmt.Errorf("guestmem: mmap region %d (gpa %#x size %#x): %w",
				i, d.GuestAddr, d.Size, err)
		}
		if err := unix.Close(fds[i]); err != nil {
			slog.Warn("guestmem: close region fd", "fd", fds[i], "error", err)
		}

		d.mem = mem
		t.regions = append(t.regions, d)

		slog.Debug("guestmem: mapped region",
			"gpa", fmt.Sprintf("%#x", d.GuestAddr),
			"size", fmt.Sprintf("%#x", d.Size),
			"user", fmt.Sprintf("%#x", d.UserAddr),
			"offset", fmt.Sprintf("%#x", d.MmapOffset))
	}

	return t, nil
}

// newTestTable builds a Table over plain byte slices, bypassing mmap.
func newTestTable(regions []Region) *Table {
	return &Table{regions: append([]Region(nil), regions...), heap: true}
}

// Slice translates a guest physical address into a host byte slice of exactly
// length bytes. The slice aliases guest memory: the guest may mutate it at any
// time outside of virtqueue-serialized operations. Fails with
// ErrInvalidAddress when the address is unmapped or when fewer than length
// bytes remain before the region end; buffers never splice across regions.
func (t *Table) Slice(gpa uint64, length int) ([]byte, error) {
	for i := range t.regions {
		r := &t.regions[i]
		if !r.contains(gpa) {
			continue
		}
		off := gpa - r.GuestAddr
		remain := r.Size - off
		if uint64(length) > remain {
			return nil, fmt.Errorf("%w: %#x+%d exceeds region end (%d bytes remain)",
				ErrInvalidAddress, gpa, length, remain)
		}
		return r.mem[off : off+uint64(length) : off+uint64(length)], nil
	}
	return nil, fmt.Errorf("%w: %#x not in any mapped region", ErrInvalidAddress, gpa)
}

// SliceUser is Slice for driver virtual addresses. Vring addresses arrive in
// the driver's address space rather than as guest physical addresses.
func (t *Table) SliceUser(addr uint64, length int) ([]byte, error) {
	for i := range t.regions {
		r := &t.regions[i]
		if !r.containsUser(addr) {
			continue
		}
		off := addr - r.UserAddr
		remain := r.Size - off
		if uint64(length) > remain {
			return nil, fmt.Errorf("%w: user %#x+%d exceeds region end (%d bytes remain)",
				ErrInvalidAddress, addr, length, remain)
		}
		return r.mem[off : off+uint64(length) : off+uint64(length)], nil
	}
	return nil, fmt.Errorf("%w: user %#x not in any mapped region", ErrInvalidAddress, addr)
}

// ReadAt copies length bytes out of guest memory. Unlike Slice the caller
// gets its own buffer, safe to hold across table replacement.
func (t *Table) ReadAt(gpa uint64, length int) ([]byte, error) {
	src, err := t.Slice(gpa, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, src)
	return out, nil
}

// WriteAt copies data into guest memory at gpa.
func (t *Table) WriteAt(gpa uint64, data []byte) error {
	dst, err := t.Slice(gpa, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// Acquire records an in-flight element referencing this table.
func (t *Table) Acquire() {
	t.inflight++
}

// Release retires one in-flight reference. Once a retired table has no
// references left its mappings are unmapped.
func (t *Table) Release() {
	if t.inflight <= 0 {
		panic("guestmem: release without acquire")
	}
	t.inflight--
	if t.retired && t.inflight == 0 {
		t.unmap()
	}
}

// Retire marks the table as replaced. If nothing is in flight the mappings
// are released immediately, otherwise the last Release unmaps them.
func (t *Table) Retire() {
	t.retired = true
	if t.inflight == 0 {
		t.unmap()
	}
}

func (t *Table) unmap() {
	for i := range t.regions {
		r := &t.regions[i]
		if r.mem == nil {
			continue
		}
		if !t.heap {
			if err := unix.Munmap(r.mem); err != nil {
				slog.Error("guestmem: munmap region", "gpa", fmt.Sprintf("%#x", r.GuestAddr), "error", err)
			}
		}
		r.mem = nil
	}
	t.regions = nil
}

// Regions returns the table's region descriptors, without the mappings.
func (t *Table) Regions() []Region {
	out := make([]Region, len(t.regions))
	for i, r := range t.regions {
		r.mem = nil
		out[i] = r
	}
	return out
}
