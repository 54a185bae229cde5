package guestmem

import (
	"bytes"
	"errors"
	"testing"
)

func twoRegionTable() *Table {
	return newTestTable([]Region{
		{GuestAddr: 0x1000, Size: 0x1000, UserAddr: 0x7f000000, mem: make([]byte, 0x1000)},
		{GuestAddr: 0x4000, Size: 0x800, UserAddr: 0x7f100000, mem: make([]byte, 0x800)},
	})
}

func TestSlice(t *testing.T) {
	tbl := twoRegionTable()

	s, err := tbl.Slice(0x1000, 16)
	if err != nil {
		t.Fatalf("Slice at region start: %v", err)
	}
	if len(s) != 16 {
		t.Fatalf("got %d bytes, want 16", len(s))
	}

	// The slice aliases region memory.
	s[0] = 0xaa
	s2, err := tbl.Slice(0x1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s2[0] != 0xaa {
		t.Fatalf("slice does not alias region memory: got %#x", s2[0])
	}

	if _, err := tbl.Slice(0x4000+0x7ff, 1); err != nil {
		t.Fatalf("Slice of last byte: %v", err)
	}
}

func TestSliceInvalidAddress(t *testing.T) {
	tbl := twoRegionTable()

	tests := []struct {
		name   string
		gpa    uint64
		length int
	}{
		{"below all regions", 0x0, 1},
		{"between regions", 0x2000, 1},
		{"above all regions", 0x10000, 1},
		{"runs past region end", 0x1ff0, 32},
		{"no cross-region splice", 0x1000, 0x2000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tbl.Slice(tc.gpa, tc.length); !errors.Is(err, ErrInvalidAddress) {
				t.Fatalf("got %v, want ErrInvalidAddress", err)
			}
		})
	}
}

func TestSliceUser(t *testing.T) {
	tbl := twoRegionTable()

	if _, err := tbl.SliceUser(0x7f100000, 0x800); err != nil {
		t.Fatalf("SliceUser: %v", err)
	}
	if _, err := tbl.SliceUser(0x1000, 1); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("SliceUser with guest address: got %v, want ErrInvalidAddress", err)
	}
}

func TestDMARoundTrip(t *testing.T) {
	tbl := twoRegionTable()

	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x10}
	if err := tbl.WriteAt(0x4010, payload); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := tbl.ReadAt(0x4010, len(payload))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %x, want %x", got, payload)
	}

	if err := tbl.WriteAt(0x2000, payload); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("WriteAt unmapped: got %v, want ErrInvalidAddress", err)
	}
	if _, err := tbl.ReadAt(0x2000, 4); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("ReadAt unmapped: got %v, want ErrInvalidAddress", err)
	}
}

func TestRetireWaitsForInflight(t *testing.T) {
	tbl := twoRegionTable()

	tbl.Acquire()
	tbl.Retire()

	// The in-flight element keeps the mapping alive.
	if _, err := tbl.Slice(0x1000, 4); err != nil {
		t.Fatalf("Slice after retire with element in flight: %v", err)
	}

	tbl.Release()
	if _, err := tbl.Slice(0x1000, 4); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Slice after last release: got %v, want ErrInvalidAddress", err)
	}
}

func TestRetireImmediateWhenIdle(t *testing.T) {
	tbl := twoRegionTable()
	tbl.Retire()
	if _, err := tbl.Slice(0x1000, 4); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Slice after idle retire: got %v, want ErrInvalidAddress", err)
	}
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	twoRegionTable().Release()
}
