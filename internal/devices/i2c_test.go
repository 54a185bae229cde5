package devices

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func i2cHdr(addr uint16) []byte {
	hdr := make([]byte, i2cOutHdrSize)
	binary.LittleEndian.PutUint16(hdr[0:2], addr)
	return hdr
}

func newI2CHarness(t *testing.T, model I2CModel) (*I2C, *harness) {
	t.Helper()
	d := NewI2C(model)
	h := newHarness(t, 0)
	d.QueueStarted(h.q, true)
	return d, h
}

func TestI2CWrite(t *testing.T) {
	model := &fakeI2CModel{}
	_, h := newI2CHarness(t, model)

	in := h.inject([][]byte{i2cHdr(0x09), {0x80, 0x10}}, []int{1})
	if err := h.run(); err != nil {
		t.Fatal(err)
	}

	want := []i2cCall{{op: "write", addr: 0x09, data: []byte{0x80, 0x10}}}
	if diff := cmp.Diff(want, model.calls, cmp.AllowUnexported(i2cCall{})); diff != "" {
		t.Fatalf("model calls mismatch (-want +got):\n%s", diff)
	}

	if h.usedCount() != 1 {
		t.Fatalf("used count = %d, want 1", h.usedCount())
	}
	if _, length := h.usedEntry(0); length != 1 {
		t.Fatalf("used length = %d, want 1", length)
	}
	if in[0][0] != i2cMsgOK {
		t.Fatalf("status = %#x, want OK", in[0][0])
	}
}

func TestI2CAddressOnlyWrite(t *testing.T) {
	model := &fakeI2CModel{}
	_, h := newI2CHarness(t, model)

	in := h.inject([][]byte{i2cHdr(0x42)}, []int{1})
	if err := h.run(); err != nil {
		t.Fatal(err)
	}

	if len(model.calls) != 1 || model.calls[0].op != "write" || len(model.calls[0].data) != 0 {
		t.Fatalf("model calls = %+v, want one empty write", model.calls)
	}
	if in[0][0] != i2cMsgOK {
		t.Fatalf("status = %#x, want OK", in[0][0])
	}
}

func TestI2CWriteThenRead(t *testing.T) {
	model := &fakeI2CModel{readData: []byte{0x50}}
	_, h := newI2CHarness(t, model)

	wrStatus := h.inject([][]byte{i2cHdr(0x42), {0x80}}, []int{1})
	rdBufs := h.inject([][]byte{i2cHdr(0x42)}, []int{1, 1})

	if err := h.run(); err != nil {
		t.Fatal(err)
	}

	if h.usedCount() != 2 {
		t.Fatalf("used count = %d, want 2", h.usedCount())
	}
	if wrStatus[0][0] != i2cMsgOK {
		t.Fatalf("write status = %#x, want OK", wrStatus[0][0])
	}
	if rdBufs[0][0] != 0x50 {
		t.Fatalf("read payload = %#x, want 0x50", rdBufs[0][0])
	}
	if rdBufs[1][0] != i2cMsgOK {
		t.Fatalf("read status = %#x, want OK", rdBufs[1][0])
	}
	if _, length := h.usedEntry(1); length != 2 {
		t.Fatalf("read used length = %d, want 2", length)
	}

	want := []i2cCall{
		{op: "write", addr: 0x42, data: []byte{0x80}},
		{op: "read", addr: 0x42, len: 1},
	}
	if diff := cmp.Diff(want, model.calls, cmp.AllowUnexported(i2cCall{})); diff != "" {
		t.Fatalf("model calls mismatch (-want +got):\n%s", diff)
	}
}

func TestI2CReadFillsBuffer(t *testing.T) {
	model := &fakeI2CModel{readData: []byte{0x11, 0x22, 0x33, 0x44}}
	_, h := newI2CHarness(t, model)

	in := h.inject([][]byte{i2cHdr(0x10)}, []int{3, 1})
	if err := h.run(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(in[0], []byte{0x11, 0x22, 0x33}) {
		t.Fatalf("read buffer = %x", in[0])
	}
	if _, length := h.usedEntry(0); length != 4 {
		t.Fatalf("used length = %d, want read length + status", length)
	}
}

func TestI2CModelFailure(t *testing.T) {
	model := &fakeI2CModel{fail: true}
	_, h := newI2CHarness(t, model)

	in := h.inject([][]byte{i2cHdr(0x09), {0x01}}, []int{1})
	if err := h.run(); err != nil {
		t.Fatal(err)
	}

	if in[0][0] != i2cMsgErr {
		t.Fatalf("status = %#x, want ERR", in[0][0])
	}
	// A failed request still completes; the backend keeps running.
	if h.usedCount() != 1 {
		t.Fatalf("used count = %d, want 1", h.usedCount())
	}
}

func TestI2CBadTopology(t *testing.T) {
	model := &fakeI2CModel{}
	_, h := newI2CHarness(t, model)

	h.inject([][]byte{i2cHdr(0x09)}, []int{1, 1, 1})
	if err := h.run(); err == nil {
		t.Fatal("expected protocol violation error")
	}
}

func TestI2CBadHeaderLength(t *testing.T) {
	model := &fakeI2CModel{}
	_, h := newI2CHarness(t, model)

	h.inject([][]byte{{0x09, 0x00}}, []int{1})
	if err := h.run(); err == nil {
		t.Fatal("expected protocol violation error")
	}
}

func TestI2CQueueStopClearsHandler(t *testing.T) {
	d := NewI2C(&fakeI2CModel{})
	h := newHarness(t, 0)
	d.QueueStarted(h.q, true)
	if h.q.Handler == nil {
		t.Fatal("handler not installed on start")
	}
	d.QueueStarted(h.q, false)
	if h.q.Handler != nil {
		t.Fatal("handler not cleared on stop")
	}
}
