package devices

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vwax/roadtest/internal/virtqueue"
)

// virtio-i2c wire layout, per the upstream UAPI.
const (
	// VIRTIO_I2C_F_ZERO_LENGTH_REQUEST
	i2cFeatureZeroLengthRequest = 1 << 0

	i2cMsgOK  = 0
	i2cMsgErr = 1

	// out header: addr le16, padding le16, flags le32
	i2cOutHdrSize = 8
	// in header: status u8
	i2cInHdrSize = 1

	i2cQueueCount = 1
)

// I2C is the virtio-i2c personality. One command queue; each request carries
// a fixed out header naming the target address, then either a write payload
// or a read buffer.
type I2C struct {
	model I2CModel
}

// NewI2C returns an I2C personality backed by the given model.
func NewI2C(model I2CModel) *I2C {
	return &I2C{model: model}
}

// QueueCount returns the device's virtqueue topology.
func (d *I2C) QueueCount() int { return i2cQueueCount }

// Features implements vhostuser.Personality.
func (d *I2C) Features() uint64 {
	return i2cFeatureZeroLengthRequest
}

// ProtocolFeatures implements vhostuser.Personality.
func (d *I2C) ProtocolFeatures() uint64 { return 0 }

// Config implements vhostuser.Personality. virtio-i2c has no config space.
func (d *I2C) Config(buf []byte) error {
	return fmt.Errorf("i2c: no device config space")
}

// QueueStarted implements vhostuser.Personality.
func (d *I2C) QueueStarted(q *virtqueue.Queue, started bool) {
	if started {
		q.Handler = d.handleCmdq
	} else {
		q.Handler = nil
	}
}

// handleCmdq drains the command queue. Request topologies:
//
//	out_num 1..2, in_num 1: write (address-only when out_num is 1), the in
//	vector holds the status byte.
//	out_num 1, in_num 2: read len(in[0]) bytes into in[0]; in[1] holds the
//	status byte; used = read length + 1.
//
// Anything else is a protocol violation.
func (d *I2C) handleCmdq(q *virtqueue.Queue) error {
	for {
		elem := q.Pop()
		if elem == nil {
			break
		}

		if len(elem.Out) < 1 {
			return fmt.Errorf("i2c: request without out header")
		}
		if len(elem.Out[0]) != i2cOutHdrSize {
			return fmt.Errorf("i2c: bad request header length %d", len(elem.Out[0]))
		}
		addr := binary.LittleEndian.Uint16(elem.Out[0][0:2])

		var used uint32
		var ok bool
		var statusBuf []byte

		switch {
		case (len(elem.Out) == 1 || len(elem.Out) == 2) && len(elem.In) == 1:
			var data []byte
			if len(elem.Out) == 2 {
				data = elem.Out[1]
			}
			ok = d.write(addr, data)
			statusBuf = elem.In[0]

		case len(elem.Out) == 1 && len(elem.In) == 2:
			buf := elem.In[0]
			ok = d.read(addr, buf)
			statusBuf = elem.In[1]
			used += uint32(len(buf))

		default:
			return fmt.Errorf("i2c: bad request topology: out_num %d, in_num %d",
				len(elem.Out), len(elem.In))
		}

		if len(statusBuf) != i2cInHdrSize {
			return fmt.Errorf("i2c: bad status buffer length %d", len(statusBuf))
		}
		if ok {
			statusBuf[0] = i2cMsgOK
		} else {
			statusBuf[0] = i2cMsgErr
		}
		used += i2cInHdrSize

		q.Push(elem, used)
	}

	q.Notify()
	return nil
}

func (d *I2C) write(addr uint16, data []byte) bool {
	slog.Debug("i2c: write", "addr", fmt.Sprintf("%#x", addr), "len", len(data))

	if err := d.model.Write(addr, data); err != nil {
		if errors.Is(err, ErrModelContract) {
			panic(fmt.Sprintf("i2c: %v", err))
		}
		slog.Error("i2c: model write failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
		return false
	}
	return true
}

func (d *I2C) read(addr uint16, buf []byte) bool {
	slog.Debug("i2c: read", "addr", fmt.Sprintf("%#x", addr), "len", len(buf))

	data, err := d.model.Read(addr, len(buf))
	if err != nil {
		if errors.Is(err, ErrModelContract) {
			panic(fmt.Sprintf("i2c: %v", err))
		}
		slog.Error("i2c: model read failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
		return false
	}
	if len(data) != len(buf) {
		panic(fmt.Sprintf("i2c: model read returned %d bytes, expected %d", len(data), len(buf)))
	}
	copy(buf, data)
	return true
}
