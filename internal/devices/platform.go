package devices

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vwax/roadtest/internal/vhostuser"
	"github.com/vwax/roadtest/internal/virtqueue"
)

// virtio platform (PCI/MMIO) wire layout, per the virtio_pcidev UAPI.
const (
	platOpCfgRead   = 1
	platOpCfgWrite  = 2
	platOpMmioRead  = 3
	platOpMmioWrite = 4

	// msg: op u8, bar u8, size le16, addr le64, data...
	platHdrSize = 12

	platQueueCount = 1
)

// Platform is the virtio platform device personality, carrying MMIO and
// config-space accesses from the guest's PCI shim to the model. The wire
// format has no status field; completion is signalled by the used-ring push
// alone.
type Platform struct {
	model PlatformModel
}

// NewPlatform returns a Platform personality backed by the given model.
func NewPlatform(model PlatformModel) *Platform {
	return &Platform{model: model}
}

// QueueCount returns the device's virtqueue topology.
func (d *Platform) QueueCount() int { return platQueueCount }

// Features implements vhostuser.Personality.
func (d *Platform) Features() uint64 {
	return vhostuser.FeatureAccessPlatform
}

// ProtocolFeatures implements vhostuser.Personality.
func (d *Platform) ProtocolFeatures() uint64 { return 0 }

// Config implements vhostuser.Personality.
func (d *Platform) Config(buf []byte) error {
	return fmt.Errorf("platform: no device config space")
}

// QueueStarted implements vhostuser.Personality.
func (d *Platform) QueueStarted(q *virtqueue.Queue, started bool) {
	if started {
		q.Handler = d.handleCmdq
	} else {
		q.Handler = nil
	}
}

func (d *Platform) handleCmdq(q *virtqueue.Queue) error {
	for {
		elem := q.Pop()
		if elem == nil {
			break
		}

		if len(elem.Out) < 1 || len(elem.Out[0]) < platHdrSize {
			return fmt.Errorf("platform: bad request header: out_num %d", len(elem.Out))
		}
		hdr := elem.Out[0]
		op := hdr[0]
		size := int(binary.LittleEndian.Uint16(hdr[2:4]))
		addr := binary.LittleEndian.Uint64(hdr[4:12])

		slog.Debug("platform: request", "op", op, "size", size, "addr", fmt.Sprintf("%#x", addr))

		used, err := d.handleOp(elem, op, size, addr)
		if err != nil {
			return err
		}
		q.Push(elem, used)
	}

	q.Notify()
	return nil
}

func (d *Platform) handleOp(elem *virtqueue.Element, op byte, size int, addr uint64) (uint32, error) {
	switch op {
	case platOpMmioRead, platOpCfgRead:
		if size != 4 {
			return 0, fmt.Errorf("platform: read size %d unsupported (must be 4)", size)
		}
		if len(elem.In) != 1 || len(elem.In[0]) < size {
			return 0, fmt.Errorf("platform: bad read topology: in_num %d", len(elem.In))
		}
		value, err := d.model.Read(addr, size)
		if err != nil {
			if errors.Is(err, ErrModelContract) {
				panic(fmt.Sprintf("platform: %v", err))
			}
			slog.Error("platform: model read failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
			value = 0
		}
		binary.LittleEndian.PutUint32(elem.In[0][:4], uint32(value))
		return uint32(size), nil

	case platOpMmioWrite, platOpCfgWrite:
		if size != 4 {
			return 0, fmt.Errorf("platform: write size %d unsupported (must be 4)", size)
		}
		var data []byte
		switch {
		case len(elem.Out) == 1 && len(elem.Out[0]) >= platHdrSize+size:
			// Posted write: value appended to the header vector.
			data = elem.Out[0][platHdrSize : platHdrSize+size]
		case len(elem.Out) == 2 && len(elem.Out[1]) >= size:
			// Non-posted write: value in its own out vector.
			data = elem.Out[1][:size]
		default:
			return 0, fmt.Errorf("platform: bad write topology: out_num %d", len(elem.Out))
		}
		value := uint64(binary.LittleEndian.Uint32(data))
		if err := d.model.Write(addr, size, value); err != nil {
			if errors.Is(err, ErrModelContract) {
				panic(fmt.Sprintf("platform: %v", err))
			}
			slog.Error("platform: model write failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("platform: unsupported op %d", op)
	}
}
