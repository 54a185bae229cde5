package devices

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vwax/roadtest/internal/vhostuser"
	"github.com/vwax/roadtest/internal/virtqueue"
)

// virtio-gpio wire layout, per the upstream UAPI.
const (
	// VIRTIO_GPIO_F_IRQ
	gpioFeatureIrq = 1 << 0

	gpioMsgGetNames     = 0x0001
	gpioMsgGetDirection = 0x0002
	gpioMsgSetDirection = 0x0003
	gpioMsgGetValue     = 0x0004
	gpioMsgSetValue     = 0x0005
	gpioMsgIrqType      = 0x0006

	gpioStatusOK  = 0
	gpioStatusErr = 1

	gpioDirectionNone = 0
	gpioDirectionOut  = 1
	gpioDirectionIn   = 2

	// GpioIrqTypeNone clears a pin's trigger configuration.
	GpioIrqTypeNone = 0

	// GpioIrqStatusInvalid and GpioIrqStatusValid complete a parked IRQ
	// element on the event queue.
	GpioIrqStatusInvalid = 0
	GpioIrqStatusValid   = 1

	// request: type le16, gpio le16, value le32
	gpioReqSize = 8
	// response: status u8, value u8
	gpioRespSize = 2
	// irq request: gpio le16
	gpioIrqReqSize = 2
	// irq response: status u8
	gpioIrqRespSize = 1

	gpioQueueCmd   = 0
	gpioQueueEvent = 1
	gpioQueueCount = 2

	// DefaultNGpio matches the reference's pin count.
	DefaultNGpio = 64
)

// GPIO is the virtio-gpio personality: a command queue for line operations
// and an event queue where IRQ subscriptions park until the model triggers
// an interrupt.
type GPIO struct {
	model GPIOModel
	ngpio int

	eventq      *virtqueue.Queue
	irqElements []*virtqueue.Element
}

// NewGPIO returns a GPIO personality with ngpio lines backed by the model.
func NewGPIO(model GPIOModel, ngpio int) *GPIO {
	if ngpio <= 0 {
		ngpio = DefaultNGpio
	}
	return &GPIO{
		model:       model,
		ngpio:       ngpio,
		irqElements: make([]*virtqueue.Element, ngpio),
	}
}

// QueueCount returns the device's virtqueue topology.
func (d *GPIO) QueueCount() int { return gpioQueueCount }

// Features implements vhostuser.Personality.
func (d *GPIO) Features() uint64 {
	return gpioFeatureIrq
}

// ProtocolFeatures implements vhostuser.Personality. The device config
// space carries ngpio, so CONFIG is required.
func (d *GPIO) ProtocolFeatures() uint64 {
	return vhostuser.ProtocolFeatureConfig
}

// Config implements vhostuser.Personality. Layout per virtio_gpio_config:
// ngpio le16, padding[2], gpio_names_size le32.
func (d *GPIO) Config(buf []byte) error {
	full := make([]byte, 8)
	binary.LittleEndian.PutUint16(full[0:2], uint16(d.ngpio))
	if len(buf) > len(full) {
		return fmt.Errorf("gpio: config read of %d bytes exceeds config space", len(buf))
	}
	copy(buf, full)
	return nil
}

// QueueStarted implements vhostuser.Personality.
func (d *GPIO) QueueStarted(q *virtqueue.Queue, started bool) {
	switch q.Index {
	case gpioQueueCmd:
		if started {
			q.Handler = d.handleCmdq
		} else {
			q.Handler = nil
		}
	case gpioQueueEvent:
		if started {
			d.eventq = q
			q.Handler = d.handleEventq
		} else {
			q.Handler = nil
		}
	}
}

func (d *GPIO) handleCmdq(q *virtqueue.Queue) error {
	for {
		elem := q.Pop()
		if elem == nil {
			break
		}

		if len(elem.Out) != 1 || len(elem.In) != 1 {
			return fmt.Errorf("gpio: bad request topology: out_num %d, in_num %d",
				len(elem.Out), len(elem.In))
		}
		if len(elem.Out[0]) != gpioReqSize || len(elem.In[0]) != gpioRespSize {
			return fmt.Errorf("gpio: bad request sizes: out %d, in %d",
				len(elem.Out[0]), len(elem.In[0]))
		}

		reqType := binary.LittleEndian.Uint16(elem.Out[0][0:2])
		pin := uint32(binary.LittleEndian.Uint16(elem.Out[0][2:4]))
		value := binary.LittleEndian.Uint32(elem.Out[0][4:8])

		slog.Debug("gpio: request", "type", fmt.Sprintf("%#x", reqType), "pin", pin, "value", value)

		resp := elem.In[0]
		status := byte(gpioStatusOK)
		resp[1] = 0

		switch reqType {
		case gpioMsgIrqType:
			if err := d.modelCall("set_irq_type", d.model.SetIrqType(pin, value)); err != nil {
				status = gpioStatusErr
				break
			}
			if value == GpioIrqTypeNone {
				// Clearing the trigger wakes any parked subscription so the
				// guest's teardown path is not left waiting.
				d.completeIrq(pin, GpioIrqStatusInvalid)
			}

		case gpioMsgGetDirection:
			resp[1] = gpioDirectionIn

		case gpioMsgSetValue:
			if err := d.modelCall("set_value", d.model.SetValue(pin, value)); err != nil {
				status = gpioStatusErr
			}

		default:
			// Remaining line operations are accepted with a zero value so
			// drivers probing them keep working.
		}

		resp[0] = status
		q.Push(elem, gpioRespSize)
	}

	q.Notify()
	return nil
}

// handleEventq parks IRQ subscriptions. Elements are not completed here;
// they wait in their pin's slot until the model raises the interrupt or the
// guest clears the trigger.
func (d *GPIO) handleEventq(q *virtqueue.Queue) error {
	for {
		elem := q.Pop()
		if elem == nil {
			break
		}

		if len(elem.Out) != 1 || len(elem.In) != 1 {
			return fmt.Errorf("gpio: bad irq request topology: out_num %d, in_num %d",
				len(elem.Out), len(elem.In))
		}
		if len(elem.Out[0]) != gpioIrqReqSize || len(elem.In[0]) != gpioIrqRespSize {
			return fmt.Errorf("gpio: bad irq request sizes: out %d, in %d",
				len(elem.Out[0]), len(elem.In[0]))
		}

		pin := uint32(binary.LittleEndian.Uint16(elem.Out[0][0:2]))
		if int(pin) >= d.ngpio {
			return fmt.Errorf("gpio: irq subscribe for pin %d out of range (%d pins)", pin, d.ngpio)
		}
		if d.irqElements[pin] != nil {
			panic(fmt.Sprintf("gpio: duplicate irq subscription for pin %d", pin))
		}

		slog.Debug("gpio: irq subscribe", "pin", pin)
		d.irqElements[pin] = elem

		if err := d.modelCall("unmask", d.model.Unmask(pin)); err != nil {
			// The subscription stays parked; the model may still trigger
			// later, and IRQ_TYPE=NONE cleans up on teardown.
			continue
		}
	}
	return nil
}

// TriggerIRQ completes the parked IRQ element for pin with status VALID.
// Exposed to models as the trigger_gpio_irq host callback. A trigger with
// nothing parked is a no-op.
func (d *GPIO) TriggerIRQ(pin uint32) {
	if int(pin) >= d.ngpio {
		slog.Error("gpio: irq trigger for pin out of range", "pin", pin, "ngpio", d.ngpio)
		return
	}
	d.completeIrq(pin, GpioIrqStatusValid)
}

func (d *GPIO) completeIrq(pin uint32, status byte) {
	elem := d.irqElements[pin]
	if elem == nil {
		slog.Debug("gpio: no parked irq element", "pin", pin)
		return
	}
	if d.eventq == nil {
		panic(fmt.Sprintf("gpio: parked irq element for pin %d but no event queue", pin))
	}

	elem.In[0][0] = status
	d.irqElements[pin] = nil
	d.eventq.Push(elem, gpioIrqRespSize)
	d.eventq.Notify()
}

func (d *GPIO) modelCall(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrModelContract) {
		panic(fmt.Sprintf("gpio: %s: %v", name, err))
	}
	slog.Error("gpio: model call failed", "call", name, "error", err)
	return err
}
