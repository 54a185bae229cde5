package script

import (
	"fmt"
	"log/slog"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Host supplies the backend callbacks exposed to scripts as the cbackend
// module. The fields are wired in main after the devices exist. A nil
// TriggerGPIOIRQ, DMARead or DMAWrite makes the corresponding builtin fail;
// a nil OpsLog makes opslog a no-op.
type Host struct {
	// TriggerGPIOIRQ completes the parked IRQ element for pin with status
	// VALID.
	TriggerGPIOIRQ func(pin uint32)
	// DMARead copies length bytes from guest physical memory.
	DMARead func(gpa uint64, length int) ([]byte, error)
	// DMAWrite copies data into guest physical memory.
	DMAWrite func(gpa uint64, data []byte) error
	// OpsLog appends one line to the ops log read by the harness.
	OpsLog func(line string)
}

// hostModule builds the cbackend module handed to scripts as a predeclared
// name.
func hostModule(h *Host) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "cbackend",
		Members: starlark.StringDict{
			"trigger_gpio_irq": starlark.NewBuiltin("trigger_gpio_irq", h.triggerGpioIrq),
			"dma_read":         starlark.NewBuiltin("dma_read", h.dmaRead),
			"dma_write":        starlark.NewBuiltin("dma_write", h.dmaWrite),
			"opslog":           starlark.NewBuiltin("opslog", h.opsLog),
		},
	}
}

func (h *Host) triggerGpioIrq(_ *starlark.Thread, fn *starlark.Builtin,
	args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {

	var pin int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "pin", &pin); err != nil {
		return nil, err
	}
	if h.TriggerGPIOIRQ == nil {
		return nil, fmt.Errorf("%s: no gpio device", fn.Name())
	}

	slog.Debug("script: trigger_gpio_irq", "pin", pin)
	h.TriggerGPIOIRQ(uint32(pin))
	return starlark.None, nil
}

func (h *Host) dmaRead(_ *starlark.Thread, fn *starlark.Builtin,
	args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {

	var addr uint64
	var length int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "addr", &addr, "len", &length); err != nil {
		return nil, err
	}
	if h.DMARead == nil {
		return nil, fmt.Errorf("%s: no guest memory mapped", fn.Name())
	}

	data, err := h.DMARead(addr, length)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.Bytes(data), nil
}

func (h *Host) dmaWrite(_ *starlark.Thread, fn *starlark.Builtin,
	args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {

	var addr uint64
	var data starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "addr", &addr, "data", &data); err != nil {
		return nil, err
	}
	buf, ok := data.(starlark.Bytes)
	if !ok {
		return nil, fmt.Errorf("%s: data must be bytes, got %s", fn.Name(), data.Type())
	}
	if h.DMAWrite == nil {
		return nil, fmt.Errorf("%s: no guest memory mapped", fn.Name())
	}

	if err := h.DMAWrite(addr, []byte(buf)); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.None, nil
}

func (h *Host) opsLog(_ *starlark.Thread, fn *starlark.Builtin,
	args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {

	var line string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "line", &line); err != nil {
		return nil, err
	}
	if h.OpsLog != nil {
		h.OpsLog(line)
	}
	return starlark.None, nil
}
