// Package script embeds the Starlark interpreter that hosts chip models.
//
// The backend executes one user-supplied main script at startup. The script
// must leave a module-level value named "backend" exposing the i2c, gpio and
// platform model surfaces plus a process_control callable; the bridge
// resolves those attributes once and fails hard if any is missing, since a
// backend without models cannot mediate any bus traffic.
//
// Model callables run synchronously on the event-loop thread. Callbacks from
// script code into the backend (interrupt injection, DMA) re-enter on the
// same thread through the cbackend module; see host.go. Mutable model state
// lives under the predeclared "state" value, which survives the post-load
// freeze of module globals; see state.go.
package script

import (
	"fmt"
	"log/slog"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/vwax/roadtest/internal/devices"
)

// Bridge wraps the interpreter state and the resolved model callables.
type Bridge struct {
	thread  *starlark.Thread
	opts    *syntax.FileOptions
	globals starlark.StringDict

	backend starlark.Value

	processControl starlark.Callable

	i2cRead  starlark.Callable
	i2cWrite starlark.Callable

	gpioSetIrqType starlark.Callable
	gpioSetValue   starlark.Callable
	gpioUnmask     starlark.Callable

	platRead  starlark.Callable
	platWrite starlark.Callable
}

// Load executes the main script and resolves the model surfaces. host
// supplies the backend callbacks exposed to scripts as the cbackend module.
func Load(mainScript string, host *Host) (*Bridge, error) {
	b := &Bridge{
		thread: &starlark.Thread{
			Name: "backend",
			Print: func(_ *starlark.Thread, msg string) {
				slog.Info("script: " + msg)
			},
		},
		opts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
			Recursion:       true,
		},
	}

	predeclared := starlark.StringDict{
		"cbackend": hostModule(host),
		"state":    newStateDict(),
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"module":   starlark.NewBuiltin("module", starlarkstruct.MakeModule),
	}

	globals, err := starlark.ExecFileOptions(b.opts, b.thread, mainScript, nil, predeclared)
	if err != nil {
		return nil, scriptError("run main script", err)
	}
	b.globals = globals

	backend, ok := globals["backend"]
	if !ok {
		return nil, fmt.Errorf("script: %s does not define backend", mainScript)
	}
	b.backend = backend

	if b.processControl, err = callableAttr(backend, "backend", "process_control"); err != nil {
		return nil, err
	}

	i2c, err := attr(backend, "backend", "i2c")
	if err != nil {
		return nil, err
	}
	if b.i2cRead, err = callableAttr(i2c, "i2c", "read"); err != nil {
		return nil, err
	}
	if b.i2cWrite, err = callableAttr(i2c, "i2c", "write"); err != nil {
		return nil, err
	}

	gpio, err := attr(backend, "backend", "gpio")
	if err != nil {
		return nil, err
	}
	if b.gpioSetIrqType, err = callableAttr(gpio, "gpio", "set_irq_type"); err != nil {
		return nil, err
	}
	if b.gpioSetValue, err = callableAttr(gpio, "gpio", "set_value"); err != nil {
		return nil, err
	}
	if b.gpioUnmask, err = callableAttr(gpio, "gpio", "unmask"); err != nil {
		return nil, err
	}

	platform, err := attr(backend, "backend", "platform")
	if err != nil {
		return nil, err
	}
	if b.platRead, err = callableAttr(platform, "platform", "read"); err != nil {
		return nil, err
	}
	if b.platWrite, err = callableAttr(platform, "platform", "write"); err != nil {
		return nil, err
	}

	return b, nil
}

func attr(v starlark.Value, owner, name string) (starlark.Value, error) {
	hasAttrs, ok := v.(starlark.HasAttrs)
	if !ok {
		return nil, fmt.Errorf("script: %s has no attributes (got %s)", owner, v.Type())
	}
	a, err := hasAttrs.Attr(name)
	if err != nil || a == nil {
		return nil, fmt.Errorf("script: error getting %s.%s", owner, name)
	}
	return a, nil
}

func callableAttr(v starlark.Value, owner, name string) (starlark.Callable, error) {
	a, err := attr(v, owner, name)
	if err != nil {
		return nil, err
	}
	fn, ok := a.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script: %s.%s is not callable (got %s)", owner, name, a.Type())
	}
	return fn, nil
}

// scriptError logs the full Starlark backtrace and returns a flattened
// error. The backtrace goes to the log so a failing model can be debugged
// from the backend output, like the reference's PyErr_Print.
func scriptError(what string, err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		slog.Error("script: "+what, "traceback", "\n"+evalErr.Backtrace())
		return fmt.Errorf("script: %s: %w", what, err)
	}
	return fmt.Errorf("script: %s: %w", what, err)
}

func (b *Bridge) call(fn starlark.Callable, args ...starlark.Value) (starlark.Value, error) {
	v, err := starlark.Call(b.thread, fn, starlark.Tuple(args), nil)
	if err != nil {
		return nil, scriptError(fn.Name(), err)
	}
	return v, nil
}

// ProcessControl invokes backend.process_control. Called once per event-loop
// wake; errors here are fatal.
func (b *Bridge) ProcessControl() error {
	_, err := b.call(b.processControl)
	return err
}

// EvalControl evaluates one control-channel expression with the script's
// globals (including backend) in scope.
func (b *Bridge) EvalControl(line string) error {
	_, err := starlark.EvalOptions(b.opts, b.thread, "control", line, b.globals)
	if err != nil {
		return scriptError("control command", err)
	}
	return nil
}

// Read implements devices.I2CModel.
func (b *Bridge) Read(addr uint16, length int) ([]byte, error) {
	v, err := b.call(b.i2cRead, starlark.MakeInt(int(addr)), starlark.MakeInt(length))
	if err != nil {
		return nil, err
	}
	data, ok := v.(starlark.Bytes)
	if !ok {
		return nil, fmt.Errorf("%w: i2c.read returned %s, want bytes", devices.ErrModelContract, v.Type())
	}
	if len(data) != length {
		return nil, fmt.Errorf("%w: i2c.read returned %d bytes, want %d",
			devices.ErrModelContract, len(data), length)
	}
	return []byte(data), nil
}

// Write implements devices.I2CModel.
func (b *Bridge) Write(addr uint16, data []byte) error {
	_, err := b.call(b.i2cWrite, starlark.MakeInt(int(addr)), starlark.Bytes(data))
	return err
}

// GPIOSurface adapts the bridge to devices.GPIOModel. A separate type keeps
// the i2c and gpio model interfaces from colliding on method names.
type GPIOSurface struct{ b *Bridge }

// GPIO returns the bridge's gpio model surface.
func (b *Bridge) GPIO() *GPIOSurface { return &GPIOSurface{b} }

// SetIrqType implements devices.GPIOModel.
func (s *GPIOSurface) SetIrqType(pin uint32, irqType uint32) error {
	_, err := s.b.call(s.b.gpioSetIrqType, starlark.MakeInt(int(pin)), starlark.MakeInt(int(irqType)))
	return err
}

// SetValue implements devices.GPIOModel.
func (s *GPIOSurface) SetValue(pin uint32, value uint32) error {
	_, err := s.b.call(s.b.gpioSetValue, starlark.MakeInt(int(pin)), starlark.MakeInt(int(value)))
	return err
}

// Unmask implements devices.GPIOModel.
func (s *GPIOSurface) Unmask(pin uint32) error {
	_, err := s.b.call(s.b.gpioUnmask, starlark.MakeInt(int(pin)))
	return err
}

// PlatformSurface adapts the bridge to devices.PlatformModel.
type PlatformSurface struct{ b *Bridge }

// Platform returns the bridge's platform model surface.
func (b *Bridge) Platform() *PlatformSurface { return &PlatformSurface{b} }

// Read implements devices.PlatformModel.
func (s *PlatformSurface) Read(addr uint64, size int) (uint64, error) {
	v, err := s.b.call(s.b.platRead, starlark.MakeUint64(addr), starlark.MakeInt(size))
	if err != nil {
		return 0, err
	}
	i, ok := v.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("%w: platform.read returned %s, want int",
			devices.ErrModelContract, v.Type())
	}
	u, ok := i.Uint64()
	if !ok {
		return 0, fmt.Errorf("%w: platform.read returned out-of-range value %s",
			devices.ErrModelContract, i.String())
	}
	return u, nil
}

// Write implements devices.PlatformModel.
func (s *PlatformSurface) Write(addr uint64, size int, value uint64) error {
	_, err := s.b.call(s.b.platWrite,
		starlark.MakeUint64(addr), starlark.MakeInt(size), starlark.MakeUint64(value))
	return err
}
