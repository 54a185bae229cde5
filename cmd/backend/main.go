// Command backend hosts the vhost-user device emulation for a roadtest run.
//
// It boots the scripting runtime, brings up the virtio-i2c, virtio-gpio and
// (optionally) platform device sockets, spawns the UML kernel under test and
// then services bus traffic until every guest driver disconnects.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/vwax/roadtest/internal/config"
	"github.com/vwax/roadtest/internal/control"
	"github.com/vwax/roadtest/internal/devices"
	"github.com/vwax/roadtest/internal/eventloop"
	"github.com/vwax/roadtest/internal/guestmem"
	"github.com/vwax/roadtest/internal/opslog"
	"github.com/vwax/roadtest/internal/script"
	"github.com/vwax/roadtest/internal/supervisor"
	"github.com/vwax/roadtest/internal/vhostuser"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "backend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	mainScript := flag.String("main-script", "", "Model script executed at startup (required)")
	gpioSocket := flag.String("gpio-socket", "", "virtio-gpio vhost-user socket path (required)")
	i2cSocket := flag.String("i2c-socket", "", "virtio-i2c vhost-user socket path (required)")
	pciSocket := flag.String("pci-socket", "", "platform device vhost-user socket path")
	configPath := flag.String("config", "", "Optional yaml config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"Usage: %s --main-script PATH --gpio-socket P --i2c-socket P [--pci-socket P] -- UML_BINARY [args...]\n\n",
			os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *mainScript == "" || *gpioSocket == "" || *i2cSocket == "" {
		flag.Usage()
		return fmt.Errorf("invalid arguments")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	workDir, err := config.WorkDir()
	if err != nil {
		return err
	}

	ops, err := opslog.NewWriter(workDir)
	if err != nil {
		return err
	}
	defer ops.Close()

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	host := &script.Host{
		OpsLog: func(line string) {
			if err := ops.Write(line); err != nil {
				slog.Error("backend: opslog write", "error", err)
			}
		},
	}

	bridge, err := script.Load(*mainScript, host)
	if err != nil {
		return err
	}

	var devs []*vhostuser.Dev

	gpio := devices.NewGPIO(bridge.GPIO(), cfg.NGpio)
	gpioDev, err := vhostuser.NewDev("gpio", *gpioSocket, gpio.QueueCount(), gpio, loop)
	if err != nil {
		return err
	}
	gpioDev.MaxQueueSize = cfg.QueueMaxSize
	devs = append(devs, gpioDev)
	host.TriggerGPIOIRQ = gpio.TriggerIRQ

	i2c := devices.NewI2C(bridge)
	i2cDev, err := vhostuser.NewDev("i2c", *i2cSocket, i2c.QueueCount(), i2c, loop)
	if err != nil {
		return err
	}
	i2cDev.MaxQueueSize = cfg.QueueMaxSize
	devs = append(devs, i2cDev)

	if *pciSocket != "" {
		platform := devices.NewPlatform(bridge.Platform())
		platDev, err := vhostuser.NewDev("platform", *pciSocket, platform.QueueCount(), platform, loop)
		if err != nil {
			return err
		}
		platDev.MaxQueueSize = cfg.QueueMaxSize
		devs = append(devs, platDev)
	}

	for _, dev := range devs {
		if err := loop.AddDevice(dev); err != nil {
			return err
		}
	}

	// DMA callbacks resolve against whichever connected device has the
	// address mapped; all peers of one guest share its physical memory.
	host.DMARead = func(gpa uint64, length int) ([]byte, error) {
		for _, dev := range devs {
			if mem := dev.Memory(); mem != nil {
				if data, err := mem.ReadAt(gpa, length); err == nil {
					return data, nil
				}
			}
		}
		return nil, fmt.Errorf("%w: %#x", guestmem.ErrInvalidAddress, gpa)
	}
	host.DMAWrite = func(gpa uint64, data []byte) error {
		for _, dev := range devs {
			if mem := dev.Memory(); mem != nil {
				if err := mem.WriteAt(gpa, data); err == nil {
					return nil
				}
			}
		}
		return fmt.Errorf("%w: %#x", guestmem.ErrInvalidAddress, gpa)
	}

	ctl, err := control.NewReader(workDir)
	if err != nil {
		return err
	}
	defer ctl.Close()

	loop.ProcessControl = func() error {
		if err := ctl.Process(bridge.EvalControl); err != nil {
			return err
		}
		return bridge.ProcessControl()
	}

	// The sockets are listening before the child starts, so the guest's
	// connect always lands; accept happens on the event loop.
	child, err := supervisor.Start(workDir, flag.Args())
	if err != nil {
		return err
	}

	runErr := loop.Run()

	for _, dev := range devs {
		dev.Deinit()
	}

	if runErr != nil {
		return runErr
	}

	code, err := child.Wait()
	if err != nil {
		return err
	}
	slog.Debug("backend: uml exited", "code", code)

	return nil
}
