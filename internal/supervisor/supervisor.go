// Package supervisor starts and reaps the UML kernel child whose driver code
// is under test. The child runs in the work directory with stdin from
// /dev/null and both output streams captured in uml.txt; the vhost-user
// socket paths are already embedded in its argv by the harness.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// LogFile is the captured console output's file name in the work directory.
const LogFile = "uml.txt"

// Child is a started UML process.
type Child struct {
	cmd *exec.Cmd
	log *os.File
}

// Start launches the UML binary. The returned Child must be reaped with
// Wait once the event loop exits.
func Start(workDir string, argv []string) (*Child, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("supervisor: no UML command line")
	}

	logPath := filepath.Join(workDir, LogFile)
	log, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open %s: %w", logPath, err)
	}

	null, err := os.Open(os.DevNull)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("supervisor: open %s: %w", os.DevNull, err)
	}
	defer null.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdin = null
	cmd.Stdout = log
	cmd.Stderr = log

	if err := cmd.Start(); err != nil {
		log.Close()
		return nil, fmt.Errorf("supervisor: start %s: %w", argv[0], err)
	}

	slog.Debug("supervisor: started", "pid", cmd.Process.Pid, "argv", argv)

	return &Child{cmd: cmd, log: log}, nil
}

// Pid returns the child's process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Wait reaps the child and returns its exit code. No signals are forwarded;
// the guest shuts itself down when the test run completes.
func (c *Child) Wait() (int, error) {
	defer c.log.Close()

	if err := c.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("supervisor: wait: %w", err)
	}
	return 0, nil
}
