package proctree

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Descendants returns all transitive child pids of pid, discovered through
// pgrep -P. A process with no children yields an empty slice; a failed
// enumeration (pgrep missing or erroring) yields a non-nil error so callers
// can fall back to a forced kill instead of assuming the tree is empty.
func Descendants(pid int) ([]int, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	out := []int{}
	frontier := []int{pid}
	for len(frontier) > 0 {
		next := []int{}
		for _, parent := range frontier {
			children, err := childrenOf(parent)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		out = append(out, next...)
		frontier = next
	}
	return out, nil
}

func childrenOf(pid int) ([]int, error) {
	cmd := exec.Command("pgrep", "-P", strconv.Itoa(pid))
	output, err := cmd.Output()
	if err != nil {
		// pgrep exits 1 when no processes match
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep -P %d: %w", pid, err)
	}

	var children []int
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		childPID, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		children = append(children, childPID)
	}
	return children, nil
}

// Alive checks process existence with kill(pid, 0).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return syscall.Kill(pid, sig)
}

// SignalGroup signals the whole process group of pid. Negative PGID targets
// the full group (shell plus spawned children).
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		return syscall.Kill(pid, sig)
	}
	return syscall.Kill(-pgid, sig)
}

// ConfigureGroup places the command in its own process group so group
// signals reach every process the plan spawns.
func ConfigureGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
