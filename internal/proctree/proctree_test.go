package proctree

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("expected own pid to be alive")
	}
	if Alive(0) {
		t.Fatalf("expected pid 0 to be reported dead")
	}
	if Alive(-1) {
		t.Fatalf("expected negative pid to be reported dead")
	}
}

func TestDescendantsFindsGrandchildren(t *testing.T) {
	if _, err := exec.LookPath("pgrep"); err != nil {
		t.Skip("pgrep not available")
	}

	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30 & wait")
	ConfigureGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start shell: %v", err)
	}
	t.Cleanup(func() {
		_ = SignalGroup(cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
	})

	deadline := time.Now().Add(3 * time.Second)
	var pids []int
	for time.Now().Before(deadline) {
		var err error
		pids, err = Descendants(cmd.Process.Pid)
		if err != nil {
			t.Fatalf("descendants: %v", err)
		}
		if len(pids) >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(pids) < 2 {
		t.Fatalf("expected at least 2 descendants, got %v", pids)
	}
	for _, pid := range pids {
		if !Alive(pid) {
			t.Fatalf("expected descendant %d to be alive", pid)
		}
	}
}

func TestDescendantsEmptyForLeafProcess(t *testing.T) {
	if _, err := exec.LookPath("pgrep"); err != nil {
		t.Skip("pgrep not available")
	}

	cmd := exec.Command("sleep", "30")
	ConfigureGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = Signal(cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
	})

	pids, err := Descendants(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(pids) != 0 {
		t.Fatalf("expected no descendants for sleep, got %v", pids)
	}
}

func TestSignalGroupKillsShellAndChildren(t *testing.T) {
	if _, err := exec.LookPath("pgrep"); err != nil {
		t.Skip("pgrep not available")
	}

	cmd := exec.Command("sh", "-c", "sleep 30 & wait")
	ConfigureGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start shell: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var pids []int
	for time.Now().Before(deadline) {
		var err error
		pids, err = Descendants(cmd.Process.Pid)
		if err != nil {
			t.Fatalf("descendants: %v", err)
		}
		if len(pids) >= 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(pids) == 0 {
		t.Fatalf("expected a sleep child before killing")
	}

	if err := SignalGroup(cmd.Process.Pid, syscall.SIGKILL); err != nil {
		t.Fatalf("signal group: %v", err)
	}
	_ = cmd.Wait()

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stillAlive := false
		for _, pid := range pids {
			if Alive(pid) {
				stillAlive = true
			}
		}
		if !stillAlive {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected group kill to remove children %v", pids)
}
