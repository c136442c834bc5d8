package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func TestStatus_notRunning(t *testing.T) {
	t.Parallel()
	st, err := Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatal("expected not running")
	}
}

func TestStatus_stalePidFileRemoved(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// A pid that cannot exist.
	if err := os.WriteFile(pidPath(home), []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatal("expected not running for stale pid")
	}
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Fatal("stale pid file should be removed")
	}
}

func TestAcquireLock_exclusive(t *testing.T) {
	t.Parallel()
	lockFile := filepath.Join(t.TempDir(), "protected", "daemon.lock")

	l1, err := acquireLock(lockFile)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.release()

	if _, err := acquireLock(lockFile); err == nil {
		t.Fatal("second acquire should fail while first lock held")
	}

	l1.release()
	l2, err := acquireLock(lockFile)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.release()
}

func TestStop_notRunning(t *testing.T) {
	t.Parallel()
	stopped, err := Stop(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped {
		t.Fatal("nothing to stop")
	}
}
