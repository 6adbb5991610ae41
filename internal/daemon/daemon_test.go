package daemon

import (
	"context"
	"os"
	"strconv"
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
	home := t.TempDir()
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatalf("Status on fresh home: got running=%v", st.Running)
	}
}

func TestStatus_readsPidAndAddr(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// Our own pid is guaranteed to exist.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(addrPath(home), []byte("0.0.0.0:5000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.PID != pid || st.Addr != "0.0.0.0:5000" {
		t.Fatalf("Status: got %+v", st)
	}
}

func TestStatus_staleGarbagePid(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pidPath(home), []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, _ := Status(context.Background(), home)
	if st.Running {
		t.Fatal("garbage pid file should not report running")
	}
}

func TestAcquireLock_exclusive(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	l1, err := acquireLock(lockPath(home))
	if err != nil {
		t.Fatalf("first acquireLock: %v", err)
	}
	defer l1.release()

	// flock is per-fd, so a second open in the same process still conflicts.
	if l2, err := acquireLock(lockPath(home)); err == nil {
		l2.release()
		t.Fatal("second acquireLock: expected conflict")
	}

	l1.release()
	l3, err := acquireLock(lockPath(home))
	if err != nil {
		t.Fatalf("acquireLock after release: %v", err)
	}
	l3.release()
}

func TestStop_notRunning(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	stopped, err := Stop(context.Background(), home)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped {
		t.Fatal("Stop on fresh home: got stopped=true")
	}
}
