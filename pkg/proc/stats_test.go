package proc

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadStats_Self(t *testing.T) {
	tracker := NewCPUTracker()
	st, err := ReadStats(os.Getpid(), tracker)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), st.PID)
	require.Greater(t, st.MemoryRSS, int64(0))
	require.GreaterOrEqual(t, st.Threads, 1)

	time.Sleep(20 * time.Millisecond)
	st, err = ReadStats(os.Getpid(), tracker)
	require.NoError(t, err)
	require.GreaterOrEqual(t, st.CPUPercent, 0.0)
}

func TestReadStats_InvalidPID(t *testing.T) {
	_, err := ReadStats(0, nil)
	require.Error(t, err)
}

func TestGroupPIDs_FindsChildrenOfNewGroup(t *testing.T) {
	cmd := exec.Command("bash", "-c", "sleep 30 & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	defer func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
	}()

	deadline := time.Now().Add(3 * time.Second)
	var pids []int
	for time.Now().Before(deadline) {
		var err error
		pids, err = GroupPIDs(cmd.Process.Pid)
		require.NoError(t, err)
		if len(pids) >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Contains(t, pids, cmd.Process.Pid)
	require.GreaterOrEqual(t, len(pids), 2)
}
