// Package proc reads process statistics from /proc for the status command.
package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Stats contains process statistics read from /proc.
type Stats struct {
	PID        int     `json:"pid"`
	PGID       int     `json:"pgid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  int64   `json:"memory_rss"`
	MemoryMB   int64   `json:"memory_mb"`
	State      string  `json:"state"`
	Threads    int     `json:"threads"`
}

type procStat struct {
	state   byte
	pgrp    int
	utime   uint64
	stime   uint64
	threads int
	rss     int64
}

type cpuSnapshot struct {
	total     uint64
	timestamp time.Time
}

// CPUTracker turns two samples of the same pid into a CPU percentage.
type CPUTracker struct {
	snapshots map[int]cpuSnapshot
}

func NewCPUTracker() *CPUTracker {
	return &CPUTracker{snapshots: map[int]cpuSnapshot{}}
}

// ReadStats reads one pid. With a tracker, CPUPercent is computed against the
// previous sample of that pid.
func ReadStats(pid int, tracker *CPUTracker) (*Stats, error) {
	if pid <= 0 {
		return nil, errors.New("invalid PID")
	}
	ps, err := readProcStat(pid)
	if err != nil {
		return nil, err
	}

	rss := ps.rss * int64(os.Getpagesize())
	stats := &Stats{
		PID:       pid,
		PGID:      ps.pgrp,
		MemoryRSS: rss,
		MemoryMB:  rss / (1024 * 1024),
		State:     string(ps.state),
		Threads:   ps.threads,
	}

	if tracker != nil {
		now := time.Now()
		total := ps.utime + ps.stime
		if prev, ok := tracker.snapshots[pid]; ok {
			if elapsed := now.Sub(prev.timestamp).Seconds(); elapsed > 0 && total >= prev.total {
				// Jiffies at USER_HZ=100.
				stats.CPUPercent = float64(total-prev.total) / 100.0 / elapsed * 100.0
			}
		}
		tracker.snapshots[pid] = cpuSnapshot{total: total, timestamp: now}
	}
	return stats, nil
}

// GroupPIDs lists live processes whose process group is pgid.
func GroupPIDs(pgid int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, errors.Wrap(err, "read /proc")
	}
	var out []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ps, err := readProcStat(pid)
		if err != nil || ps.state == 'Z' {
			continue
		}
		if ps.pgrp == pgid {
			out = append(out, pid)
		}
	}
	return out, nil
}

// readProcStat parses /proc/[pid]/stat. comm may contain spaces and parens,
// so fields are taken after the last ')'.
func readProcStat(pid int) (*procStat, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil, errors.Wrap(err, "read stat file")
	}
	content := string(data)
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return nil, errors.New("malformed stat file: no closing paren")
	}
	fields := strings.Fields(content[closeParen+1:])
	// 0 state, 2 pgrp, 11 utime, 12 stime, 17 num_threads, 21 rss
	if len(fields) < 22 {
		return nil, errors.Errorf("malformed stat file: expected 22+ fields, got %d", len(fields))
	}

	ps := &procStat{state: fields[0][0]}
	if ps.pgrp, err = strconv.Atoi(fields[2]); err != nil {
		return nil, errors.Wrap(err, "parse pgrp")
	}
	if ps.utime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse utime")
	}
	if ps.stime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse stime")
	}
	if ps.threads, err = strconv.Atoi(fields[17]); err != nil {
		return nil, errors.Wrap(err, "parse num_threads")
	}
	if ps.rss, err = strconv.ParseInt(fields[21], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse rss")
	}
	return ps, nil
}
