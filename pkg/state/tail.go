package state

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const (
	defaultTailLines = 20
	defaultTailBytes = 2 << 20
	tailChunk        = 32 * 1024
)

// TailLines returns the last n lines of the file at path, reading backwards
// in chunks and never looking at more than maxBytes from the end. A partial
// first line at the window boundary is dropped. n <= 0 means 20, maxBytes
// <= 0 means 2 MiB. A trailing CR is dropped from each returned line.
func TailLines(path string, n int, maxBytes int64) ([]string, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	if n <= 0 {
		n = defaultTailLines
	}
	if maxBytes <= 0 {
		maxBytes = defaultTailBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat log")
	}
	end := info.Size()
	floor := end - maxBytes
	if floor < 0 {
		floor = 0
	}

	var buf []byte
	pos := end
	for pos > floor && bytes.Count(trimNewline(buf), []byte{'\n'}) < n {
		size := int64(tailChunk)
		if pos-floor < size {
			size = pos - floor
		}
		pos -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "read log")
		}
		buf = append(chunk, buf...)
	}

	buf = trimNewline(buf)
	if len(buf) == 0 {
		return nil, nil
	}
	lines := strings.Split(string(buf), "\n")
	if pos > 0 && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines, nil
}

func trimNewline(b []byte) []byte {
	return bytes.TrimSuffix(b, []byte{'\n'})
}
