package state

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Follow copies lines appended to path after the call into w until ctx is
// done. Writes are detected with fsnotify; a slow poll covers filesystems
// where notifications are unavailable. Partial lines are held back until
// their newline arrives.
func Follow(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open log")
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "seek log")
	}
	r := bufio.NewReader(f)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(path); err == nil {
			events, errs = watcher.Events, watcher.Errors
		} else {
			log.Debug().Err(err).Str("path", path).Msg("fsnotify add failed; polling")
		}
	} else {
		log.Debug().Err(err).Msg("fsnotify unavailable; polling")
	}

	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	var partial []byte
	for {
		chunk, err := r.ReadBytes('\n')
		if err == nil {
			if _, werr := w.Write(append(partial, chunk...)); werr != nil {
				return errors.Wrap(werr, "write")
			}
			partial = nil
			continue
		}
		if !errors.Is(err, io.EOF) {
			return errors.Wrap(err, "read log")
		}
		partial = append(partial, chunk...)

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				log.Debug().Err(err).Msg("fsnotify error")
			}
		case <-poll.C:
		}
	}
}
