package events

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// Journal appends every bus event as one JSON line to a file.
type Journal struct {
	mu sync.Mutex
	f  *os.File
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir journal dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	return &Journal{f: f}, nil
}

// Register subscribes the journal to the devnet event topic.
func (j *Journal) Register(bus *Bus) {
	bus.AddHandler("devnet-journal", TopicDevnetEvents, func(msg *message.Message) error {
		defer msg.Ack()
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, err := j.f.Write(append(append([]byte{}, msg.Payload...), '\n')); err != nil {
			return errors.Wrap(err, "write journal")
		}
		return nil
	})
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
