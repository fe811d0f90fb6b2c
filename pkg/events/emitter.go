package events

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Emitter publishes lifecycle events for one run. A nil Emitter or one
// without a publisher drops events.
type Emitter struct {
	Pub   message.Publisher
	RunID string
}

func (e *Emitter) Phase(phase string) {
	if e == nil {
		return
	}
	e.publish(TypePhaseChanged, PhaseChanged{RunID: e.RunID, Phase: phase, At: time.Now()})
}

func (e *Emitter) Service(ev ServiceStatus) {
	if e == nil {
		return
	}
	ev.RunID = e.RunID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.publish(TypeServiceStatus, ev)
}

func (e *Emitter) publish(typ string, payload any) {
	if e.Pub == nil {
		return
	}
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("event envelope")
		return
	}
	b, err := env.MarshalJSONBytes()
	if err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("event marshal")
		return
	}
	if err := e.Pub.Publish(TopicDevnetEvents, message.NewMessage(watermill.NewUUID(), b)); err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("event publish")
	}
}
