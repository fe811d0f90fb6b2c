package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// RegisterLogger mirrors every bus event into the debug log.
func RegisterLogger(bus *Bus) {
	bus.AddHandler("devnet-log", TopicDevnetEvents, func(msg *message.Message) error {
		defer msg.Ack()
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Debug().Err(err).Msg("undecodable event")
			return nil
		}
		ev := log.Debug().Str("type", env.Type)
		if len(env.Payload) > 0 {
			ev = ev.RawJSON("payload", env.Payload)
		}
		ev.Msg("event")
		return nil
	})
}
