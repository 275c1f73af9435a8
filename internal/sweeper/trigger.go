package sweeper

import (
	"context"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

// Trigger is a scheduler tick delivered over Pub/Sub. The payload is ignored.
type Trigger struct {
	MessageID string
}

// TriggerTransformer accepts any message as a tick.
func TriggerTransformer(_ context.Context, msg *messagepipeline.Message) (*Trigger, bool, error) {
	return &Trigger{MessageID: msg.ID}, false, nil
}

// NewTriggerProcessor runs one sweep per tick. Sweep failures are already
// logged, so the message is always acknowledged and waits for the next tick.
func NewTriggerProcessor(s *Sweeper) messagepipeline.StreamProcessor[Trigger] {
	return func(ctx context.Context, original messagepipeline.Message, trigger *Trigger) error {
		s.logger.Debug("Sweep triggered by message", "pubsub_msg_id", original.ID)
		s.Run(ctx)
		return nil
	}
}
