package recorder

import (
	"context"

	"github.com/forseti-judge/worker/pkg/messages"
)

// Recorder hands the result of a judging attempt over to the rest of the system.
// responseQueue is the reply destination of the task; backends without one ignore it.
type Recorder interface {
	Save(ctx context.Context, messageID, responseQueue string, payload messages.ExecutionPayload) error
}
