package recorder

import (
	"context"

	"github.com/forseti-judge/worker/internal/rabbitmq/responder"
	"github.com/forseti-judge/worker/pkg/constants"
	"github.com/forseti-judge/worker/pkg/messages"
)

type amqpRecorder struct {
	responder responder.Responder
}

// NewAMQPRecorder publishes executions as task responses on the response queue.
func NewAMQPRecorder(responder responder.Responder) Recorder {
	return &amqpRecorder{responder: responder}
}

func (r *amqpRecorder) Save(_ context.Context, messageID, responseQueue string, payload messages.ExecutionPayload) error {
	return r.responder.PublishSuccessTaskRespond(constants.QueueMessageTypeExecution, messageID, responseQueue, payload)
}
