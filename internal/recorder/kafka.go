package recorder

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/kafka"
	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/pkg/messages"
)

type kafkaRecorder struct {
	producer kafka.Producer
	topic    string
	logger   *zap.SugaredLogger
}

// NewKafkaRecorder publishes executions to a topic keyed by submission id,
// so every attempt of one submission lands on the same partition.
func NewKafkaRecorder(producer kafka.Producer, topic string) Recorder {
	return &kafkaRecorder{
		producer: producer,
		topic:    topic,
		logger:   logger.NewNamedLogger("kafka-recorder"),
	}
}

func (r *kafkaRecorder) Save(ctx context.Context, messageID, _ string, payload messages.ExecutionPayload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(payload.Execution.SubmissionID, 10)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("message_id"), Value: []byte(messageID)},
			{Key: []byte("attempt_id"), Value: []byte(payload.Execution.AttemptID)},
		},
	}

	partition, offset, err := r.producer.Produce(ctx, msg)
	if err != nil {
		return err
	}

	r.logger.Infof("Published execution %s to %s[%d]@%d [SubID: %d]",
		payload.Execution.ID, r.topic, partition, offset, payload.Execution.SubmissionID)
	return nil
}
