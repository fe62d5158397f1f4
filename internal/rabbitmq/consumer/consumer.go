package consumer

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/metrics"
	"github.com/forseti-judge/worker/internal/rabbitmq/channel"
	"github.com/forseti-judge/worker/internal/rabbitmq/responder"
	"github.com/forseti-judge/worker/internal/scheduler"
	"github.com/forseti-judge/worker/pkg/constants"
	"github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/languages"
	"github.com/forseti-judge/worker/pkg/messages"

	e "errors"
)

type Consumer interface {
	// Listen blocks until the delivery channel is closed.
	Listen()
}

type consumer struct {
	channel           channel.Channel
	workerQueueName   string
	responseQueueName string
	scheduler         scheduler.Scheduler
	responder         responder.Responder
	registry          languages.Registry
	logger            *zap.SugaredLogger
}

func NewConsumer(
	mainChannel channel.Channel,
	workerQueueName string,
	responseQueueName string,
	scheduler scheduler.Scheduler,
	responder responder.Responder,
	registry languages.Registry,
) Consumer {
	logger := logger.NewNamedLogger("consumer")

	return &consumer{
		channel:           mainChannel,
		workerQueueName:   workerQueueName,
		responseQueueName: responseQueueName,
		scheduler:         scheduler,
		responder:         responder,
		registry:          registry,
		logger:            logger,
	}
}

func (c *consumer) Listen() {
	c.logger.Infof("Declaring queue %s", c.workerQueueName)

	args := make(amqp.Table)
	args["x-max-priority"] = constants.RabbitMQMaxPriority
	_, err := c.channel.QueueDeclare(c.workerQueueName, true, false, false, false, args)
	if err != nil {
		c.logger.Panicf("Failed to declare queue %s: %s", c.workerQueueName, err)
	}

	if err := c.channel.Qos(constants.RabbitMQPrefetchCount, 0, false); err != nil {
		c.logger.Panicf("Failed to set prefetch on queue %s: %s", c.workerQueueName, err)
	}

	c.logger.Infof("Listening for messages on queue %s", c.workerQueueName)

	// Deliveries are acked only once they were dispatched, requeued or answered.
	// Anything still unacked when the channel closes goes back to the broker.
	msgs, err := c.channel.Consume(c.workerQueueName, "", false, false, false, false, nil)
	if err != nil {
		c.logger.Panicf("Failed to consume messages from queue %s: %s", c.workerQueueName, err)
	}

	for msg := range msgs {
		c.processMessage(msg)
		if err := msg.Ack(false); err != nil {
			c.logger.Warnf("Failed to ack delivery %d: %s", msg.DeliveryTag, err)
		}
	}

	c.logger.Infof("Delivery channel of %s closed", c.workerQueueName)
}

func (c *consumer) replyQueue(msg amqp.Delivery) string {
	if msg.ReplyTo != "" {
		return msg.ReplyTo
	}
	return c.responseQueueName
}

func (c *consumer) processMessage(msg amqp.Delivery) {
	replyTo := c.replyQueue(msg)

	var queueMessage messages.QueueMessage
	if err := json.Unmarshal(msg.Body, &queueMessage); err != nil {
		c.logger.Errorf("Failed to unmarshal message: %s", err)
		c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, replyTo, err)
		return
	}

	switch queueMessage.Type {
	case constants.QueueMessageTypeTask:
		c.logger.Infof("Received task message: %s", queueMessage.MessageID)
		if !msg.Timestamp.IsZero() {
			metrics.QueueWaitSeconds.Observe(time.Since(msg.Timestamp).Seconds())
		}
		c.handleTaskMessage(queueMessage, replyTo)
	case constants.QueueMessageTypeStatus:
		c.logger.Infof("Received status message: %s", queueMessage.MessageID)
		c.handleStatusMessage(queueMessage, replyTo)
	case constants.QueueMessageTypeHandshake:
		c.logger.Infof("Received handshake message: %s", queueMessage.MessageID)
		c.handleHandshakeMessage(queueMessage, replyTo)
	default:
		c.logger.Errorf("Unknown message type: %s", queueMessage.Type)
		c.responder.PublishErrorToResponseQueue(
			queueMessage.Type,
			queueMessage.MessageID,
			replyTo,
			errors.ErrUnknownMessageType)
	}
}

func (c *consumer) requeueTaskWithPriority(queueMessage messages.QueueMessage, replyTo string) error {
	queueMessageJSON, err := json.Marshal(queueMessage)
	if err != nil {
		c.logger.Errorf("Failed to marshal queue message: %s", err)
		return err
	}

	return c.responder.Publish(c.workerQueueName, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: queueMessage.MessageID,
		ReplyTo:       replyTo,
		Body:          queueMessageJSON,
		Priority:      uint8(constants.RabbitMQRequeuePriority),
		Timestamp:     time.Now(),
	})
}

func (c *consumer) handleTaskMessage(queueMessage messages.QueueMessage, replyTo string) {
	var task *messages.TaskQueueMessage
	if err := json.Unmarshal(queueMessage.Payload, &task); err != nil || task == nil {
		if err == nil {
			err = errors.ErrInvalidTask
		}
		c.logger.Errorf("Failed to unmarshal task message: %s", err)
		c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, replyTo, err)
		return
	}

	// The attempt id keys execution dedup; an empty one would collide across reruns.
	if task.AttemptID == "" {
		c.logger.Errorf("Task message %s has no attempt id", queueMessage.MessageID)
		c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, replyTo, errors.ErrInvalidTask)
		return
	}

	err := c.scheduler.ProcessTask(replyTo, queueMessage.MessageID, task)
	if err == nil {
		return
	}

	if e.Is(err, errors.ErrFailedToGetFreeWorker) {
		c.logger.Infof("All workers busy, requeueing %s", queueMessage.MessageID)
		if requeueErr := c.requeueTaskWithPriority(queueMessage, replyTo); requeueErr != nil {
			c.logger.Errorf("Failed to requeue task with higher priority: %s", requeueErr)
			c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, replyTo, requeueErr)
		}
		return
	}

	c.logger.Errorf("Failed to process task message: %s", err)
	c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, replyTo, err)
}

func (c *consumer) handleStatusMessage(queueMessage messages.QueueMessage, replyTo string) {
	status := c.scheduler.GetWorkersStatus()

	err := c.responder.PublishSuccessStatusRespond(queueMessage.Type, queueMessage.MessageID, replyTo, status)
	if err != nil {
		c.logger.Errorf("Failed to publish status message: %s", err)
		c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, replyTo, err)
	}
}

func (c *consumer) handleHandshakeMessage(queueMessage messages.QueueMessage, replyTo string) {
	supported := c.registry.Supported()

	err := c.responder.PublishSuccessHandshakeRespond(queueMessage.Type, queueMessage.MessageID, replyTo, supported)
	if err != nil {
		c.logger.Errorf("Failed to publish supported languages: %s", err)
		c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, replyTo, err)
	}
}
