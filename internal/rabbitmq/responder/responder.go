package responder

import (
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/rabbitmq/channel"
	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/messages"
)

type Responder interface {
	Publish(queueName string, publishing amqp.Publishing) error
	PublishErrorToResponseQueue(
		messageType, messageID, responseQueue string,
		err error,
	)
	PublishSuccessHandshakeRespond(
		messageType, messageID, responseQueue string,
		payload messages.ResponseHandshakePayload,
	) error
	PublishSuccessStatusRespond(
		messageType, messageID, responseQueue string,
		statusMap map[string]interface{},
	) error
	PublishSuccessTaskRespond(
		messageType, messageID, responseQueue string,
		payload messages.ExecutionPayload,
	) error
	PublishTaskFailureRespond(
		messageType, messageID, responseQueue string,
		payload messages.FailurePayload,
	) error
	Close() error
}

type publishRequest struct {
	queueName  string
	publishing amqp.Publishing
	result     chan error
}

// responder serializes all publishes through one goroutine; an amqp channel
// must not be used from several goroutines at once.
type responder struct {
	logger      *zap.SugaredLogger
	channel     channel.Channel
	publishChan chan publishRequest
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewResponder(ch channel.Channel, publishChanSize int) Responder {
	if publishChanSize <= 0 {
		publishChanSize = constants.DefaultRabbitmqPublishChanSize
	}

	r := &responder{
		logger:      logger.NewNamedLogger("responder"),
		channel:     ch,
		publishChan: make(chan publishRequest, publishChanSize),
		done:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.publishLoop()

	return r
}

func (r *responder) publishLoop() {
	defer r.wg.Done()
	for {
		select {
		case req := <-r.publishChan:
			req.result <- r.channel.Publish("", req.queueName, false, false, req.publishing)
		case <-r.done:
			return
		}
	}
}

func (r *responder) Publish(queueName string, publishing amqp.Publishing) error {
	select {
	case <-r.done:
		return pkgerrors.ErrResponderClosed
	default:
	}

	req := publishRequest{
		queueName:  queueName,
		publishing: publishing,
		result:     make(chan error, 1),
	}

	select {
	case r.publishChan <- req:
	case <-r.done:
		return pkgerrors.ErrResponderClosed
	}

	select {
	case err := <-req.result:
		return err
	case <-r.done:
		select {
		case err := <-req.result:
			return err
		default:
			return pkgerrors.ErrResponderClosed
		}
	}
}

func (r *responder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *responder) PublishErrorToResponseQueue(messageType, messageID, responseQueue string, err error) {
	errorPayload := map[string]string{"error": err.Error()}
	payload, jsonErr := json.Marshal(errorPayload)
	if jsonErr != nil {
		r.logger.Errorf("Failed to marshal error payload: %s", jsonErr)
		return
	}

	if pubErr := r.publishRespondMessage(messageType, messageID, responseQueue, false, payload); pubErr != nil {
		r.logger.Errorf("Failed to publish error message: %s", pubErr)
		return
	}

	r.logger.Infof("Published error message to response queue: %s", messageID)
}

func (r *responder) PublishSuccessHandshakeRespond(
	messageType, messageID, responseQueue string,
	handshake messages.ResponseHandshakePayload,
) error {
	payload, err := json.Marshal(handshake)
	if err != nil {
		return err
	}

	return r.publishRespondMessage(messageType, messageID, responseQueue, true, payload)
}

func (r *responder) PublishSuccessStatusRespond(
	messageType, messageID, responseQueue string,
	statusMap map[string]interface{},
) error {
	payload, err := json.Marshal(statusMap)
	if err != nil {
		return err
	}

	return r.publishRespondMessage(messageType, messageID, responseQueue, true, payload)
}

func (r *responder) PublishSuccessTaskRespond(
	messageType, messageID, responseQueue string,
	execution messages.ExecutionPayload,
) error {
	payload, err := json.Marshal(execution)
	if err != nil {
		return err
	}

	return r.publishRespondMessage(messageType, messageID, responseQueue, true, payload)
}

func (r *responder) PublishTaskFailureRespond(
	messageType, messageID, responseQueue string,
	failure messages.FailurePayload,
) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return err
	}

	return r.publishRespondMessage(messageType, messageID, responseQueue, false, payload)
}

func (r *responder) publishRespondMessage(
	messageType, messageID, responseQueue string,
	ok bool,
	payload []byte,
) error {
	queueMessage := messages.ResponseQueueMessage{
		Type:      messageType,
		MessageID: messageID,
		Ok:        ok,
		Payload:   payload,
	}

	responseJSON, err := json.Marshal(queueMessage)
	if err != nil {
		return err
	}

	r.logger.Debugf("Publishing %s response to %s [MsgID: %s]", messageType, responseQueue, messageID)
	return r.Publish(responseQueue, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: messageID,
		Body:          responseJSON,
	})
}
