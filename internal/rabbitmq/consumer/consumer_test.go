package consumer

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/mock/gomock"

	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/languages"
	"github.com/forseti-judge/worker/pkg/messages"
	"github.com/forseti-judge/worker/pkg/submission"
	"github.com/forseti-judge/worker/tests/mocks"
)

const (
	workerQueue   = "worker_queue_test"
	responseQueue = "response_queue_test"
)

func taskBody(t *testing.T, messageID string) []byte {
	t.Helper()
	task := messages.TaskQueueMessage{
		Submission: submission.Submission{ID: 1, Language: "PYTHON_312"},
		AttemptID:  "attempt-1",
	}
	taskB, err := json.Marshal(&task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	qm := messages.QueueMessage{Type: constants.QueueMessageTypeTask, MessageID: messageID, Payload: taskB}
	b, err := json.Marshal(qm)
	if err != nil {
		t.Fatalf("marshal queue message: %v", err)
	}
	return b
}

func TestProcessMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockScheduler := mocks.NewMockScheduler(ctrl)
	mockResponder := mocks.NewMockResponder(ctrl)
	registry := languages.NewRegistry("")

	cIface := NewConsumer(nil, workerQueue, responseQueue, mockScheduler, mockResponder, registry)
	c, ok := cIface.(*consumer)
	if !ok {
		t.Fatalf("NewConsumer returned unexpected type: %T", cIface)
	}

	t.Run("invalid json", func(t *testing.T) {
		mockResponder.EXPECT().PublishErrorToResponseQueue("", "", "reply", gomock.Any()).Times(1)

		c.processMessage(amqp.Delivery{Body: []byte("not json"), ReplyTo: "reply"})
	})

	t.Run("unknown type", func(t *testing.T) {
		qm := messages.QueueMessage{Type: "foo", MessageID: "mid", Payload: nil}
		b, _ := json.Marshal(qm)

		mockResponder.EXPECT().PublishErrorToResponseQueue("foo", "mid", "reply", pkgerrors.ErrUnknownMessageType).Times(1)

		c.processMessage(amqp.Delivery{Body: b, ReplyTo: "reply"})
	})

	t.Run("empty task payload", func(t *testing.T) {
		qm := messages.QueueMessage{Type: constants.QueueMessageTypeTask, MessageID: "mid", Payload: json.RawMessage("null")}
		b, _ := json.Marshal(qm)

		mockResponder.EXPECT().PublishErrorToResponseQueue(
			constants.QueueMessageTypeTask, "mid", "reply", pkgerrors.ErrInvalidTask,
		).Times(1)

		c.processMessage(amqp.Delivery{Body: b, ReplyTo: "reply"})
	})

	t.Run("task without attempt id", func(t *testing.T) {
		taskB, err := json.Marshal(&messages.TaskQueueMessage{
			Submission: submission.Submission{ID: 42, Language: "PYTHON_312"},
		})
		if err != nil {
			t.Fatalf("marshal task: %v", err)
		}
		qm := messages.QueueMessage{Type: constants.QueueMessageTypeTask, MessageID: "no-attempt", Payload: taskB}
		b, _ := json.Marshal(qm)

		mockResponder.EXPECT().PublishErrorToResponseQueue(
			constants.QueueMessageTypeTask, "no-attempt", "reply", pkgerrors.ErrInvalidTask,
		).Times(1)
		mockScheduler.EXPECT().ProcessTask(gomock.Any(), "no-attempt", gomock.Any()).Times(0)

		c.processMessage(amqp.Delivery{Body: b, ReplyTo: "reply"})
	})

	t.Run("task success", func(t *testing.T) {
		mockScheduler.EXPECT().ProcessTask(
			"reply", "task-id-1", gomock.AssignableToTypeOf(&messages.TaskQueueMessage{}),
		).Do(func(_, _ string, task *messages.TaskQueueMessage) {
			if task.Submission.ID != 1 || task.AttemptID != "attempt-1" {
				t.Fatalf("unexpected task %+v", task)
			}
		}).Return(nil).Times(1)

		c.processMessage(amqp.Delivery{Body: taskBody(t, "task-id-1"), ReplyTo: "reply", Timestamp: time.Now()})
	})

	t.Run("task without reply-to uses configured response queue", func(t *testing.T) {
		mockScheduler.EXPECT().ProcessTask(
			responseQueue, "task-id-3", gomock.Any(),
		).Return(nil).Times(1)

		c.processMessage(amqp.Delivery{Body: taskBody(t, "task-id-3")})
	})

	t.Run("task requeue when no worker", func(t *testing.T) {
		mockScheduler.EXPECT().ProcessTask(
			"reply", "task-id-2", gomock.AssignableToTypeOf(&messages.TaskQueueMessage{}),
		).Return(pkgerrors.ErrFailedToGetFreeWorker).Times(1)

		mockResponder.EXPECT().Publish(
			workerQueue, gomock.AssignableToTypeOf(amqp.Publishing{}),
		).Do(func(_ string, p amqp.Publishing) {
			if p.Priority != uint8(constants.RabbitMQRequeuePriority) {
				t.Fatalf("expected Priority to be %d got %d", constants.RabbitMQRequeuePriority, p.Priority)
			}
			if p.ReplyTo != "reply" {
				t.Fatalf("requeued task must keep its reply queue, got %q", p.ReplyTo)
			}
		}).Return(nil).Times(1)

		c.processMessage(amqp.Delivery{Body: taskBody(t, "task-id-2"), ReplyTo: "reply"})
	})

	t.Run("task scheduler error", func(t *testing.T) {
		schedErr := errors.New("boom")
		mockScheduler.EXPECT().ProcessTask(gomock.Any(), "task-id-4", gomock.Any()).Return(schedErr).Times(1)
		mockResponder.EXPECT().PublishErrorToResponseQueue(
			constants.QueueMessageTypeTask, "task-id-4", "reply", schedErr,
		).Times(1)

		c.processMessage(amqp.Delivery{Body: taskBody(t, "task-id-4"), ReplyTo: "reply"})
	})

	t.Run("status success", func(t *testing.T) {
		status := map[string]any{"w1": "idle"}
		qm := messages.QueueMessage{Type: constants.QueueMessageTypeStatus, MessageID: "status-id", Payload: nil}
		b, _ := json.Marshal(qm)

		mockScheduler.EXPECT().GetWorkersStatus().Return(status).Times(1)
		mockResponder.EXPECT().PublishSuccessStatusRespond(
			constants.QueueMessageTypeStatus, "status-id", "reply", status,
		).Return(nil).Times(1)

		c.processMessage(amqp.Delivery{Body: b, ReplyTo: "reply"})
	})

	t.Run("handshake success", func(t *testing.T) {
		qm := messages.QueueMessage{Type: constants.QueueMessageTypeHandshake, MessageID: "hs-id", Payload: nil}
		b, _ := json.Marshal(qm)

		mockResponder.EXPECT().PublishSuccessHandshakeRespond(
			constants.QueueMessageTypeHandshake, "hs-id", "reply", registry.Supported(),
		).Return(nil).Times(1)

		c.processMessage(amqp.Delivery{Body: b, ReplyTo: "reply"})
	})

	t.Run("handshake publish failure", func(t *testing.T) {
		qm := messages.QueueMessage{Type: constants.QueueMessageTypeHandshake, MessageID: "hs-id-2", Payload: nil}
		b, _ := json.Marshal(qm)
		pubErr := errors.New("closed")

		mockResponder.EXPECT().PublishSuccessHandshakeRespond(gomock.Any(), "hs-id-2", "reply", gomock.Any()).Return(pubErr)
		mockResponder.EXPECT().PublishErrorToResponseQueue(constants.QueueMessageTypeHandshake, "hs-id-2", "reply", pubErr)

		c.processMessage(amqp.Delivery{Body: b, ReplyTo: "reply"})
	})
}

type ackRecorder struct {
	mu   sync.Mutex
	acks []uint64
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *ackRecorder) Nack(uint64, bool, bool) error { return nil }

func (a *ackRecorder) Reject(uint64, bool) error { return nil }

func (a *ackRecorder) tags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...)
}

func TestListen_ProcessTaskMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockChannel := mocks.NewMockChannel(ctrl)
	mockScheduler := mocks.NewMockScheduler(ctrl)
	mockResponder := mocks.NewMockResponder(ctrl)

	deliveries := make(chan amqp.Delivery)

	mockChannel.EXPECT().QueueDeclare(workerQueue, true, false, false, false, gomock.AssignableToTypeOf(amqp.Table{})).Do(
		func(_ string, _, _, _, _ bool, args amqp.Table) {
			v, ok := args["x-max-priority"]
			if !ok {
				t.Fatalf("expected x-max-priority to be present in args")
			}
			if v != constants.RabbitMQMaxPriority {
				t.Fatalf("expected x-max-priority %v got %v", constants.RabbitMQMaxPriority, v)
			}
		}).Return(amqp.Queue{Name: workerQueue}, nil).Times(1)

	mockChannel.EXPECT().Qos(constants.RabbitMQPrefetchCount, 0, false).Return(nil).Times(1)
	mockChannel.EXPECT().Consume(
		workerQueue, "", false, false, false, false, nil,
	).Return((<-chan amqp.Delivery)(deliveries), nil).Times(1)

	acker := &ackRecorder{}
	done := make(chan struct{}, 1)
	mockScheduler.EXPECT().ProcessTask(
		"reply", "task-id-listen", gomock.AssignableToTypeOf(&messages.TaskQueueMessage{}),
	).Do(
		func(_ string, _ string, _ *messages.TaskQueueMessage) {
			if len(acker.tags()) != 0 {
				t.Errorf("delivery acked before the task was dispatched")
			}
			done <- struct{}{}
		}).Return(nil).Times(1)

	c := NewConsumer(mockChannel, workerQueue, responseQueue, mockScheduler, mockResponder, languages.NewRegistry(""))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Listen()
	}()

	deliveries <- amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  7,
		Body:         taskBody(t, "task-id-listen"),
		ReplyTo:      "reply",
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for ProcessTask to be called")
	}

	close(deliveries)
	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Listen to finish")
	}

	if tags := acker.tags(); len(tags) != 1 || tags[0] != 7 {
		t.Fatalf("expected delivery 7 to be acked once, got %v", tags)
	}
}

func TestListen_QueueDeclareErrorPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockChannel := mocks.NewMockChannel(ctrl)
	mockChannel.EXPECT().QueueDeclare(
		workerQueue, true, false, false, false, gomock.Any(),
	).Return(amqp.Queue{}, errors.New("queue error")).Times(1)

	c := NewConsumer(mockChannel, workerQueue, responseQueue, nil, nil, nil)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Listen to panic on QueueDeclare error")
		}
	}()

	c.Listen()
}

func TestListen_ConsumeErrorPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockChannel := mocks.NewMockChannel(ctrl)
	mockChannel.EXPECT().QueueDeclare(
		workerQueue, true, false, false, false, gomock.Any(),
	).Return(amqp.Queue{Name: workerQueue}, nil).Times(1)
	mockChannel.EXPECT().Qos(constants.RabbitMQPrefetchCount, 0, false).Return(nil).Times(1)
	mockChannel.EXPECT().Consume(
		workerQueue, "", false, false, false, false, nil,
	).Return((<-chan amqp.Delivery)(nil), errors.New("consume error")).Times(1)

	c := NewConsumer(mockChannel, workerQueue, responseQueue, nil, nil, nil)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Listen to panic on Consume error")
		}
	}()

	c.Listen()
}

func TestListen_QosErrorPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockChannel := mocks.NewMockChannel(ctrl)
	mockChannel.EXPECT().QueueDeclare(
		workerQueue, true, false, false, false, gomock.Any(),
	).Return(amqp.Queue{Name: workerQueue}, nil).Times(1)
	mockChannel.EXPECT().Qos(constants.RabbitMQPrefetchCount, 0, false).Return(errors.New("qos error")).Times(1)

	c := NewConsumer(mockChannel, workerQueue, responseQueue, nil, nil, nil)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Listen to panic on Qos error")
		}
	}()

	c.Listen()
}
