package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/metrics"
	"github.com/forseti-judge/worker/internal/rabbitmq/responder"
	"github.com/forseti-judge/worker/internal/recorder"
	"github.com/forseti-judge/worker/internal/storage"
	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/messages"
	"github.com/forseti-judge/worker/pkg/submission"
)

type Worker interface {
	ProcessTask(ctx context.Context, responseQueue, messageID string, task *messages.TaskQueueMessage)
	GetStatus() constants.WorkerStatus
	UpdateStatus(status constants.WorkerStatus)
	GetProcessingMessageID() string
	GetId() int
}

type worker struct {
	id                  int
	mu                  sync.RWMutex
	status              constants.WorkerStatus
	processingMessageID string
	runner              Runner
	outputStore         storage.AttachmentStore
	outputBucket        string
	recorder            recorder.Recorder
	responder           responder.Responder
	logger              *zap.SugaredLogger
}

func NewWorker(
	id int,
	runner Runner,
	outputStore storage.AttachmentStore,
	outputBucket string,
	recorder recorder.Recorder,
	responder responder.Responder,
) Worker {
	logger := logger.NewNamedLogger(fmt.Sprintf("worker-%d", id))

	return &worker{
		id:           id,
		status:       constants.WorkerStatusIdle,
		runner:       runner,
		outputStore:  outputStore,
		outputBucket: outputBucket,
		recorder:     recorder,
		responder:    responder,
		logger:       logger,
	}
}

func (ws *worker) GetId() int {
	return ws.id
}

func (ws *worker) GetStatus() constants.WorkerStatus {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.status
}

func (ws *worker) UpdateStatus(status constants.WorkerStatus) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.status = status
}

func (ws *worker) GetProcessingMessageID() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.processingMessageID
}

func (ws *worker) setProcessingMessageID(messageID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.processingMessageID = messageID
}

func (ws *worker) ProcessTask(
	ctx context.Context,
	responseQueue, messageID string,
	task *messages.TaskQueueMessage,
) {
	sub := task.Submission
	sub.Rerun()

	metrics.SubmissionsReceived.Inc()
	start := time.Now()
	defer func() {
		metrics.JudgingDurationSeconds.WithLabelValues(sub.Language).Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			ws.logger.Errorf("Recovered from panic while judging [SubID: %d]: %v", sub.ID, r)
			ws.publishFailure(responseQueue, messageID, task, &sub, fmt.Errorf("panic: %v", r))
		}
	}()

	ws.logger.Infof("Processing task [MsgID: %s] [SubID: %d]", messageID, sub.ID)
	ws.setProcessingMessageID(messageID)
	defer ws.setProcessingMessageID("")

	execution, err := ws.runner.Run(ctx, sub, task.AttemptID, messageID)
	if err != nil {
		ws.logger.Errorf("Judging failed: %s [SubID: %d]", err, sub.ID)
		ws.publishFailure(responseQueue, messageID, task, &sub, err)
		return
	}

	output, err := ws.uploadOutputs(ctx, execution)
	if err != nil {
		ws.logger.Errorf("Failed to upload outputs: %s [SubID: %d]", err, sub.ID)
		ws.publishFailure(responseQueue, messageID, task, &sub, err)
		return
	}
	execution.Output = output

	sub.Judge(*execution)
	payload := messages.ExecutionPayload{
		Execution:  *execution,
		Submission: sub,
		TraceID:    task.TraceID,
	}

	err = ws.recorder.Save(ctx, messageID, responseQueue, payload)
	switch {
	case errors.Is(err, pkgerrors.ErrDuplicateExecution):
		ws.logger.Warnf("Execution of attempt %s already recorded [SubID: %d]", task.AttemptID, sub.ID)
		metrics.SubmissionsProcessed.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return
	case err != nil:
		ws.logger.Errorf("Failed to record execution: %s [SubID: %d]", err, sub.ID)
		ws.publishFailure(responseQueue, messageID, task, &sub, err)
		return
	}

	metrics.SubmissionsProcessed.WithLabelValues(metrics.OutcomeJudged).Inc()
	metrics.ObserveVerdict(execution.Answer)
	ws.logger.Infof("Judged %s with %d/%d test cases [MsgID: %s] [SubID: %d]",
		execution.Answer, execution.ApprovedTestCases, execution.TotalTestCases, messageID, sub.ID)
}

// uploadOutputs stores the captured outputs as one CSV line per executed test case.
func (ws *worker) uploadOutputs(ctx context.Context, execution *submission.Execution) (submission.Attachment, error) {
	content := strings.Join(execution.Outputs, "\n")

	uploadCtx, cancel := context.WithTimeout(ctx, constants.UploadTimeoutSecs*time.Second)
	defer cancel()

	return ws.outputStore.Upload(uploadCtx, storage.UploadRequest{
		Bucket:      ws.outputBucket,
		Key:         fmt.Sprintf(constants.OutputKeyFormat, execution.ID),
		Filename:    constants.OutputFileName,
		ContentType: constants.OutputContentType,
	}, []byte(content))
}

func (ws *worker) publishFailure(
	responseQueue, messageID string,
	task *messages.TaskQueueMessage,
	sub *submission.Submission,
	cause error,
) {
	metrics.SubmissionsProcessed.WithLabelValues(metrics.OutcomeFailed).Inc()
	sub.Fail()

	err := ws.responder.PublishTaskFailureRespond(
		constants.QueueMessageTypeTask,
		messageID,
		responseQueue,
		messages.FailurePayload{
			SubmissionID: sub.ID,
			AttemptID:    task.AttemptID,
			Status:       sub.Status,
			Error:        cause.Error(),
			TraceID:      task.TraceID,
		},
	)
	if err != nil {
		ws.logger.Errorf("Failed to publish failure response: %s [SubID: %d]", err, sub.ID)
	}
}
