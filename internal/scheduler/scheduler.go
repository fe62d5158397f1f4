package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/metrics"
	"github.com/forseti-judge/worker/internal/pipeline"
	"github.com/forseti-judge/worker/internal/rabbitmq/responder"
	"github.com/forseti-judge/worker/internal/recorder"
	"github.com/forseti-judge/worker/internal/storage"
	"github.com/forseti-judge/worker/pkg/constants"
	"github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/messages"
)

type Scheduler interface {
	GetWorkersStatus() map[string]interface{}
	ProcessTask(responseQueueName, messageID string, task *messages.TaskQueueMessage) error
	// Wait blocks until every task handed to a worker has finished.
	Wait()
}

type scheduler struct {
	ctx              context.Context
	mu               sync.Mutex
	inFlight         sync.WaitGroup
	busyWorkersCount int
	workers          map[int]pipeline.Worker
	maxWorkers       int
	logger           *zap.SugaredLogger
}

// NewScheduler creates maxWorkers workers sharing the same runner and result hand-off.
// ctx is handed to every judging attempt.
func NewScheduler(
	ctx context.Context,
	maxWorkers int,
	runner pipeline.Runner,
	outputStore storage.AttachmentStore,
	outputBucket string,
	recorder recorder.Recorder,
	responder responder.Responder,
) Scheduler {
	workers := make(map[int]pipeline.Worker, maxWorkers)
	for i := range maxWorkers {
		workers[i] = pipeline.NewWorker(i, runner, outputStore, outputBucket, recorder, responder)
	}

	return NewSchedulerWithWorkers(ctx, maxWorkers, workers)
}

func NewSchedulerWithWorkers(ctx context.Context, maxWorkers int, workers map[int]pipeline.Worker) Scheduler {
	return &scheduler{
		ctx:        ctx,
		workers:    workers,
		maxWorkers: maxWorkers,
		logger:     logger.NewNamedLogger("workerPool"),
	}
}

func (s *scheduler) GetWorkersStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[int]string, len(s.workers))

	for id, worker := range s.workers {
		status := worker.GetStatus()
		if status == constants.WorkerStatusBusy {
			statuses[id] = status.String() + " Processing message: " + worker.GetProcessingMessageID()
			continue
		}
		statuses[id] = status.String()
	}

	return map[string]interface{}{
		"busy_workers":  s.busyWorkersCount,
		"total_workers": s.maxWorkers,
		"worker_status": statuses,
	}
}

func (s *scheduler) getFreeWorker() (pipeline.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, worker := range s.workers {
		if worker.GetStatus() == constants.WorkerStatusIdle {
			worker.UpdateStatus(constants.WorkerStatusBusy)
			s.busyWorkersCount++
			metrics.BusyWorkers.Inc()
			return worker, nil
		}
	}

	return nil, errors.ErrFailedToGetFreeWorker
}

func (s *scheduler) ProcessTask(responseQueueName, messageID string, task *messages.TaskQueueMessage) error {
	s.logger.Infof("Processing task [MsgID: %s]", messageID)

	worker, err := s.getFreeWorker()
	if err != nil {
		s.logger.Errorf("No available workers: %s", err)
		return err
	}

	s.inFlight.Add(1)
	go func(w pipeline.Worker) {
		defer s.inFlight.Done()
		defer s.markWorkerAsIdle(w)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("Worker panicked: %v", r)
			}
		}()

		w.ProcessTask(s.ctx, responseQueueName, messageID, task)
	}(worker)

	return nil
}

func (s *scheduler) Wait() {
	s.inFlight.Wait()
}

func (s *scheduler) markWorkerAsIdle(worker pipeline.Worker) {
	s.logger.Infof("Marking worker as idle [WorkerID: %d]", worker.GetId())
	s.mu.Lock()
	defer s.mu.Unlock()

	worker.UpdateStatus(constants.WorkerStatusIdle)
	s.busyWorkersCount--
	metrics.BusyWorkers.Dec()

	s.logger.Infof("Worker marked as idle [WorkerID: %d]", worker.GetId())
}
