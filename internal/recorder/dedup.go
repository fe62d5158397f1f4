package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/messages"
)

type dedupRecorder struct {
	next   Recorder
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewDedupRecorder records each (submission, attempt) pair at most once.
// A second Save of the same pair returns ErrDuplicateExecution without publishing.
func NewDedupRecorder(next Recorder, client redis.UniversalClient, ttl time.Duration) Recorder {
	if ttl <= 0 {
		ttl = constants.DefaultDedupTTLHours * time.Hour
	}
	return &dedupRecorder{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.NewNamedLogger("dedup-recorder"),
	}
}

func (r *dedupRecorder) Save(ctx context.Context, messageID, responseQueue string, payload messages.ExecutionPayload) error {
	key := DedupKey(payload.Execution.SubmissionID, payload.Execution.AttemptID)

	acquired, err := r.client.SetNX(ctx, key, payload.Execution.ID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve %s: %w", key, err)
	}
	if !acquired {
		return pkgerrors.ErrDuplicateExecution
	}

	if err := r.next.Save(ctx, messageID, responseQueue, payload); err != nil {
		// release the reservation so the attempt can still be recorded
		if delErr := r.client.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			r.logger.Errorf("Failed to release %s: %s", key, delErr)
		}
		return err
	}
	return nil
}

func DedupKey(submissionID int64, attemptID string) string {
	return fmt.Sprintf(constants.ExecutionDedupKeyFormat, submissionID, attemptID)
}
