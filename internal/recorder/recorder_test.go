package recorder_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	saramamocks "github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/forseti-judge/worker/internal/kafka"
	"github.com/forseti-judge/worker/internal/recorder"
	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/messages"
	"github.com/forseti-judge/worker/pkg/submission"
	"github.com/forseti-judge/worker/tests/mocks"
)

func samplePayload() messages.ExecutionPayload {
	return messages.ExecutionPayload{
		Execution: submission.Execution{
			ID:                "exec-1",
			SubmissionID:      42,
			AttemptID:         "attempt-1",
			Answer:            submission.AnswerWrongAnswer,
			TotalTestCases:    3,
			ApprovedTestCases: 2,
		},
		Submission: submission.Submission{ID: 42, Status: submission.StatusJudged, Answer: submission.AnswerWrongAnswer},
	}
}

func TestAMQPRecorder_PublishesExecutionResponse(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	payload := samplePayload()
	resp := mocks.NewMockResponder(ctrl)
	resp.EXPECT().PublishSuccessTaskRespond(constants.QueueMessageTypeExecution, "msg-1", "reply", payload).Return(nil)

	err := recorder.NewAMQPRecorder(resp).Save(context.Background(), "msg-1", "reply", payload)
	require.NoError(t, err)
}

func TestKafkaRecorder_KeysBySubmission(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := saramamocks.NewSyncProducer(t, cfg)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got messages.ExecutionPayload
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.Execution.ApprovedTestCases != 2 || got.Execution.Answer != submission.AnswerWrongAnswer {
			return errors.New("unexpected execution payload")
		}
		return nil
	})

	rec := recorder.NewKafkaRecorder(kafka.NewSaramaProducer(sp), "judge.executions")
	require.NoError(t, rec.Save(context.Background(), "msg-1", "", samplePayload()))
	require.NoError(t, sp.Close())
}

func TestKafkaRecorder_SendFailure(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := saramamocks.NewSyncProducer(t, cfg)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	rec := recorder.NewKafkaRecorder(kafka.NewSaramaProducer(sp), "judge.executions")
	err := rec.Save(context.Background(), "msg-1", "", samplePayload())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, sp.Close())
}

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDedupRecorder_SavesOncePerAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mr, client := newRedis(t)
	payload := samplePayload()

	next := mocks.NewMockRecorder(ctrl)
	next.EXPECT().Save(gomock.Any(), "msg-1", "", payload).Return(nil).Times(1)

	rec := recorder.NewDedupRecorder(next, client, time.Hour)
	require.NoError(t, rec.Save(context.Background(), "msg-1", "", payload))

	err := rec.Save(context.Background(), "msg-1", "", payload)
	assert.ErrorIs(t, err, pkgerrors.ErrDuplicateExecution)

	key := recorder.DedupKey(42, "attempt-1")
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestDedupRecorder_NewAttemptIsRecorded(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, client := newRedis(t)
	first := samplePayload()
	rerun := samplePayload()
	rerun.Execution.AttemptID = "attempt-2"

	next := mocks.NewMockRecorder(ctrl)
	next.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)

	rec := recorder.NewDedupRecorder(next, client, time.Hour)
	require.NoError(t, rec.Save(context.Background(), "msg-1", "", first))
	require.NoError(t, rec.Save(context.Background(), "msg-2", "", rerun))
}

func TestDedupRecorder_ReleasesKeyWhenPublishFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mr, client := newRedis(t)
	payload := samplePayload()

	next := mocks.NewMockRecorder(ctrl)
	gomock.InOrder(
		next.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("broker down")),
		next.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
	)

	rec := recorder.NewDedupRecorder(next, client, time.Hour)
	require.Error(t, rec.Save(context.Background(), "msg-1", "", payload))
	assert.False(t, mr.Exists(recorder.DedupKey(42, "attempt-1")))

	require.NoError(t, rec.Save(context.Background(), "msg-1", "", payload))
}

func TestDedupRecorder_RedisUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mr, client := newRedis(t)
	mr.Close()

	next := mocks.NewMockRecorder(ctrl)
	rec := recorder.NewDedupRecorder(next, client, time.Hour)
	assert.Error(t, rec.Save(context.Background(), "msg-1", "", samplePayload()))
}

func TestDedupKey(t *testing.T) {
	assert.Equal(t, "forseti:execution:7:abc", recorder.DedupKey(7, "abc"))
}
