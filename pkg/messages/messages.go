package messages

import (
	"encoding/json"

	"github.com/forseti-judge/worker/pkg/submission"
)

type QueueMessage struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

// TaskQueueMessage asks a worker to judge one submission.
// AttemptID identifies the judging attempt; a rerun carries a new one.
type TaskQueueMessage struct {
	Submission submission.Submission `json:"submission"`
	AttemptID  string                `json:"attempt_id"`
	TraceID    string                `json:"trace_id,omitempty"`
}

type ResponseQueueMessage struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	Ok        bool            `json:"ok"`
	Payload   json.RawMessage `json:"payload"`
}

type LanguageSpec struct {
	LanguageName string `json:"name"`
	Image        string `json:"image"`
	SourceFile   string `json:"source_file"`
	Compiled     bool   `json:"compiled"`
}

type ResponseHandshakePayload struct {
	Languages []LanguageSpec `json:"languages"`
}

// ExecutionPayload is published once per judging attempt.
type ExecutionPayload struct {
	Execution  submission.Execution  `json:"execution"`
	Submission submission.Submission `json:"submission"`
	TraceID    string                `json:"trace_id,omitempty"`
}

// FailurePayload is published when a judging attempt could not produce a verdict.
type FailurePayload struct {
	SubmissionID int64             `json:"submission_id"`
	AttemptID    string            `json:"attempt_id"`
	Status       submission.Status `json:"status"`
	Error        string            `json:"error"`
	TraceID      string            `json:"trace_id,omitempty"`
}
