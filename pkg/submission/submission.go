package submission

import "time"

type Status string

const (
	StatusJudging Status = "JUDGING"
	StatusFailed  Status = "FAILED"
	StatusJudged  Status = "JUDGED"
)

type Answer string

const (
	// Initial value before any judging attempt finished.
	AnswerNoAnswer            Answer = "NO_ANSWER"
	AnswerAccepted            Answer = "ACCEPTED"
	AnswerWrongAnswer         Answer = "WRONG_ANSWER"
	AnswerCompilationError    Answer = "COMPILATION_ERROR"
	AnswerRuntimeError        Answer = "RUNTIME_ERROR"
	AnswerTimeLimitExceeded   Answer = "TIME_LIMIT_EXCEEDED"
	AnswerMemoryLimitExceeded Answer = "MEMORY_LIMIT_EXCEEDED"
)

// Terminal reports whether the answer is a final verdict of a judging attempt.
func (a Answer) Terminal() bool {
	switch a {
	case AnswerAccepted, AnswerWrongAnswer, AnswerCompilationError,
		AnswerRuntimeError, AnswerTimeLimitExceeded, AnswerMemoryLimitExceeded:
		return true
	default:
		return false
	}
}

// Attachment references a blob kept in the attachment store.
type Attachment struct {
	ID          string `json:"id"`
	Bucket      string `json:"bucket,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

func (a Attachment) IsZero() bool {
	return a.ID == ""
}

type Problem struct {
	ID            int64      `json:"id"`
	TimeLimitMs   int64      `json:"time_limit_ms"`
	MemoryLimitMB int64      `json:"memory_limit_mb"`
	TestCases     Attachment `json:"test_cases"`
}

type Submission struct {
	ID        int64      `json:"id"`
	MemberID  int64      `json:"member_id"`
	Problem   Problem    `json:"problem"`
	Language  string     `json:"language"`
	Status    Status     `json:"status"`
	Answer    Answer     `json:"answer"`
	Code      Attachment `json:"code"`
	CreatedAt time.Time  `json:"created_at"`
}

// Rerun resets the submission so it can be judged again.
func (s *Submission) Rerun() {
	s.Status = StatusJudging
	s.Answer = AnswerNoAnswer
}

// Judge marks the submission as judged with the verdict of the execution.
func (s *Submission) Judge(e Execution) {
	s.Status = StatusJudged
	s.Answer = e.Answer
}

// Fail marks the submission as failed. The answer is left untouched.
func (s *Submission) Fail() {
	s.Status = StatusFailed
}

type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// Execution is the immutable record of one judging attempt.
type Execution struct {
	ID                string     `json:"id"`
	SubmissionID      int64      `json:"submission_id"`
	AttemptID         string     `json:"attempt_id"`
	Answer            Answer     `json:"answer"`
	TotalTestCases    int        `json:"total_test_cases"`
	ApprovedTestCases int        `json:"approved_test_cases"`
	TestCases         Attachment `json:"test_cases"`
	Output            Attachment `json:"output"`
	Outputs           []string   `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
}
