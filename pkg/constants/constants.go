package constants

import "encoding/json"

// Queue message types.
const (
	QueueMessageTypeTask      = "task"
	QueueMessageTypeHandshake = "handshake"
	QueueMessageTypeStatus    = "status"
	QueueMessageTypeExecution = "execution"
)

// Worker specific constants.
type WorkerStatus int

const (
	WorkerStatusIdle WorkerStatus = iota
	WorkerStatusBusy
)

func (ws WorkerStatus) String() string {
	switch ws {
	case WorkerStatusIdle:
		return "idle"
	case WorkerStatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

func (ws WorkerStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(ws.String())
}

// Sandbox exit codes.
const (
	ExitCodeSuccess       = 0
	ExitCodeJavaError     = 1
	ExitCodeTimeout       = 124
	ExitCodeKilled        = 137
	ExitCodeTerminated    = 143
	JavaOutOfMemoryMarker = "java.lang.OutOfMemoryError"
)

// Configuration constants.
const (
	DefaultRabbitmqHost            = "localhost"
	DefaultRabbitmqUser            = "guest"
	DefaultRabbitmqPassword        = "guest"
	DefaultRabbitmqPort            = "5672"
	DefaultRabbitmqPublishChanSize = 100
	DefaultWorkerQueueName         = "submission_queue"
	DefaultResponseQueueName       = "execution_queue"
	DefaultMaxWorkers              = 4
	DefaultStorageBackend          = StorageBackendHTTP
	DefaultStorageHost             = "file-storage"
	DefaultStoragePort             = "8888"
	DefaultStorageBucket           = "attachments"
	DefaultMinioEndpoint           = "localhost:9000"
	DefaultRecorderBackend         = RecorderBackendAMQP
	DefaultKafkaBrokers            = "localhost:9092"
	DefaultKafkaTopic              = "judge.executions"
	DefaultDedupTTLHours           = 24
	DefaultMetricsAddr             = ":2112"
	DefaultCompileTimeLimitMs      = 30000
	DefaultSandboxPidsLimit        = 64
	DefaultSandboxNanoCPUs         = 1_000_000_000
	DefaultLogLevel                = "info"
)

// Backend selectors.
const (
	StorageBackendHTTP   = "http"
	StorageBackendMinio  = "minio"
	RecorderBackendAMQP  = "amqp"
	RecorderBackendKafka = "kafka"
)

// Sandbox layout.
const (
	SandboxNamePrefix        = "forseti_sb"
	SandboxWorkDir           = "/app"
	SandboxIdleCommand       = "sleep infinity"
	SandboxKillGrace         = "1s"
	SandboxHostDeadlinePadMs = 5000 // added on top of the in-container timeout
	SandboxCleanupTimeoutSec = 10
)

const (
	MaxExecOutputBytes int64 = 10 * 1024 * 1024 // 10 MB per exec
	MinSandboxMemoryMB int64 = 16
)

// Staging and attachments.
const (
	TmpDirPath          = "/tmp"
	StagingDirPattern   = "forseti-submission-%d-"
	OutputFileName      = "output.csv"
	OutputContentType   = "text/csv"
	ZstdContentType     = "application/zstd"
	ZstdExtension       = ".zst"
	TestCaseColumns     = 2
	DownloadTimeoutSecs = 30
	UploadTimeoutSecs   = 30
	OutputKeyFormat     = "executions/%s/output.csv"
)

// Cache configuration.
const (
	CacheDirPath    = "/tmp/forseti-cache"
	CacheTTLHours   = 24
	CacheMaxEntries = 1000
)

// RabbitMQ specific constants.
const (
	RabbitMQReconnectTries  = 10
	RabbitMQMaxPriority     = 3
	RabbitMQRequeuePriority = 2
	RabbitMQPrefetchCount   = 1
)

// Redis keys.
const (
	ExecutionDedupKeyFormat = "forseti:execution:%d:%s"
)
