package bus

import "time"

// Job lifecycle statuses as they travel over the wire. Terminal statuses
// never transition further.
const (
	StatusDispatched = "dispatched"
	StatusReceived   = "received"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

// IsTerminalStatus reports whether a job status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Job types a dispatch envelope can carry.
const (
	JobTypeAgent   = "agent"
	JobTypeCommand = "command"
	JobTypeHTTP    = "http"
)

// JobDispatch is published on jobs.dispatch for the worker queue group.
type JobDispatch struct {
	JobID        string            `json:"jobId"`
	Type         string            `json:"type"`
	CreatedAt    time.Time         `json:"createdAt"`
	Job          string            `json:"job,omitempty"`
	Command      string            `json:"command,omitempty"`
	URL          string            `json:"url,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`
	Source       string            `json:"source,omitempty"`
	TraceContext map[string]string `json:"traceContext,omitempty"`
}

// JobStatus is published on jobs.status.<jobId> as a job progresses.
type JobStatus struct {
	JobID      string `json:"jobId"`
	WorkerID   string `json:"workerId"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

// TransferReady announces an incoming brain on transfer.ready.
type TransferReady struct {
	ID        string    `json:"id"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TransferClear hands control to the incoming brain on transfer.clear.
type TransferClear struct {
	ID            string    `json:"id"`
	HandoffNoteID string    `json:"handoffNoteId"`
	Timestamp     time.Time `json:"timestamp"`
}

// TransferAck confirms receipt of control on transfer.ack.
type TransferAck struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// TransferAbort cancels a handshake on transfer.abort.
type TransferAbort struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExtensionAnnounce registers a leaf extension on extensions.announce.
type ExtensionAnnounce struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	MCPURL      string   `json:"mcpUrl"`
	Transport   string   `json:"transport"`
	Tools       []string `json:"tools,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Heartbeat keeps an extension registration alive on extensions.<id>.heartbeat.
type Heartbeat struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	UptimeSeconds  int64     `json:"uptime"`
	ActiveRequests int       `json:"activeRequests"`
}

// SecretsRotate tells downstream executors to finish their current job and
// restart so replaced secrets take effect. Published on secrets.rotate.
type SecretsRotate struct {
	Keys      []string  `json:"keys,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskResult reports an ephemeral task pod outcome on tasks.result.<taskId>.
type TaskResult struct {
	TaskID       string   `json:"taskId"`
	Status       string   `json:"status"`
	Result       string   `json:"result,omitempty"`
	Error        string   `json:"error,omitempty"`
	DurationMs   int64    `json:"durationMs"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	TraceID      string   `json:"traceId,omitempty"`
}
