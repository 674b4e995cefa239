// Package nodev1 defines the wire messages exchanged between a fleetd node
// agent and the control plane, together with the NodeService gRPC stubs.
//
// Messages are plain Go structs serialized with the JSON codec registered in
// codec.go; variant messages follow the protobuf oneof convention of one
// populated pointer field per message.
package nodev1

import "time"

// EventKind identifies which variant of an InboundEvent is populated.
type EventKind string

const (
	KindUnknown       EventKind = "unknown"
	KindHeartbeat     EventKind = "heartbeat"
	KindTaskTrigger   EventKind = "task_trigger"
	KindTaskCancel    EventKind = "task_cancel"
	KindTaskReinvoke  EventKind = "task_reinvoke"
	KindListDirectory EventKind = "list_directory"
	KindListDrives    EventKind = "list_drives"
	KindBulkFileOp    EventKind = "bulk_file_op"
	KindConfigChanged EventKind = "config_changed"
)

// InboundEvent is a server-pushed event on the Subscribe stream.
type InboundEvent struct {
	CorrelationID string `json:"correlation_id"`

	Heartbeat     *Heartbeat            `json:"heartbeat,omitempty"`
	TaskTrigger   *TaskTrigger          `json:"task_trigger,omitempty"`
	TaskCancel    *TaskCancel           `json:"task_cancel,omitempty"`
	TaskReinvoke  *TaskReinvoke         `json:"task_reinvoke,omitempty"`
	ListDirectory *ListDirectoryRequest `json:"list_directory,omitempty"`
	ListDrives    *ListDrivesRequest    `json:"list_drives,omitempty"`
	BulkFileOp    *BulkFileOp           `json:"bulk_file_op,omitempty"`
	ConfigChanged *ConfigChanged        `json:"config_changed,omitempty"`
}

// Kind returns the populated variant, or KindUnknown when zero or more than
// one variant is set.
func (e *InboundEvent) Kind() EventKind {
	if e == nil {
		return KindUnknown
	}

	kind := KindUnknown
	set := 0
	mark := func(present bool, k EventKind) {
		if present {
			kind = k
			set++
		}
	}
	mark(e.Heartbeat != nil, KindHeartbeat)
	mark(e.TaskTrigger != nil, KindTaskTrigger)
	mark(e.TaskCancel != nil, KindTaskCancel)
	mark(e.TaskReinvoke != nil, KindTaskReinvoke)
	mark(e.ListDirectory != nil, KindListDirectory)
	mark(e.ListDrives != nil, KindListDrives)
	mark(e.BulkFileOp != nil, KindBulkFileOp)
	mark(e.ConfigChanged != nil, KindConfigChanged)

	if set != 1 {
		return KindUnknown
	}
	return kind
}

// Heartbeat is the control plane's periodic liveness probe.
type Heartbeat struct {
	SentAt time.Time `json:"sent_at"`
}

// TaskTrigger requests a task run. Parameters must carry task_id and
// task_type; see task.DescriptorFromParameters for the full key layout.
type TaskTrigger struct {
	Parameters map[string]string `json:"parameters"`
}

// TaskCancel requests cancellation of a running task.
type TaskCancel struct {
	TaskID string `json:"task_id"`
}

// TaskReinvoke cancels a task and immediately triggers it again. Empty
// Parameters reuse the parameters of the cancelled instance.
type TaskReinvoke struct {
	TaskID     string            `json:"task_id"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ListDirectoryRequest asks for the entries of one directory.
type ListDirectoryRequest struct {
	Directory string `json:"directory"`
}

// ListDrivesRequest asks for the mounted drives of the host.
type ListDrivesRequest struct{}

// BulkFileOpKind selects whether a bulk transfer is opened or closed.
type BulkFileOpKind string

const (
	BulkFileOpOpen  BulkFileOpKind = "open"
	BulkFileOpClose BulkFileOpKind = "close"
)

// TransferDirection is the direction of a bulk transfer relative to the node.
type TransferDirection string

const (
	TransferUpload   TransferDirection = "upload"
	TransferDownload TransferDirection = "download"
)

// BulkFileOp opens or closes a bulk file transfer.
type BulkFileOp struct {
	Op          BulkFileOpKind    `json:"op"`
	OperationID string            `json:"operation_id"`
	Direction   TransferDirection `json:"direction,omitempty"`
	LocalPath   string            `json:"local_path,omitempty"`
	ObjectKey   string            `json:"object_key,omitempty"`
}

// ConfigChanged pushes runtime configuration values to the node.
type ConfigChanged struct {
	Values map[string]string `json:"values"`
}

// AgentMessage is sent by the agent on the Subscribe stream in answer to an
// InboundEvent with the same correlation id.
type AgentMessage struct {
	CorrelationID string `json:"correlation_id"`

	HeartbeatAck     *HeartbeatAck     `json:"heartbeat_ack,omitempty"`
	DirectoryListing *DirectoryListing `json:"directory_listing,omitempty"`
	DriveListing     *DriveListing     `json:"drive_listing,omitempty"`
	BulkFileOpStatus *BulkFileOpStatus `json:"bulk_file_op_status,omitempty"`
	Error            *ErrorReply       `json:"error,omitempty"`
}

// HeartbeatAck answers a Heartbeat with a host telemetry snapshot.
type HeartbeatAck struct {
	Telemetry *Telemetry `json:"telemetry"`
}

// Telemetry is a point-in-time view of host resource usage.
type Telemetry struct {
	HostName         string    `json:"host_name"`
	OS               string    `json:"os"`
	Platform         string    `json:"platform"`
	UptimeSeconds    uint64    `json:"uptime_seconds"`
	CPUCores         int32     `json:"cpu_cores"`
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryUsedBytes  uint64    `json:"memory_used_bytes"`
	MemoryTotalBytes uint64    `json:"memory_total_bytes"`
	DiskUsedBytes    uint64    `json:"disk_used_bytes"`
	DiskTotalBytes   uint64    `json:"disk_total_bytes"`
	ActiveTasks      int32     `json:"active_tasks"`
	CollectedAt      time.Time `json:"collected_at"`
}

// FileSystemObjectType distinguishes directory entries.
type FileSystemObjectType string

const (
	ObjectFile      FileSystemObjectType = "file"
	ObjectDirectory FileSystemObjectType = "directory"
	ObjectSymlink   FileSystemObjectType = "symlink"
	ObjectOther     FileSystemObjectType = "other"
)

// FileSystemObject is one directory entry.
type FileSystemObject struct {
	Name          string               `json:"name"`
	FullName      string               `json:"full_name"`
	CreationTime  time.Time            `json:"creation_time"`
	LastWriteTime time.Time            `json:"last_write_time"`
	Length        int64                `json:"length"`
	Type          FileSystemObjectType `json:"type"`
}

// DirectoryListing answers a ListDirectoryRequest.
type DirectoryListing struct {
	Directory string              `json:"directory"`
	Objects   []*FileSystemObject `json:"objects"`
}

// Drive describes a mounted volume.
type Drive struct {
	Name               string `json:"name"`
	TotalSize          uint64 `json:"total_size"`
	AvailableFreeSpace uint64 `json:"available_free_space"`
	DriveFormat        string `json:"drive_format"`
	DriveType          string `json:"drive_type"`
	IsReady            bool   `json:"is_ready"`
	VolumeLabel        string `json:"volume_label"`
}

// DriveListing answers a ListDrivesRequest.
type DriveListing struct {
	Drives []*Drive `json:"drives"`
}

// TransferState is the state of a bulk transfer.
type TransferState string

const (
	TransferRunning   TransferState = "running"
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
	TransferCancelled TransferState = "cancelled"
)

// BulkFileOpStatus reports progress or completion of a bulk transfer.
type BulkFileOpStatus struct {
	OperationID string        `json:"operation_id"`
	State       TransferState `json:"state"`
	Bytes       int64         `json:"bytes"`
	Message     string        `json:"message,omitempty"`
}

// ErrorReply is returned for a request that could not be served.
type ErrorReply struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// ReportKind distinguishes status transitions from batched log output.
type ReportKind string

const (
	ReportStatus ReportKind = "status"
	ReportLog    ReportKind = "log"
)

// LogEntry is one line of task output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
}

// TaskExecutionReport is the unit of task status and log delivery.
type TaskExecutionReport struct {
	TaskID     string            `json:"task_id"`
	Kind       ReportKind        `json:"kind"`
	Status     string            `json:"status"`
	Message    string            `json:"message,omitempty"`
	LogEntries []*LogEntry       `json:"log_entries,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// FileWatchEvent reports a filesystem change observed on the node.
type FileWatchEvent struct {
	Path      string    `json:"path"`
	Op        string    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// ReportAck closes a client-streaming report call.
type ReportAck struct {
	Accepted int64 `json:"accepted"`
}
