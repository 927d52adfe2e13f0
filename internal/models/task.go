package models

import "time"

// Task status
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Task log levels
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// Download queue item status
const (
	DownloadQueued      = "queued"
	DownloadDownloading = "downloading"
	DownloadValidating  = "validating"
	DownloadComplete    = "complete"
	DownloadFailed      = "failed"
	DownloadCancelled   = "cancelled"
)

// Download source kinds
const (
	SourceCivitai     = "civitai"
	SourceHuggingFace = "huggingface"
	SourceDirect      = "direct"
)

// Task is a tracked background job.
type Task struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	Type            string     `gorm:"index;not null" json:"type"`
	RelatedID       string     `gorm:"index" json:"relatedId,omitempty"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Payload         string     `gorm:"type:text" json:"payload,omitempty"`
	Status          string     `gorm:"index;not null" json:"status"`
	Priority        int        `gorm:"index" json:"priority"`
	CurrentBytes    int64      `json:"currentBytes"`
	TotalBytes      int64      `json:"totalBytes"`
	CurrentItems    int        `json:"currentItems"`
	TotalItems      int        `json:"totalItems"`
	SpeedBps        float64    `json:"speedBps"`
	EtaSeconds      int64      `json:"etaSeconds"`
	ProgressMessage string     `json:"progressMessage,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	RetryCount      int        `json:"retryCount"`
	MaxRetries      int        `json:"maxRetries"`
	Cancellable     bool       `json:"cancellable"`
	Pausable        bool       `json:"pausable"`
	CreatedAt       time.Time  `gorm:"index" json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	PausedAt        *time.Time `json:"pausedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Logs            []TaskLog  `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`
}

// IsTerminal reports whether the task can no longer change state on its own.
func (t Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Percent returns progress in [0,100], preferring item counts over bytes.
func (t Task) Percent() float64 {
	switch {
	case t.TotalItems > 0:
		return float64(t.CurrentItems) * 100 / float64(t.TotalItems)
	case t.TotalBytes > 0:
		return float64(t.CurrentBytes) * 100 / float64(t.TotalBytes)
	}
	if t.Status == TaskCompleted {
		return 100
	}
	return 0
}

type TaskLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    string    `gorm:"index;not null" json:"taskId"`
	Level     string    `json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// DownloadQueueItem is one file queued for download.
type DownloadQueueItem struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	TaskID          string    `gorm:"index" json:"taskId,omitempty"`
	DependencyID    *uint     `gorm:"index" json:"dependencyId,omitempty"`
	ModelName       string    `json:"modelName"`
	ModelType       string    `json:"modelType"`
	SourceKind      string    `json:"sourceKind"`
	URL             string    `json:"url"`
	DestinationPath string    `json:"destinationPath"`
	ExpectedSize    int64     `json:"expectedSize,omitempty"`
	ExpectedHash    string    `json:"expectedHash,omitempty"`
	Status          string    `gorm:"index;not null" json:"status"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	TempPath        string    `json:"tempPath,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	SHA256          string    `json:"sha256,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
