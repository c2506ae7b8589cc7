package domain

import (
	"encoding/json"
	"time"
)

type Task struct {
	ID            int64
	Title         string
	URL           string
	Prompt        string
	Schedule      string // 5 or 6 field cron, empty = unscheduled
	Enabled       bool
	LastCheckedAt *time.Time
	LastResult    string
	Owner         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Channel is the closed set of notification transports.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelTelegram
}

// Settings is the single per-deployment configuration record. Callers fetch it
// at the start of each operation and never hold on to it.
type Settings struct {
	OwnerIdentity    string
	Channel          Channel
	EmailSender      string
	EmailRecipient   string
	TelegramBotToken string
	TelegramChatID   string
	RetentionDays    int
	UpdatedAt        time.Time
}

type Notification struct {
	ID      int64     `json:"id"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

type CredentialRecord struct {
	Owner      string
	Ciphertext string
	UpdatedAt  time.Time
}

// FailureResult is stored verbatim as a task's LastResult when a check fails.
type FailureResult struct {
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error"`
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobAbandoned JobState = "abandoned"
)

const (
	JobTypeWatch     = "watch"
	JobTypeRetention = "retention"
)

// Job is a unit of work in the durable queue. At most one job per Key may be
// queued or running at any time.
type Job struct {
	ID          string
	Type        string
	Key         string
	Payload     json.RawMessage
	State       JobState
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	LockTimeout int // seconds
	LeaseUntil  *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WatchPayload struct {
	TaskID int64 `json:"task_id"`
}
