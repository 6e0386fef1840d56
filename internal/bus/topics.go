package bus

// Annotation lifecycle topics.
const (
	TopicAnnotationUpdated = "annotation.updated"
	TopicSessionForfeited  = "session.forfeited"
	TopicSessionConfirmed  = "session.confirmed"
)

// Sync engine topics.
const (
	TopicSyncStarted   = "sync.started"
	TopicSyncCompleted = "sync.completed"
	TopicSyncFailed    = "sync.failed"
	TopicSyncSkipped   = "sync.skipped"
	TopicBackupCreated = "backup.created"
	TopicBackupFailed  = "backup.failed"
)

// Identity / admin topics.
const (
	TopicAdminUnlocked         = "admin.unlocked"
	TopicAdminImpersonateEnter = "admin.impersonate.enter"
	TopicAdminImpersonateExit  = "admin.impersonate.exit"
)

// TopicNotify carries dismissible user-facing notifications (the "toast"
// surface of the front-end). Payload is Notification.
const TopicNotify = "notify"

// Notification is a non-fatal, user-visible message.
type Notification struct {
	Level   string `json:"level"` // "success", "warning", "danger"
	Message string `json:"message"`
}

// AnnotationUpdatedEvent is published after every durable annotation write.
type AnnotationUpdatedEvent struct {
	Identity string `json:"identity"`
	TaskID   string `json:"task_id"`
	Row      int    `json:"row"`
	Status   string `json:"status"`
}

// SyncEvent is published around remote sync attempts.
type SyncEvent struct {
	Identity string `json:"identity"`
	TaskID   string `json:"task_id"`
	Error    string `json:"error,omitempty"`
}

// BackupEvent is published when a backup snapshot is written (or fails).
type BackupEvent struct {
	Identity string `json:"identity"`
	TaskID   string `json:"task_id"`
	Path     string `json:"path,omitempty"`
	Count    int    `json:"count"`
	Error    string `json:"error,omitempty"`
}
