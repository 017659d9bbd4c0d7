package messaging

// Топики движка синхронизации
const (
	TopicSyncSessions = "sync.sessions" // события жизненного цикла сессий
	TopicSyncRequests = "sync.requests" // команды на запуск синхронизации
)

// SessionEvent - событие жизненного цикла сессии синхронизации
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Account   string `json:"account"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// SyncRequest - команда на запуск синхронизации, потребляется воркером
type SyncRequest struct {
	Account   string `json:"account"`
	Operation string `json:"operation"`
	Strategy  string `json:"strategy,omitempty"`
	MaxPages  int    `json:"max_pages,omitempty"`
}
