package progress

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags a pipeline phase.
type EventType string

const (
	EventQueued      EventType = "queued"
	EventAgentStatus EventType = "agent_status"
	EventAggregating EventType = "aggregating"
	EventScoring     EventType = "scoring"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// Terminal reports whether no further events follow for the topic.
func (t EventType) Terminal() bool { return t == EventComplete || t == EventError }

// Event is one progress message. Payload holds one of the *Payload types below.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TopicID   string    `json:"topic_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// QueuedPayload announces the agents about to run.
type QueuedPayload struct {
	Topic  string   `json:"topic"`
	Agents []string `json:"agents"`
}

// AgentStatusPayload reports one resolved agent.
type AgentStatusPayload struct {
	Agent     string        `json:"agent"`
	Status    string        `json:"status"`
	Hits      int           `json:"hits"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
}

// PhasePayload accompanies aggregating and scoring.
type PhasePayload struct {
	Items  int    `json:"items"`
	Preset string `json:"preset,omitempty"`
}

// CompletePayload closes a successful or partial run.
type CompletePayload struct {
	Status            string        `json:"status"`
	Results           int           `json:"results"`
	DuplicatesRemoved int           `json:"duplicates_removed"`
	Elapsed           time.Duration `json:"elapsed"`
	Cached            bool          `json:"cached,omitempty"`
}

// ErrorPayload closes a failed or cancelled run.
type ErrorPayload struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(topicID string, typ EventType, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TopicID:   topicID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
