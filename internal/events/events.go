package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thefirebuilds/authentik/internal/model"
)

type Action string

const (
	ActionLogin       Action = "login"
	ActionLoginFailed Action = "login_failed"
)

// Principal is the snapshot of the acting user recorded on an event. Failed
// authentication attempts are attributed to Anonymous, never the target user.
type Principal struct {
	PK       int64  `json:"pk"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

var Anonymous = Principal{PK: 0, Email: "", Username: "AnonymousUser"}

func PrincipalFor(user model.User) Principal {
	return Principal{PK: user.PK, Email: user.Email, Username: user.Username}
}

type Event struct {
	ID        string
	Action    Action
	Principal Principal
	Context   map[string]any
	ClientIP  string
	CreatedAt time.Time
}

func New(action Action, principal Principal) Event {
	return Event{
		ID:        uuid.NewString(),
		Action:    action,
		Principal: principal,
		Context:   map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
}

func (e Event) WithContext(key string, value any) Event {
	e.Context[key] = value
	return e
}

func (e Event) WithClientIP(ip string) Event {
	e.ClientIP = ip
	return e
}

// Recorder is an append-only audit sink.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// MemoryRecorder keeps events in memory, for tests and redis-less dev runs.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *MemoryRecorder) ByAction(action Action) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Action == action {
			out = append(out, event)
		}
	}
	return out
}
