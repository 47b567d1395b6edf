package core

import "sync"

// EventKind names an event family emitted by the Orchestrator façade.
type EventKind string

const (
	EventTaskCreated       EventKind = "task:created"
	EventTaskStarted       EventKind = "task:started"
	EventTaskStageChanged  EventKind = "task:stage-changed"
	EventTaskCompleted     EventKind = "task:completed"
	EventTaskFailed        EventKind = "task:failed"
	EventTaskPaused        EventKind = "task:paused"
	EventTaskResumed       EventKind = "task:resumed"
	EventAgentMessage      EventKind = "agent:message"
	EventAgentThinking     EventKind = "agent:thinking"
	EventAgentToolUse      EventKind = "agent:tool-use"
	EventUsageUpdated      EventKind = "usage:updated"
	EventDaemonPaused      EventKind = "daemon:paused"
	EventDaemonResumed     EventKind = "daemon:resumed"
	EventWorktreeCreated   EventKind = "worktree:created"
	EventWorktreeCleaned   EventKind = "worktree:cleaned"
	EventWorktreeMergeDone EventKind = "worktree:merge-cleaned"
)

// Event is a single broadcast record. Fields beyond Kind are populated as
// relevant to that family; consumers type-assert Data as needed.
type Event struct {
	Kind   EventKind
	TaskID TaskID
	Data   map[string]interface{}
}

// Bus is a broadcast channel per event family: every Subscribe call gets its
// own buffered channel receiving a copy of each published event. Dropping a
// subscriber (closing its Unsubscribe) is O(1) and never blocks Publish.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given buffer size, returning
// the channel and an unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

// Publish broadcasts an event to every current subscriber. A full subscriber
// buffer drops the event for that subscriber rather than blocking the
// publisher — slow consumers never stall task execution.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close unsubscribes and closes every listener channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
