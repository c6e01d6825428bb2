package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event represents a push notification mirroring engine state. Events are
// best-effort: consumers that miss one converge by polling.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// JobID is the associated job, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Backend is the associated package manager, if applicable.
	Backend string `json:"backend,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeJobCreated       = "job.created"
	EventTypeJobStarted       = "job.started"
	EventTypeJobProgress      = "job.progress"
	EventTypeJobLog           = "job.log"
	EventTypeJobCompleted     = "job.completed"
	EventTypeCacheInvalidated = "cache.invalidated"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events. It is called from the dispatcher goroutine
// in publish order and must not block.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[string]subscriberEntry
	order       []string
	filters     []EventFilter
	metrics     *Metrics
	dropped     atomic.Uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make(map[string]subscriberEntry),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			cancel()
			return nil, fmt.Errorf("event buffer size must be positive")
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// SetMetrics attaches metrics used to count dropped events.
func (ep *EventPublisher) SetMetrics(m *Metrics) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.metrics = m
}

// Publish publishes an event to all subscribers. A full buffer drops the
// event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	metrics := ep.metrics
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			ep.dropped.Add(1)
			metrics.RecordEventDropped(event.Type)
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Dropped returns the number of events dropped because the buffer was full.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

// Subscribe adds a new event subscriber and returns its id.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) string {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := uuid.New().String()
	ep.subscribers[id] = subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	}
	ep.order = append(ep.order, id)
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (ep *EventPublisher) Unsubscribe(id string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.subscribers[id]; !ok {
		return
	}
	delete(ep.subscribers, id)
	for i, sid := range ep.order {
		if sid == id {
			ep.order = append(ep.order[:i], ep.order[i+1:]...)
			break
		}
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events one at a time so subscribers see
// them in publish order.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.order))
	for _, id := range ep.order {
		entries = append(entries, ep.subscribers[id])
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the dispatcher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByJobID creates a filter that only allows events for a specific job.
func FilterByJobID(jobID string) EventFilter {
	return func(event Event) bool {
		return event.JobID == jobID
	}
}

// FilterByBackend creates a filter that only allows events for one backend.
func FilterByBackend(backend string) EventFilter {
	return func(event Event) bool {
		return event.Backend == backend
	}
}
