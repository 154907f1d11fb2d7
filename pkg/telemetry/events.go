package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a fleet event delivered to in-process subscribers such as the
// CLI's follow output.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	RunID      string                 `json:"run_id,omitempty"`
	PlanUnitID string                 `json:"plan_unit_id,omitempty"`
	CellID     string                 `json:"cell_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event types published outside the rollout engine.
const (
	EventTypeCellStatusChanged = "cell.status_changed"
	EventTypeCanaryPassed      = "canary.passed"
	EventTypeCanaryFailed      = "canary.failed"
	EventTypeTemplateUploaded  = "template.uploaded"
	EventTypeUserRegistered    = "user.registered"
	EventTypePolicyViolation   = "policy.violation"
	EventTypeDriftDetected     = "drift.detected"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

type subscriberEntry struct {
	id         uint64
	subscriber EventSubscriber
	filter     EventFilter
}

// EventPublisher fans events out to subscribers. Delivery is synchronous
// unless async mode is enabled, in which case a single goroutine drains a
// bounded buffer and events are dropped when it is full.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	mu          sync.RWMutex
	subscribers []subscriberEntry
	nextID      uint64
	wg          sync.WaitGroup
	closeOnce   sync.Once
	done        chan struct{}
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}

	if cfg.Enabled && cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Publish publishes an event to all subscribers.
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

	if ep.buffer == nil {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// PublishCellStatusChanged publishes a cell lifecycle transition.
func (ep *EventPublisher) PublishCellStatusChanged(cellID, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeCellStatusChanged,
		Source:  "registry",
		CellID:  cellID,
		Message: fmt.Sprintf("Cell %s changed from %s to %s", cellID, from, to),
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishCanaryResult publishes the outcome of a canary check.
func (ep *EventPublisher) PublishCanaryResult(cellID string, success bool, latency time.Duration, reason string) error {
	event := Event{
		Type:    EventTypeCanaryPassed,
		Source:  "canary",
		CellID:  cellID,
		Message: fmt.Sprintf("Canary passed for cell %s in %s", cellID, latency),
		Data: map[string]interface{}{
			"latency_ms": latency.Milliseconds(),
		},
	}
	if !success {
		event.Type = EventTypeCanaryFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Canary failed for cell %s: %s", cellID, reason)
		event.Data["reason"] = reason
	}
	return ep.Publish(event)
}

// PublishDriftDetected publishes a cell whose stack diverged from its record.
func (ep *EventPublisher) PublishDriftDetected(cellID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeDriftDetected,
		Source:  "drift_detector",
		CellID:  cellID,
		Message: fmt.Sprintf("Drift detected on cell %s: %s", cellID, reason),
		Level:   EventLevelWarning,
	})
}

// Subscribe adds a subscriber and returns a function removing it.
// A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.nextID++
	id := ep.nextID
	ep.subscribers = append(ep.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		for i, entry := range ep.subscribers {
			if entry.id == id {
				ep.subscribers = append(ep.subscribers[:i], ep.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.done:
			// drain what was accepted before shutdown
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops async delivery after draining the buffer.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel only allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minValue
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByRunID only allows events of one rollout run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByCellID only allows events about one cell.
func FilterByCellID(cellID string) EventFilter {
	return func(event Event) bool {
		return event.CellID == cellID
	}
}
