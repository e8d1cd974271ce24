package projection

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process calendar. It is used when no Google credentials
// are configured and by tests, which can inject failures and latency.
type Memory struct {
	mu      sync.Mutex
	events  map[string]map[string]Event
	shared  map[string]map[string]bool
	upserts int
	deletes int

	// Err, when set, is returned by every call
	Err error
	// Delay blocks each call for the given duration or until ctx is done
	Delay time.Duration
}

// NewMemory creates an empty in-memory calendar
func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]map[string]Event),
		shared: make(map[string]map[string]bool),
	}
}

func (m *Memory) wait(ctx context.Context) error {
	m.mu.Lock()
	delay, err := m.Delay, m.Err
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// UpsertEvent implements Projector
func (m *Memory) UpsertEvent(ctx context.Context, key, existingID string, ev Event) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := existingID
	if id == "" {
		id = EventID(key)
	}
	if m.events[ev.CalendarID] == nil {
		m.events[ev.CalendarID] = make(map[string]Event)
	}
	m.events[ev.CalendarID][id] = ev
	m.upserts++
	return id, nil
}

// DeleteEvent implements Projector
func (m *Memory) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events[calendarID], eventID)
	m.deletes++
	return nil
}

// EnsureShared implements Sharer
func (m *Memory) EnsureShared(ctx context.Context, calendarID string, emails []string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shared[calendarID] == nil {
		m.shared[calendarID] = make(map[string]bool)
	}
	for _, e := range emails {
		m.shared[calendarID][e] = true
	}
	return nil
}

// SetFailure changes the injected error and delay
func (m *Memory) SetFailure(err error, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
	m.Delay = delay
}

// Event returns the stored event
func (m *Memory) Event(calendarID, eventID string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[calendarID][eventID]
	return ev, ok
}

// Len returns the number of live events in a calendar
func (m *Memory) Len(calendarID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[calendarID])
}

// Calls returns how many upserts and deletes were made
func (m *Memory) Calls() (upserts, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts, m.deletes
}

// SharedWith reports whether the calendar has been shared with email
func (m *Memory) SharedWith(calendarID, email string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shared[calendarID][email]
}
