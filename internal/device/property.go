package device

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PropertyChange describes one observed change of a property value.
type PropertyChange struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Previous  any       `json:"previous,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PropertyObserver receives property changes after the store lock has been
// released, in the order the writes were made. Changes are delivered by one
// goroutine at a time: a write made from inside an observer, or while
// another goroutine is notifying, is delivered by the goroutine already
// notifying once the current change returns. Implementations must not block.
type PropertyObserver interface {
	PropertyChanged(change PropertyChange)
}

// PropertyObserverFunc adapts a function to PropertyObserver.
type PropertyObserverFunc func(change PropertyChange)

// PropertyChanged calls f(change).
func (f PropertyObserverFunc) PropertyChanged(change PropertyChange) { f(change) }

// PropertyStore holds the named values of one device.
//
// Writes are last-write-wins under a single lock. Readers never observe a
// partially written value: stored containers are private copies and Get
// returns a fresh copy.
//
// Thread Safety: All methods are safe for concurrent use.
type PropertyStore struct {
	deviceID string
	now      func() time.Time

	mu        sync.RWMutex
	values    map[string]any
	updated   map[string]time.Time
	observers map[string]PropertyObserver
	order     []string // observer IDs in registration order
	pending   []PropertyChange
	notifying bool
	held      int
}

// NewPropertyStore creates an empty store for the given device.
func NewPropertyStore(deviceID string) *PropertyStore {
	return &PropertyStore{
		deviceID:  deviceID,
		now:       time.Now,
		values:    make(map[string]any),
		updated:   make(map[string]time.Time),
		observers: make(map[string]PropertyObserver),
	}
}

// Set overwrites a property and notifies observers. Observers are notified
// only when the stored value actually changes; changed reports whether that
// happened.
func (s *PropertyStore) Set(name string, value any) (changed bool, err error) {
	n, err := s.stage(map[string]any{name: value})
	if err != nil {
		return false, err
	}
	s.Notify()
	return n > 0, nil
}

// SetMany writes several properties under one lock acquisition, so readers
// see either none or all of them. Changes are notified in name order.
func (s *PropertyStore) SetMany(values map[string]any) error {
	if _, err := s.stage(values); err != nil {
		return err
	}
	s.Notify()
	return nil
}

// Stage writes values like SetMany but only queues the changes. Callers
// holding their own lock stage under it and call Notify once released, so
// observers never run under that lock and still see writes in lock order.
func (s *PropertyStore) Stage(values map[string]any) error {
	_, err := s.stage(values)
	return err
}

// Notify delivers queued changes. It returns at once if another goroutine
// is already delivering; that goroutine drains what was queued.
func (s *PropertyStore) Notify() {
	s.mu.Lock()
	if s.notifying || s.held > 0 || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.notifying = true
	s.mu.Unlock()

	done := false
	defer func() {
		if !done {
			// An observer panicked; let the next writer resume delivery.
			s.mu.Lock()
			s.notifying = false
			s.mu.Unlock()
		}
	}()

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.notifying = false
			s.mu.Unlock()
			done = true
			return
		}
		observers := s.observerList()
		s.mu.Unlock()

		for _, ch := range batch {
			s.notify(observers, ch)
		}
	}
}

// Hold suspends delivery until the matching Release, so a caller can make
// several staging calls under its own lock. Writes still land at once.
func (s *PropertyStore) Hold() {
	s.mu.Lock()
	s.held++
	s.mu.Unlock()
}

// Release ends a Hold and delivers what was queued meanwhile.
func (s *PropertyStore) Release() {
	s.mu.Lock()
	if s.held > 0 {
		s.held--
	}
	s.mu.Unlock()
	s.Notify()
}

// stage validates and writes values, queueing one change per value that
// differs from the stored one. It returns the number of changes queued.
func (s *PropertyStore) stage(values map[string]any) (int, error) {
	normalized := make(map[string]any, len(values))
	for name, value := range values {
		if name == "" {
			return 0, ErrEmptyName
		}
		v, err := normalizeValue(value)
		if err != nil {
			return 0, fmt.Errorf("property %s: %w", name, err)
		}
		normalized[name] = v
	}

	names := make([]string, 0, len(normalized))
	for name := range normalized {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	queued := 0
	for _, name := range names {
		v := normalized[name]
		prev, existed := s.values[name]
		if existed && valuesEqual(prev, v) {
			continue
		}
		s.values[name] = v
		s.updated[name] = ts
		s.pending = append(s.pending, PropertyChange{
			DeviceID:  s.deviceID,
			Name:      name,
			Value:     cloneValue(v),
			Previous:  prev,
			Timestamp: ts,
		})
		queued++
	}
	return queued, nil
}

// Get returns a copy of the current value of a property.
func (s *PropertyStore) Get(name string) (any, error) {
	s.mu.RLock()
	v, ok := s.values[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPropertyNotFound, name)
	}
	return cloneValue(v), nil
}

// Has reports whether the property exists.
func (s *PropertyStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// UpdatedAt returns when the property last changed.
func (s *PropertyStore) UpdatedAt(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.updated[name]
	return ts, ok
}

// Float returns a numeric property as float64.
func (s *PropertyStore) Float(name string) (float64, error) {
	v, err := s.Get(name)
	if err != nil {
		return 0, err
	}
	f, ok := AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T, not a number", ErrInvalidValue, name, v)
	}
	return f, nil
}

// Int returns an integer property.
func (s *PropertyStore) Int(name string) (int64, error) {
	v, err := s.Get(name)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T, not an integer", ErrInvalidValue, name, v)
	}
	return i, nil
}

// Bool returns a boolean property.
func (s *PropertyStore) Bool(name string) (bool, error) {
	v, err := s.Get(name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s is %T, not a bool", ErrInvalidValue, name, v)
	}
	return b, nil
}

// String returns a string property.
func (s *PropertyStore) String(name string) (string, error) {
	v, err := s.Get(name)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, not a string", ErrInvalidValue, name, v)
	}
	return str, nil
}

// Snapshot returns a copy of every property.
func (s *PropertyStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = cloneValue(v)
	}
	return out
}

// Names returns the sorted property names.
func (s *PropertyStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of properties.
func (s *PropertyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Observe registers an observer under id, replacing any previous one.
func (s *PropertyStore) Observe(id string, observer PropertyObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.observers[id]; !exists {
		s.order = append(s.order, id)
	}
	s.observers[id] = observer
}

// Unobserve removes the observer registered under id.
func (s *PropertyStore) Unobserve(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.observers[id]; !exists {
		return
	}
	delete(s.observers, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// observerList returns observers in registration order. Caller holds s.mu.
func (s *PropertyStore) observerList() []PropertyObserver {
	if len(s.order) == 0 {
		return nil
	}
	out := make([]PropertyObserver, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.observers[id])
	}
	return out
}

func (s *PropertyStore) notify(observers []PropertyObserver, change PropertyChange) {
	for _, o := range observers {
		o.PropertyChanged(change)
	}
}
