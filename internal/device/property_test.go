package device

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type changeLog struct {
	mu      sync.Mutex
	changes []PropertyChange
}

func (c *changeLog) PropertyChanged(ch PropertyChange) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *changeLog) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.changes))
	for i, ch := range c.changes {
		out[i] = ch.Name
	}
	return out
}

func TestPropertyStore_SetGet(t *testing.T) {
	s := NewPropertyStore("cam1")

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"bool", true, true},
		{"int", 42, int64(42)},
		{"uint8", uint8(7), int64(7)},
		{"float32", float32(1.5), float64(1.5)},
		{"float", -12.25, -12.25},
		{"string", "IDLE", "IDLE"},
		{"strings", []string{"Red", "Green"}, []any{"Red", "Green"}},
		{"ints", []int{1, 2}, []any{int64(1), int64(2)}},
		{"record", map[string]any{"x": 1, "tags": []string{"a"}}, map[string]any{"x": int64(1), "tags": []any{"a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Set(tt.name, tt.value); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := s.Get(tt.name)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Get() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPropertyStore_GetMissing(t *testing.T) {
	s := NewPropertyStore("cam1")

	_, err := s.Get("nope")
	if !errors.Is(err, ErrPropertyNotFound) {
		t.Errorf("Get() error = %v, want ErrPropertyNotFound", err)
	}
	if s.Has("nope") {
		t.Error("Has() = true for missing property")
	}
}

func TestPropertyStore_InvalidValues(t *testing.T) {
	s := NewPropertyStore("cam1")

	tests := []struct {
		name  string
		value any
	}{
		{"nil", nil},
		{"struct", struct{}{}},
		{"chan", make(chan int)},
		{"nested", map[string]any{"bad": func() {}}},
		{"overflow", uint64(1 << 63)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Set(tt.name, tt.value); !errors.Is(err, ErrInvalidValue) {
				t.Errorf("Set() error = %v, want ErrInvalidValue", err)
			}
			if s.Has(tt.name) {
				t.Error("rejected value was stored")
			}
		})
	}

	if _, err := s.Set("", 1); !errors.Is(err, ErrEmptyName) {
		t.Errorf("Set(\"\") error = %v, want ErrEmptyName", err)
	}
}

func TestPropertyStore_NotifiesOnlyOnChange(t *testing.T) {
	s := NewPropertyStore("cam1")
	log := &changeLog{}
	s.Observe("log", log)

	steps := []struct {
		value       any
		wantChanged bool
	}{
		{-10.0, true},
		{-10.0, false},
		{-11.0, true},
		{-11.0, false},
	}
	for i, step := range steps {
		changed, err := s.Set("ccd_temperature", step.value)
		if err != nil {
			t.Fatalf("step %d: Set() error = %v", i, err)
		}
		if changed != step.wantChanged {
			t.Errorf("step %d: changed = %v, want %v", i, changed, step.wantChanged)
		}
	}

	if len(log.changes) != 2 {
		t.Fatalf("notifications = %d, want 2", len(log.changes))
	}
	last := log.changes[1]
	if last.DeviceID != "cam1" || last.Value != -11.0 || last.Previous != -10.0 {
		t.Errorf("last change = %+v", last)
	}
	if last.Timestamp.IsZero() {
		t.Error("change has zero timestamp")
	}
}

func TestPropertyStore_EqualContainersDoNotNotify(t *testing.T) {
	s := NewPropertyStore("fw1")
	log := &changeLog{}
	s.Observe("log", log)

	_, _ = s.Set("filter_names", []string{"Red", "Green"})
	_, _ = s.Set("filter_names", []any{"Red", "Green"})

	if len(log.changes) != 1 {
		t.Errorf("notifications = %d, want 1", len(log.changes))
	}
}

func TestPropertyStore_CopiesContainers(t *testing.T) {
	s := NewPropertyStore("fw1")

	names := []string{"Red", "Green"}
	_, _ = s.Set("filter_names", names)
	names[0] = "Mutated"

	got, _ := s.Get("filter_names")
	list := got.([]any)
	if list[0] != "Red" {
		t.Errorf("stored value aliased caller slice: %v", list)
	}

	list[1] = "Mutated"
	again, _ := s.Get("filter_names")
	if again.([]any)[1] != "Green" {
		t.Errorf("Get() returned shared slice: %v", again)
	}
}

func TestPropertyStore_SetMany(t *testing.T) {
	s := NewPropertyStore("rot1")
	log := &changeLog{}
	s.Observe("log", log)

	_, _ = s.Set("position", 0.0)
	err := s.SetMany(map[string]any{
		"position":    10.0,
		"is_moving":   true,
		"move_target": 10.0,
	})
	if err != nil {
		t.Fatalf("SetMany() error = %v", err)
	}

	want := []string{"position", "is_moving", "move_target", "position"}
	if diff := cmp.Diff(want, log.names()); diff != "" {
		t.Errorf("notification order mismatch (-want +got):\n%s", diff)
	}

	err = s.SetMany(map[string]any{"ok": 1, "bad": struct{}{}})
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("SetMany() error = %v, want ErrInvalidValue", err)
	}
	if s.Has("ok") {
		t.Error("SetMany() partially applied a rejected batch")
	}
}

func TestPropertyStore_StageDefersNotification(t *testing.T) {
	s := NewPropertyStore("cam1")
	log := &changeLog{}
	s.Observe("log", log)

	if err := s.Stage(map[string]any{"gain": 100, "offset": 10}); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if v, _ := s.Get("gain"); v != int64(100) {
		t.Errorf("gain = %v before Notify, want 100", v)
	}
	if len(log.names()) != 0 {
		t.Fatalf("notified before Notify: %v", log.names())
	}

	_, _ = s.Set("binning", 2)
	if diff := cmp.Diff([]string{"gain", "offset", "binning"}, log.names()); diff != "" {
		t.Errorf("staged changes not delivered first (-want +got):\n%s", diff)
	}
	s.Notify()
	if n := len(log.names()); n != 3 {
		t.Errorf("notifications = %d after idle Notify, want 3", n)
	}
}

func TestPropertyStore_HoldDefersSetUntilRelease(t *testing.T) {
	s := NewPropertyStore("scope1")
	log := &changeLog{}
	s.Observe("log", log)

	s.Hold()
	_, _ = s.Set("ra_position", 1.5)
	_ = s.SetMany(map[string]any{"dec_position": 20.0})
	if n := len(log.names()); n != 0 {
		t.Fatalf("notifications during Hold = %d, want 0", n)
	}
	if v, _ := s.Get("ra_position"); v != 1.5 {
		t.Errorf("ra_position = %v during Hold, want 1.5", v)
	}
	s.Release()

	want := []string{"ra_position", "dec_position"}
	if diff := cmp.Diff(want, log.names()); diff != "" {
		t.Errorf("notification order mismatch (-want +got):\n%s", diff)
	}
}

func TestPropertyStore_WriteFromObserverIsDeliveredAfter(t *testing.T) {
	s := NewPropertyStore("foc1")
	log := &changeLog{}
	s.Observe("follow", PropertyObserverFunc(func(ch PropertyChange) {
		if ch.Name == "position" {
			_, _ = s.Set("last_seen", ch.Value)
		}
	}))
	s.Observe("log", log)

	_, _ = s.Set("position", 10.0)

	want := []string{"position", "last_seen"}
	if diff := cmp.Diff(want, log.names()); diff != "" {
		t.Errorf("notification order mismatch (-want +got):\n%s", diff)
	}
	if v, _ := s.Get("last_seen"); v != 10.0 {
		t.Errorf("last_seen = %v, want 10", v)
	}
}

func TestPropertyStore_ObserverPanicDoesNotStallDelivery(t *testing.T) {
	s := NewPropertyStore("sw1")
	log := &changeLog{}
	s.Observe("boom", PropertyObserverFunc(func(ch PropertyChange) {
		if ch.Name == "bad" {
			panic("observer failed")
		}
	}))
	s.Observe("log", log)

	func() {
		defer func() { _ = recover() }()
		_, _ = s.Set("bad", true)
	}()
	_, _ = s.Set("good", true)

	names := log.names()
	if len(names) == 0 || names[len(names)-1] != "good" {
		t.Errorf("notifications = %v, want good delivered", names)
	}
}

func TestPropertyStore_Unobserve(t *testing.T) {
	s := NewPropertyStore("cam1")
	a, b := &changeLog{}, &changeLog{}
	s.Observe("a", a)
	s.Observe("b", b)

	_, _ = s.Set("gain", 1)
	s.Unobserve("a")
	s.Unobserve("missing")
	_, _ = s.Set("gain", 2)

	if len(a.changes) != 1 {
		t.Errorf("a notifications = %d, want 1", len(a.changes))
	}
	if len(b.changes) != 2 {
		t.Errorf("b notifications = %d, want 2", len(b.changes))
	}
}

func TestPropertyStore_TypedGetters(t *testing.T) {
	s := NewPropertyStore("cam1")
	_, _ = s.Set("gain", 3)
	_, _ = s.Set("temp", -5.5)
	_, _ = s.Set("cooler_on", true)
	_, _ = s.Set("state", "IDLE")

	if f, err := s.Float("gain"); err != nil || f != 3 {
		t.Errorf("Float(gain) = %v, %v", f, err)
	}
	if i, err := s.Int("gain"); err != nil || i != 3 {
		t.Errorf("Int(gain) = %v, %v", i, err)
	}
	if b, err := s.Bool("cooler_on"); err != nil || !b {
		t.Errorf("Bool(cooler_on) = %v, %v", b, err)
	}
	if str, err := s.String("state"); err != nil || str != "IDLE" {
		t.Errorf("String(state) = %v, %v", str, err)
	}
	if _, err := s.Int("temp"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("Int(temp) error = %v, want ErrInvalidValue", err)
	}
	if _, err := s.Bool("missing"); !errors.Is(err, ErrPropertyNotFound) {
		t.Errorf("Bool(missing) error = %v, want ErrPropertyNotFound", err)
	}
}

func TestPropertyStore_ConcurrentWritersAndReaders(t *testing.T) {
	s := NewPropertyStore("cam1")
	_, _ = s.Set("record", map[string]any{"a": int64(0), "b": int64(0)})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				n := int64(w*1000 + i)
				_, _ = s.Set("record", map[string]any{"a": n, "b": n})
			}
		}(w)
	}

	errs := make(chan string, 1)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				v, _ := s.Get("record")
				rec := v.(map[string]any)
				if rec["a"] != rec["b"] {
					select {
					case errs <- "partial record observed":
					default:
					}
				}
			}
		}()
	}
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
}

func TestPropertyStore_SnapshotAndNames(t *testing.T) {
	s := NewPropertyStore("cam1")
	_, _ = s.Set("b", 2)
	_, _ = s.Set("a", 1)

	if diff := cmp.Diff([]string{"a", "b"}, s.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	want := map[string]any{"a": int64(1), "b": int64(2)}
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if _, ok := s.UpdatedAt("a"); !ok {
		t.Error("UpdatedAt(a) missing")
	}
}
