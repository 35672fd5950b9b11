package device

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Handler fills in resp for cmd. resp arrives pre-seeded with StatusUnknown.
// Handlers must return quickly and never wait on background tasks.
type Handler func(cmd Command, resp *Response)

// DispatchObserver is told about every dispatched command.
type DispatchObserver func(cmd Command, resp Response, elapsed time.Duration)

// Dispatcher routes commands to registered handlers by name.
// Names are case-insensitive. The dispatcher keeps no per-command state.
//
// Thread Safety: All methods are safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	observer DispatchObserver
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// CommandName returns the canonical form of a command name.
func CommandName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register binds name to h. Registering a name again replaces its handler.
func (d *Dispatcher) Register(name string, h Handler) error {
	key := CommandName(name)
	if key == "" {
		return ErrEmptyName
	}
	if h == nil {
		return fmt.Errorf("command %s: nil handler", key)
	}
	d.mu.Lock()
	d.handlers[key] = h
	d.mu.Unlock()
	return nil
}

// Unregister removes a handler.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	delete(d.handlers, CommandName(name))
	d.mu.Unlock()
}

// SetObserver installs a callback invoked after each dispatch.
func (d *Dispatcher) SetObserver(fn DispatchObserver) {
	d.mu.Lock()
	d.observer = fn
	d.mu.Unlock()
}

// Commands returns the sorted registered command names.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for cmd and returns its response.
//
// Unknown names yield StatusError with message "unknown command". A handler
// panic is recovered and reported as StatusError.
func (d *Dispatcher) Dispatch(cmd Command) Response {
	start := time.Now()
	resp := NewResponse(cmd.ID)

	d.mu.RLock()
	h, ok := d.handlers[CommandName(cmd.Name)]
	observer := d.observer
	d.mu.RUnlock()

	if !ok {
		resp.Fail(ErrUnknownCommand.Error())
		resp.Set("command", cmd.Name)
	} else {
		d.invoke(h, cmd, &resp)
	}

	if observer != nil {
		observer(cmd, resp, time.Since(start))
	}
	return resp
}

func (d *Dispatcher) invoke(h Handler, cmd Command, resp *Response) {
	defer func() {
		if p := recover(); p != nil {
			resp.Status = StatusError
			resp.Set("message", fmt.Sprintf("internal error: %v", p))
		}
	}()
	if cmd.Parameters == nil {
		cmd.Parameters = Params{}
	}
	h(cmd, resp)
}
