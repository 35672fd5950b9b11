// Package device is the simulation kernel shared by every simulated device.
//
// A Device composes four parts:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                           Device                             │
//	│                                                              │
//	│  PropertyStore ──change──▶ EventBus ──queue──▶ sinks         │
//	│        ▲                      ▲            (bridge, journal, │
//	│        │                      │             websocket hub)   │
//	│  capabilities ────emit────────┘                              │
//	│   (camera, movement, guider, solver, switches)               │
//	│        ▲                                                     │
//	│  Dispatcher ◀── Command ── transport collaborators            │
//	│                                                              │
//	│  process.Runner: one periodic task per simulation loop       │
//	└──────────────────────────────────────────────────────────────┘
//
// Device flavors are not subclasses. A flavor is a Device plus the set of
// capabilities attached to it; each capability registers its commands and
// property defaults on Attach and spawns its loops on Start.
//
// # Concurrency
//
// The property store has one writer lock per device; readers never observe a
// partial value. Capabilities mutate their own state under their own lock,
// release it, and only then write properties or emit events. The event bus
// never blocks the emitter: events and property changes are queued and
// delivered in order by a single goroutine per device.
//
// Stop is idempotent and returns only after every task of the device has
// exited, or with an error naming the tasks that did not.
package device
