// Package bridge exposes simulated devices over MQTT.
//
// For every registered device the bridge:
//   - publishes a retained registration record on devsim/register/{id}
//   - dispatches commands received on devsim/command/{id} and answers on
//     devsim/response/{id}
//   - forwards bus events to devsim/event/{id}/{name}
//   - keeps the retained value of each property on devsim/property/{id}/{name}
//
// A heartbeat with bridge counters is published on devsim/health.
package bridge
