// Package mqtt provides the MQTT client the device bridge publishes through.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retained flags
//   - Subscriptions restored after a reconnect
//   - Last Will and Testament on devsim/system/status
//
// Topic scheme (see Topics):
//
//	devsim/register/{device_id}         retained registration record
//	devsim/command/{device_id}          inbound commands
//	devsim/response/{device_id}         command responses
//	devsim/event/{device_id}/{name}     device events
//	devsim/property/{device_id}/{name}  retained property values
//	devsim/health                       bridge heartbeat
//	devsim/system/status                online/offline (LWT)
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        ...
//	    })
package mqtt
