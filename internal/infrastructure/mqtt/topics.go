package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every simulator topic.
const TopicPrefix = "devsim"

// Topics builds simulator topic names.
//
//	topics := mqtt.Topics{}
//	topics.Event("cam1", "EXPOSURE_COMPLETE")
//	// Returns: "devsim/event/cam1/EXPOSURE_COMPLETE"
type Topics struct{}

// Register is the retained registration record of a device.
func (Topics) Register(deviceID string) string {
	return fmt.Sprintf("%s/register/%s", TopicPrefix, deviceID)
}

// Command is where a device receives commands.
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// Response is where command responses of a device are published.
func (Topics) Response(deviceID string) string {
	return fmt.Sprintf("%s/response/%s", TopicPrefix, deviceID)
}

// Event carries one named event of a device.
func (Topics) Event(deviceID, name string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, deviceID, name)
}

// Property is the retained current value of one device property.
func (Topics) Property(deviceID, name string) string {
	return fmt.Sprintf("%s/property/%s/%s", TopicPrefix, deviceID, name)
}

// Health is the bridge heartbeat topic.
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// SystemStatus is the online/offline topic carrying the Last Will.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllCommands matches the command topic of every device.
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}

// AllEvents matches every event of every device.
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/+/+"
}

// DeviceFromTopic returns the device segment of a per-device topic
// (devsim/{kind}/{device_id}[/...]).
func DeviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != TopicPrefix || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// MatchTopic reports whether topic matches a subscription pattern with the
// MQTT + and # wildcards.
func MatchTopic(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, seg := range p {
		if seg == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
