package telemetry

import (
	"errors"
	"strings"
)

const telemetrySegment = "telemetry"

// TopicFilter returns the subscription pattern covering every device under namespace.
func TopicFilter(namespace string) string {
	return namespace + "/" + telemetrySegment + "/#"
}

// TopicFor returns the topic a device publishes its records to.
func TopicFor(namespace string, deviceType DeviceType, deviceID string) string {
	return namespace + "/" + telemetrySegment + "/" + deviceType.String() + "/" + deviceID
}

// TopicInfo is the device addressing carried by a concrete topic.
type TopicInfo struct {
	Namespace  string
	DeviceType string
	DeviceID   string
}

// ParseTopic splits a concrete telemetry topic. The device type is not
// validated here; the payload is authoritative.
func ParseTopic(topic string) (TopicInfo, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[1] != telemetrySegment {
		return TopicInfo{}, errors.New("telemetry: not a telemetry topic")
	}
	if parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return TopicInfo{}, errors.New("telemetry: empty topic segment")
	}
	return TopicInfo{Namespace: parts[0], DeviceType: parts[2], DeviceID: parts[3]}, nil
}
