package stream

import (
	"fmt"
	"strings"
)

const suffixTelemetry = "telemetry"

// topicBuilder centralizes the topic layout of the streaming broker.
// Every vehicle publishes on {root}/{vin}/telemetry.
type topicBuilder struct {
	root string
}

func newTopicBuilder(root string) *topicBuilder {
	return &topicBuilder{root: strings.Trim(root, "/")}
}

// Telemetry returns the telemetry topic for a vehicle.
func (b *topicBuilder) Telemetry(vin string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, vin, suffixTelemetry)
}

// VIN extracts the vehicle segment from a telemetry topic. Returns ""
// when the topic does not follow the {root}/{vin}/... layout.
func (b *topicBuilder) VIN(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != b.root {
		return ""
	}
	return parts[1]
}
