package mqtt

import (
	"fmt"
	"strings"

	"github.com/mouse256/alfen-mqtt/internal/domain"
)

// Topics formats every topic the bridge publishes or subscribes to.
type Topics struct {
	// Prefix is the root of state and command topics.
	Prefix string

	// DiscoveryPrefix is the root of discovery config topics.
	DiscoveryPrefix string

	// Availability overrides the bridge availability topic.
	Availability string
}

// CommandKind distinguishes the two command topic forms.
type CommandKind int

const (
	// CommandSet is <prefix>/<device>/<point>/set with a raw payload.
	CommandSet CommandKind = iota
	// CommandWrite is <prefix>/<device>/write with a JSON payload.
	CommandWrite
)

// SanitizeSegment makes s safe to use as one topic level.
func SanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "#", "_")
	s = strings.ReplaceAll(s, "+", "_")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.Trim(s, "_")
	return s
}

func (t Topics) root() string {
	return strings.TrimSuffix(t.Prefix, "/")
}

// AvailabilityTopic returns the bridge online/offline topic.
func (t Topics) AvailabilityTopic() string {
	if t.Availability != "" {
		return t.Availability
	}
	return t.root() + "/status"
}

// State returns the state topic of a point.
func (t Topics) State(key domain.PointKey) string {
	deviceID, pointID := key.Split()
	return fmt.Sprintf("%s/%s/%s", t.root(), SanitizeSegment(deviceID), SanitizeSegment(pointID))
}

// Set returns the raw command topic of a point.
func (t Topics) Set(key domain.PointKey) string {
	return t.State(key) + "/set"
}

// Write returns the JSON command topic of a device.
func (t Topics) Write(deviceID string) string {
	return fmt.Sprintf("%s/%s/write", t.root(), SanitizeSegment(deviceID))
}

// WriteResponse returns the topic command results are published to.
func (t Topics) WriteResponse(deviceID string) string {
	return t.Write(deviceID) + "/response"
}

// Subscriptions returns the command topic filters.
func (t Topics) Subscriptions() []string {
	return []string{
		t.root() + "/+/+/set",
		t.root() + "/+/write",
	}
}

// Discovery returns the discovery config topic of a point.
func (t Topics) Discovery(component string, key domain.PointKey) string {
	deviceID, pointID := key.Split()
	prefix := strings.TrimSuffix(t.DiscoveryPrefix, "/")
	if prefix == "" {
		prefix = "homeassistant"
	}
	return fmt.Sprintf("%s/%s/%s/%s/config", prefix, component, SanitizeSegment(deviceID), SanitizeSegment(pointID))
}

// ParseCommand extracts the target of a command topic. For CommandWrite
// the point is carried in the payload and key holds only the device.
func (t Topics) ParseCommand(topic string) (CommandKind, string, string, error) {
	root := t.root() + "/"
	if !strings.HasPrefix(topic, root) {
		return 0, "", "", fmt.Errorf("%w: %s", domain.ErrInvalidCommandTopic, topic)
	}
	parts := strings.Split(strings.TrimPrefix(topic, root), "/")
	switch {
	case len(parts) == 3 && parts[2] == "set" && parts[0] != "" && parts[1] != "":
		return CommandSet, parts[0], parts[1], nil
	case len(parts) == 2 && parts[1] == "write" && parts[0] != "":
		return CommandWrite, parts[0], "", nil
	default:
		return 0, "", "", fmt.Errorf("%w: %s", domain.ErrInvalidCommandTopic, topic)
	}
}
