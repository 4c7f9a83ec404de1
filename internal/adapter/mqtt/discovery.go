package mqtt

import (
	"encoding/json"
	"sort"

	"github.com/mouse256/alfen-mqtt/internal/domain"
)

// Home Assistant entity platforms.
const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"
	ComponentSwitch       = "switch"
	ComponentNumber       = "number"
	ComponentSelect       = "select"
)

const (
	payloadOn  = "ON"
	payloadOff = "OFF"

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// DiscoveryDevice groups entities under one device in the hub.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// DiscoveryOrigin names the software publishing the config.
type DiscoveryOrigin struct {
	Name string `json:"name"`
}

// EntityConfig is the retained config payload of one point.
type EntityConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	ValueTemplate     string `json:"value_template"`
	AvailabilityTopic string `json:"availability_topic"`
	PayloadAvailable  string `json:"payload_available"`
	PayloadNotAvail   string `json:"payload_not_available"`
	JSONAttributes    string `json:"json_attributes_topic,omitempty"`

	CommandTopic string `json:"command_topic,omitempty"`
	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`

	Unit        string   `json:"unit_of_measurement,omitempty"`
	DeviceClass string   `json:"device_class,omitempty"`
	StateClass  string   `json:"state_class,omitempty"`
	Precision   *int     `json:"suggested_display_precision,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Step        *float64 `json:"step,omitempty"`
	Options     []string `json:"options,omitempty"`

	Device DiscoveryDevice `json:"device"`
	Origin DiscoveryOrigin `json:"origin"`
}

// Announcement is one discovery message ready to publish.
type Announcement struct {
	Topic     string
	Component string
	Key       domain.PointKey
	Config    EntityConfig
}

// Payload serializes the config.
func (a Announcement) Payload() ([]byte, error) {
	return json.Marshal(a.Config)
}

// ComponentFor picks the hub platform for a point.
func ComponentFor(p *domain.Point) string {
	if p.Discovery.Component != "" {
		return p.Discovery.Component
	}
	sem := p.Template.Semantic()
	if p.Writable {
		switch sem {
		case domain.SemanticBool:
			return ComponentSwitch
		case domain.SemanticEnum:
			return ComponentSelect
		case domain.SemanticInt, domain.SemanticFloat:
			return ComponentNumber
		}
	}
	if sem == domain.SemanticBool {
		return ComponentBinarySensor
	}
	return ComponentSensor
}

// BuildAnnouncement renders the discovery config of a point.
func BuildAnnouncement(topics Topics, origin string, device *domain.Device, p *domain.Point) Announcement {
	component := ComponentFor(p)
	key := p.Key()
	uid := SanitizeSegment(device.ID) + "_" + SanitizeSegment(p.ID)

	cfg := EntityConfig{
		Name:              p.DisplayName(),
		UniqueID:          uid,
		StateTopic:        topics.State(key),
		ValueTemplate:     "{{ value_json.v }}",
		AvailabilityTopic: topics.AvailabilityTopic(),
		PayloadAvailable:  availabilityOnline,
		PayloadNotAvail:   availabilityOffline,
		JSONAttributes:    topics.State(key),
		Unit:              p.Unit,
		DeviceClass:       p.Discovery.DeviceClass,
		StateClass:        p.Discovery.StateClass,
		Precision:         p.Discovery.Precision,
		Icon:              p.Discovery.Icon,
		Device:            deviceBlock(device),
		Origin:            DiscoveryOrigin{Name: origin},
	}

	switch component {
	case ComponentBinarySensor, ComponentSwitch:
		cfg.ValueTemplate = "{{ 'ON' if value_json.v else 'OFF' }}"
		cfg.PayloadOn = payloadOn
		cfg.PayloadOff = payloadOff
		cfg.Unit = ""
		cfg.StateClass = ""
	case ComponentSelect:
		cfg.Options = enumOptions(p.Template.Enum)
		cfg.Unit = ""
		cfg.StateClass = ""
	case ComponentNumber:
		cfg.Min = p.Discovery.Min
		cfg.Max = p.Discovery.Max
		cfg.Step = p.Discovery.Step
		if cfg.Step == nil && p.Template.Semantic() == domain.SemanticFloat {
			step := p.Template.ScaleFactor()
			cfg.Step = &step
		}
	case ComponentSensor:
		if cfg.StateClass == "" && p.Unit != "" && numericSemantic(p) {
			cfg.StateClass = "measurement"
		}
	}
	if p.Writable {
		cfg.CommandTopic = topics.Set(key)
	}

	return Announcement{
		Topic:     topics.Discovery(component, key),
		Component: component,
		Key:       key,
		Config:    cfg,
	}
}

// BuildAnnouncements renders the discovery configs of every point, sorted by topic.
func BuildAnnouncements(topics Topics, origin string, devices []*domain.Device) []Announcement {
	var out []Announcement
	for _, d := range devices {
		for _, p := range d.Points() {
			out = append(out, BuildAnnouncement(topics, origin, d, p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func deviceBlock(d *domain.Device) DiscoveryDevice {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	return DiscoveryDevice{
		Identifiers:  []string{SanitizeSegment(d.ID)},
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Name:         name,
	}
}

func enumOptions(enum map[int64]string) []string {
	out := make([]string, 0, len(enum))
	for _, label := range enum {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

func numericSemantic(p *domain.Point) bool {
	sem := p.Template.Semantic()
	return sem == domain.SemanticInt || sem == domain.SemanticFloat
}
