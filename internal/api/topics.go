package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/adapter/mqtt"
)

// TopicRoute describes the topics of one configured point.
type TopicRoute struct {
	DeviceID     string `json:"device_id"`
	PointID      string `json:"point_id"`
	StateTopic   string `json:"state_topic"`
	CommandTopic string `json:"command_topic,omitempty"`
	Writable     bool   `json:"writable"`
}

// TopicsOverview is the body of GET /api/topics.
type TopicsOverview struct {
	GeneratedAt   time.Time        `json:"generated_at"`
	Availability  string           `json:"availability"`
	ActiveTopics  []mqtt.TopicStat `json:"active_topics"`
	Subscriptions []string         `json:"subscriptions"`
	Routes        []TopicRoute     `json:"routes"`
}

// TopicsOverviewHandler returns active topics (recent publishes), subscription
// patterns and the routes computed from the live configuration.
func (h *APIHandler) TopicsOverviewHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}

	active := []mqtt.TopicStat{}
	if h.topicTracker != nil {
		active = h.topicTracker.ActiveTopics(limit)
	}

	subscriptions := h.topics.Subscriptions()
	sort.Strings(subscriptions)

	points := h.runtime.Points()
	routes := make([]TopicRoute, 0, len(points))
	for _, p := range points {
		route := TopicRoute{
			DeviceID:   p.DeviceID,
			PointID:    p.ID,
			StateTopic: h.topics.State(p.Key()),
			Writable:   p.Writable,
		}
		if p.Writable {
			route.CommandTopic = h.topics.Set(p.Key())
		}
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].StateTopic < routes[j].StateTopic })

	writeJSON(w, http.StatusOK, TopicsOverview{
		GeneratedAt:   time.Now(),
		Availability:  h.topics.AvailabilityTopic(),
		ActiveTopics:  active,
		Subscriptions: subscriptions,
		Routes:        routes,
	})
}
