package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mouse256/alfen-mqtt/internal/metrics"
)

func gather(t *testing.T, r *metrics.Registry) map[string]float64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := metrics.NewRegistry()
	b := metrics.NewRegistry()

	a.RecordPollError("heatpump")

	if got := gather(t, a)["bridge_polling_polls_total,device_id=heatpump,status=error"]; got != 1 {
		t.Errorf("expected 1 poll error, got %v", got)
	}
	if _, ok := gather(t, b)["bridge_polling_polls_total,device_id=heatpump,status=error"]; ok {
		t.Error("expected second registry to be untouched")
	}
}

func TestConnectionStateIsOneHot(t *testing.T) {
	r := metrics.NewRegistry()
	r.SetConnectionState("heatpump", "connecting")
	r.SetConnectionState("heatpump", "connected")

	values := gather(t, r)
	tests := map[string]float64{
		"disconnected": 0,
		"connecting":   0,
		"connected":    1,
		"faulted":      0,
	}
	for state, want := range tests {
		key := "bridge_modbus_connection_state,device_id=heatpump,state=" + state
		if got := values[key]; got != want {
			t.Errorf("state %s: expected %v, got %v", state, want, got)
		}
	}

	r.ForgetDevice("heatpump")
	if _, ok := gather(t, r)["bridge_modbus_connection_state,device_id=heatpump,state=connected"]; ok {
		t.Error("expected series to be removed")
	}
}

func TestRecordHelpers(t *testing.T) {
	r := metrics.NewRegistry()
	r.RecordTransaction("heatpump", "read", "ok", 0.01)
	r.RecordReconnect("heatpump", false, 0.5)
	r.SetDevicesConnected(1, 3)
	r.RecordPollSuccess("heatpump", 0.02, 4)
	r.RecordCacheUpdate("changed")
	r.RecordCommand("mqtt", "applied", 0.1)
	r.RecordMQTTPublish(false, 0.001)
	r.SetMQTTConnected(true)
	r.SetConfigGeneration(7)

	values := gather(t, r)
	tests := []struct {
		key  string
		want float64
	}{
		{"bridge_modbus_transactions_total,device_id=heatpump,op=read,outcome=ok", 1},
		{"bridge_modbus_connect_attempts_total,device_id=heatpump,status=error", 1},
		{"bridge_devices_online", 1},
		{"bridge_devices_registered", 3},
		{"bridge_polling_points_read_total", 4},
		{"bridge_cache_updates_total,result=changed", 1},
		{"bridge_commands_total,source=mqtt,state=applied", 1},
		{"bridge_mqtt_messages_failed_total", 1},
		{"bridge_mqtt_connected", 1},
		{"bridge_devices_config_generation", 7},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := values[tt.key]; got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := metrics.NewRegistry()
	r.RecordMQTTReconnect()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "bridge_mqtt_reconnects_total 1") {
		t.Errorf("expected reconnect counter in output, got:\n%s", body)
	}
}
