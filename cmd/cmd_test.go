package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/factory"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/model"
)

func TestPickTransport(t *testing.T) {
	list := []factory.ModuleConfig{{Type: "redis"}, {Type: "mqtt"}}

	tc, err := pickTransport(list, "")
	require.NoError(t, err)
	assert.Equal(t, "redis", tc.Type)

	tc, err = pickTransport(list, "mqtt")
	require.NoError(t, err)
	assert.Equal(t, "mqtt", tc.Type)

	_, err = pickTransport(list, "amqp")
	assert.Error(t, err)
	_, err = pickTransport(nil, "")
	assert.Error(t, err)
}

type chanTransport struct {
	events chan fanout.Event
	topic  string
}

func (c *chanTransport) Name() string                                        { return "chan" }
func (c *chanTransport) Publish(context.Context, string, fanout.Event) error { return nil }
func (c *chanTransport) Close() error                                        { return nil }
func (c *chanTransport) Subscribe(_ context.Context, topic string) (<-chan fanout.Event, func(), error) {
	c.topic = topic
	return c.events, func() {}, nil
}

func TestWatchPrintsJSONLines(t *testing.T) {
	tr := &chanTransport{events: make(chan fanout.Event, 2)}
	tr.events <- fanout.Event{Topic: "emergency:e1", Type: fanout.EventStatus, Version: 1}
	tr.events <- fanout.Event{Topic: "emergency:e1", Type: fanout.EventStatus, Version: 2}
	close(tr.events)

	var out bytes.Buffer
	require.NoError(t, watch(context.Background(), tr, "emergency:e1", &out))
	assert.Equal(t, "emergency:e1", tr.topic)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var ev fanout.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, int64(2), ev.Version)
}

func TestFleetCommandsUseAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/ambulance":
			assert.Equal(t, "available", r.URL.Query().Get("status"))
			_ = json.NewEncoder(w).Encode(map[string]any{"result": []model.Ambulance{
				{ID: "a1", VehicleNumber: "AA-1", Status: model.AmbulanceAvailable, UpdatedAt: time.Now()},
			}})
		case "/api/ambulance/nearby":
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(map[string]any{"result": []map[string]any{
				{"id": "a1", "vehicle_number": "AA-1", "distance_km": 1.25, "pickup_eta_minutes": 3},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	run := func(args ...string) string {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute())
		return out.String()
	}

	out := run("fleet", "ls", "--server", srv.URL, "--status", "available")
	assert.Contains(t, out, "a1")
	assert.Contains(t, out, "AA-1")

	out = run("fleet", "nearby", "--server", srv.URL, "--lat", "9.03", "--lng", "38.74", "--limit", "3")
	assert.Contains(t, out, "1.25 km")
	assert.Contains(t, out, "3 min")
}

func TestAuditCommandExportsCSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/audit", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "e1", r.URL.Query().Get("emergency_id"))
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []map[string]any{
			{"timestamp": "2026-05-01T10:00:00Z", "kind": "offer", "emergency_id": "e1", "ambulance_id": "a1", "outcome": "accepted"},
		}})
	}))
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"audit", "--server", srv.URL, "--token", "secret", "--emergency", "e1", "-o", "csv"})
	require.NoError(t, rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,kind,emergency_id"))
	assert.Contains(t, lines[1], "e1")
	assert.Contains(t, lines[1], "accepted")
}
