package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/san-kum/collision-risk/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsReply struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	r, _ := newRouter(t)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg any) wsReply {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var reply wsReply
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func TestWebSocket_Predict(t *testing.T) {
	conn, _, err := dialWS(t, nil)
	require.NoError(t, err)

	reply := roundTrip(t, conn, map[string]any{
		"type": "predict",
		"id":   "req-1",
		"data": json.RawMessage(pedestrianScenario),
	})
	assert.Equal(t, "prediction", reply.Type)
	assert.Equal(t, "req-1", reply.ID)

	var resp models.PredictionResponse
	require.NoError(t, json.Unmarshal(reply.Data, &resp))
	assert.InDelta(t, 0.7, resp.PKSI, 1e-9)
	assert.Equal(t, models.RiskHigh, resp.Explanation.RiskTier)
}

func TestWebSocket_Errors(t *testing.T) {
	conn, _, err := dialWS(t, nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		msg   map[string]any
		field string
	}{
		{"invalid scenario", map[string]any{"type": "predict", "data": map[string]any{"hour": 99}}, "day_of_week"},
		{"out of domain", map[string]any{"type": "predict", "data": json.RawMessage(strings.Replace(pedestrianScenario, `"month":3`, `"month":13`, 1))}, "month"},
		{"missing data", map[string]any{"type": "predict"}, "data"},
		{"unknown type", map[string]any{"type": "frame"}, "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := roundTrip(t, conn, tt.msg)
			assert.Equal(t, "error", reply.Type)

			var apiErr models.APIError
			require.NoError(t, json.Unmarshal(reply.Data, &apiErr))
			assert.Equal(t, string(models.KindValidation), apiErr.Code)
			assert.Equal(t, tt.field, apiErr.Details["field"])
		})
	}
}

func TestWebSocket_Ping(t *testing.T) {
	conn, _, err := dialWS(t, nil)
	require.NoError(t, err)

	reply := roundTrip(t, conn, map[string]any{"type": "ping", "id": "p"})
	assert.Equal(t, "pong", reply.Type)
	assert.Equal(t, "p", reply.ID)
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://dash.example.org"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://dash.example.org")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, checkOrigin([]string{"*"})(req))
}
