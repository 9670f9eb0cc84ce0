package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/stretchr/testify/assert"
)

type wireMessage struct {
	Id      int             `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("failed waiting for %q: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func Test_health(t *testing.T) {
	tcases := []struct {
		name     string
		pingErr  error
		expected int
	}{
		{name: "healthy", pingErr: nil, expected: http.StatusOK},
		{name: "database down", pingErr: errors.New("connection refused"), expected: http.StatusServiceUnavailable},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &database.MockRepository{}
			repo.On("Ping").Return(tc.pingErr)
			app := newTestApp(t, repo, newTestRoomServer(t, repo))

			rr := httptest.NewRecorder()
			app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tc.expected, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			repo.AssertExpectations(t)
		})
	}
}

func Test_roomState_notFound(t *testing.T) {
	repo := &database.MockRepository{}
	app := newTestApp(t, repo, newTestRoomServer(t, repo))

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rooms/missing", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	var body ApiError
	assert.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, http.StatusNotFound, body.StatusCode)
}

func Test_listRooms_empty(t *testing.T) {
	repo := &database.MockRepository{}
	app := newTestApp(t, repo, newTestRoomServer(t, repo))

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func Test_serveWs(t *testing.T) {
	repo := &database.MockRepository{}
	rs := newTestRoomServer(t, repo)
	go rs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rs.Shutdown(ctx)
	})

	app := newTestApp(t, repo, rs)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("join and inspect room", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("failed to dial websocket: %v", err)
		}
		defer conn.Close()

		err = conn.WriteJSON(map[string]any{
			"id":   1,
			"type": "join_room",
			"payload": map[string]any{
				"roomId":        "R1",
				"identityId":    "F",
				"displayName":   "Fran",
				"isFacilitator": true,
				"roomName":      "Sprint 12",
			},
		})
		assert.NoError(t, err)

		joined := readUntil(t, conn, "joined")
		assert.Equal(t, 1, joined.Id)
		var payload struct {
			RoomId       string `json:"roomId"`
			IdentityId   string `json:"identityId"`
			ConnectionId string `json:"connectionId"`
		}
		assert.NoError(t, json.Unmarshal(joined.Payload, &payload))
		assert.Equal(t, "R1", payload.RoomId)
		assert.Equal(t, "F", payload.IdentityId)
		assert.NotEmpty(t, payload.ConnectionId)

		update := readUntil(t, conn, "room_update")
		var state types.RoomState
		assert.NoError(t, json.Unmarshal(update.Payload, &state))
		assert.Equal(t, types.RoomStateVersion, state.Version)
		assert.Len(t, state.Participants, 1)

		resp, err := http.Get(srv.URL + "/api/rooms/R1")
		if assert.NoError(t, err) {
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			var got types.RoomState
			assert.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, "Sprint 12", got.Name)
			if assert.Len(t, got.Participants, 1) {
				assert.Equal(t, "Fran", got.Participants[0].Name)
			}
		}

		resp, err = http.Get(srv.URL + "/api/rooms")
		if assert.NoError(t, err) {
			defer resp.Body.Close()
			var summaries []types.RoomSummary
			assert.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
			assert.Len(t, summaries, 1)
		}
	})

	t.Run("invalid frame", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("failed to dial websocket: %v", err)
		}
		defer conn.Close()

		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

		msg := readUntil(t, conn, "error")
		var payload struct {
			Code int `json:"code"`
		}
		assert.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, http.StatusBadRequest, payload.Code)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		header := http.Header{}
		header.Set("Origin", "http://evil.example")

		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		assert.Error(t, err, "expected upgrade to be refused")
		if assert.NotNil(t, resp) {
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		}
	})
}

func Test_checkOrigin(t *testing.T) {
	app := &App{allowedOrigins: []string{"http://localhost:3000"}}

	tcases := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "no origin", origin: "", want: true},
		{name: "allowed", origin: "http://localhost:3000", want: true},
		{name: "other", origin: "http://evil.example", want: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, app.checkOrigin(req))
		})
	}
}
