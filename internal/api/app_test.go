package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/pointing-poker/internal/config"
	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/server"
	"github.com/npezzotti/pointing-poker/internal/stats"
	"github.com/npezzotti/pointing-poker/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestRoomServer(t *testing.T, repo database.Repository) *server.RoomServer {
	t.Helper()
	rs, err := server.NewRoomServer(testutil.TestLogger(t), server.Options{}, server.Dependencies{
		Repo:  repo,
		Stats: stats.NewPermissiveMock(),
	})
	if err != nil {
		t.Fatalf("failed to create room server: %v", err)
	}
	return rs
}

func newTestApp(t *testing.T, repo database.Repository, rs *server.RoomServer) *App {
	t.Helper()
	return NewApp(http.NewServeMux(), testutil.TestLogger(t), rs, repo, &config.Config{
		ServerAddr:     "localhost:8080",
		AllowedOrigins: []string{"http://localhost:3000"},
	})
}

func TestNewApp(t *testing.T) {
	repo := &database.MockRepository{}
	rs := newTestRoomServer(t, repo)

	app := newTestApp(t, repo, rs)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.Equal(t, "localhost:8080", app.srv.Addr, "expected server address to match config")
	assert.Equal(t, rs, app.rs, "expected room server to be set")
	assert.Equal(t, []string{"http://localhost:3000"}, app.allowedOrigins)
}

func TestApp_cors(t *testing.T) {
	repo := &database.MockRepository{}
	app := newTestApp(t, repo, newTestRoomServer(t, repo))

	tcases := []struct {
		name   string
		origin string
		allow  string
	}{
		{name: "allowed origin", origin: "http://localhost:3000", allow: "http://localhost:3000"},
		{name: "unknown origin", origin: "http://evil.example", allow: ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
			req.Header.Set("Origin", tc.origin)
			rr := httptest.NewRecorder()

			app.Handler().ServeHTTP(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, tc.allow, rr.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
