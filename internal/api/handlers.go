package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pointing-poker/internal/server"
)

const (
	pingTimeout      = 2 * time.Second
	roomStateTimeout = 5 * time.Second
)

func (a *App) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("json encode")
	}
}

func (a *App) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		a.log.Warn().Err(errResp.Err).Int("status", errResp.StatusCode).Msg("request failed")
	}
	a.writeJson(w, errResp.StatusCode, errResp)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	errCh := make(chan error, 1)
	go func() { errCh <- a.db.Ping() }()

	select {
	case err := <-errCh:
		if err != nil {
			a.writeError(w, NewServiceUnavailableError(err))
			return
		}
	case <-time.After(pingTimeout):
		a.writeError(w, NewServiceUnavailableError(errors.New("database ping timed out")))
		return
	}

	a.writeJson(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (a *App) listRooms(w http.ResponseWriter, r *http.Request) {
	a.writeJson(w, http.StatusOK, a.rs.Rooms())
}

func (a *App) roomState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), roomStateTimeout)
	defer cancel()

	state, err := a.rs.RoomState(ctx, r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, server.ErrNoSuchRoom):
			a.writeError(w, NewNotFoundError())
		case errors.Is(err, context.DeadlineExceeded):
			a.writeError(w, NewGatewayTimeoutError(err))
		default:
			a.writeError(w, NewInternalServerError(err))
		}
		return
	}

	a.writeJson(w, http.StatusOK, state)
}

func (a *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(a.allowedOrigins, origin)
}

func (a *App) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: a.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(conn, a.rs, a.log)
	a.log.Debug().Str("connection", client.Id()).Msg("client connected")

	a.rs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
