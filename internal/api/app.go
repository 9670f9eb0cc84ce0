package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/pointing-poker/internal/config"
	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/server"
	"github.com/rs/zerolog"
)

type App struct {
	log            zerolog.Logger
	db             database.Repository
	rs             *server.RoomServer
	srv            *http.Server
	allowedOrigins []string
}

// NewApp mounts the HTTP surface on mux. Routes registered on mux by other
// components, such as the stats handler, are served alongside.
func NewApp(mux *http.ServeMux, logger zerolog.Logger, rs *server.RoomServer, db database.Repository, cfg *config.Config) *App {
	a := &App{
		log:            logger.With().Str("module", "api").Logger(),
		db:             db,
		rs:             rs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /api/rooms", a.listRooms)
	mux.HandleFunc("GET /api/rooms/{id}", a.roomState)
	mux.HandleFunc("GET /ws", a.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = a.requestLogger(h)
	h = a.errorHandler(h)

	a.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return a
}

func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

func (a *App) Start() error {
	a.log.Info().Str("addr", a.srv.Addr).Msg("starting server")
	return a.srv.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info().Msg("shutting down HTTP server")
	if err := a.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
