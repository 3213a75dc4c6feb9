package app

import (
	"flora-session/internal/common/logging"
	"flora-session/internal/server"
)

// NewServer builds the local daemon around the session.
func (app *App) NewServer() (*server.Server, error) {
	h, err := server.NewHandlers(server.Config{
		Session:    app.Session,
		APIBaseURL: app.Config.APIBaseURL,
		Logger:     logging.Component("http"),
	})
	if err != nil {
		return nil, err
	}
	return server.New(h.Router(), app.Config.ListenAddr), nil
}
