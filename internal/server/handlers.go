package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"flora-session/internal/authapi"
	"flora-session/internal/common/errors"
	"flora-session/internal/common/logging"
	"flora-session/internal/events"
	"flora-session/internal/middleware"
	"flora-session/internal/session"
)

// DetailSessionExpired is returned with 401 when the session cannot be refreshed.
const DetailSessionExpired = "Sesión expirada"

// Session is what the daemon needs from session.Manager.
type Session interface {
	Login(ctx context.Context, identifier, password string) error
	Logout(ctx context.Context)
	Status() session.Status
	OnCredentialsChanged(handler events.Handler[session.Change]) events.Unsubscribe
	Execute(req *http.Request) (*http.Response, error)
}

type Config struct {
	Session Session
	// APIBaseURL is where /api/{path} requests are forwarded.
	APIBaseURL string
	Logger     logging.Logger
}

type Handlers struct {
	session Session
	apiBase *url.URL
	logger  logging.Logger
}

func NewHandlers(cfg Config) (*Handlers, error) {
	base, err := url.Parse(strings.TrimRight(cfg.APIBaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.ConfigError("api base URL must be absolute").WithContext("base_url", cfg.APIBaseURL)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("server")
	}
	return &Handlers{session: cfg.Session, apiBase: base, logger: cfg.Logger}, nil
}

// Router wires the daemon routes behind the request id and logging middleware.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(h.logger))

	router.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)

	s := router.PathPrefix("/session").Subrouter()
	s.HandleFunc("/login", h.HandleLogin).Methods(http.MethodPost)
	s.HandleFunc("/logout", h.HandleLogout).Methods(http.MethodPost)
	s.HandleFunc("/status", h.HandleStatus).Methods(http.MethodGet)
	s.HandleFunc("/events", h.HandleEvents).Methods(http.MethodGet)

	router.PathPrefix("/api/").HandlerFunc(h.HandleProxy)
	return router
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type statusResponse struct {
	session.Status
	RefreshState string `json:"refresh_state"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLogin exchanges identifier and password for a session.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Cuerpo de solicitud inválido")
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Usuario y contraseña son obligatorios")
		return
	}

	if err := h.session.Login(r.Context(), req.Identifier, req.Password); err != nil {
		h.writeLoginError(w, r, err)
		return
	}
	h.writeStatus(w)
}

func (h *Handlers) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *authapi.APIError
	switch {
	case stderrors.As(err, &apiErr):
		writeError(w, apiErr.Status, apiErr.Detail)
	case errors.IsType(err, errors.ErrTypeTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.IsType(err, errors.ErrTypeConnection):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.WithContext(r.Context()).Error("Login failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.session.Logout(r.Context())
	h.writeStatus(w)
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w)
}

func (h *Handlers) writeStatus(w http.ResponseWriter) {
	st := h.session.Status()
	writeJSON(w, http.StatusOK, statusResponse{Status: st, RefreshState: st.RefreshState.String()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
