package server

import (
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"flora-session/internal/common/errors"
	"flora-session/internal/common/logging"
	"flora-session/internal/session"
)

// Headers that describe a single hop and must not be forwarded. The
// executor sets Authorization itself.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
}

// HandleProxy forwards /api/{path} to the backend with the session's
// access token attached.
func (h *Handlers) HandleProxy(w http.ResponseWriter, r *http.Request) {
	target := *h.apiBase
	target.Path = h.apiBase.Path + "/" + strings.TrimPrefix(r.URL.Path, "/api/")
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out.Header = r.Header.Clone()
	for _, name := range hopHeaders {
		out.Header.Del(name)
	}
	out.ContentLength = r.ContentLength

	resp, err := h.session.Execute(out)
	if err != nil {
		h.writeProxyError(w, r, err)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	for _, name := range hopHeaders {
		w.Header().Del(name)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.WithContext(r.Context()).Warn("Proxy response copy interrupted", logging.Err(err))
	}
}

func (h *Handlers) writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, session.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, DetailSessionExpired)
	case r.Context().Err() != nil:
		// Client went away; nobody reads the answer.
		w.WriteHeader(499)
	case errors.IsType(err, errors.ErrTypeTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		h.logger.WithContext(r.Context()).Warn("Proxy request failed", logging.Err(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
