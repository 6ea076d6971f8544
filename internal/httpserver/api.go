package httpserver

import (
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yazux/wrtc-signal/internal/config"
	"github.com/yazux/wrtc-signal/internal/token"
)

//go:embed demo.html
var demoPage []byte

// apiEnvelope is the fixed response shape of the token-minting API. On errors
// Response is the literal false, matching what existing clients parse.
type apiEnvelope struct {
	Status   int `json:"status"`
	Error    any `json:"error"`
	Response any `json:"response"`
}

// WriteResult writes a 200 API envelope with a null error.
func WriteResult(w http.ResponseWriter, response any) {
	WriteJSON(w, http.StatusOK, apiEnvelope{Status: http.StatusOK, Error: nil, Response: response})
}

// WriteAPIError writes an error API envelope with Response set to false.
func WriteAPIError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, apiEnvelope{Status: status, Error: message, Response: false})
}

// API is the operator-facing HTTP surface: bootstrap token minting plus the
// bundled demo page.
type API struct {
	log     *slog.Logger
	codec   token.Codec
	appPass string
}

func NewAPI(cfg config.Config, logger *slog.Logger) *API {
	return &API{
		log:     logger.With("component", "api"),
		codec:   token.NewCodec(token.StaticSecret(cfg.AppSecret)),
		appPass: cfg.AppPass,
	}
}

func (a *API) RegisterRoutes(s *Server) {
	mux := s.Mux()
	mux.HandleFunc("GET /{$}", s.WithOriginPolicy(a.handleRoot))
	mux.HandleFunc("GET /demo", s.WithOriginPolicy(a.handleDemo))
	mux.HandleFunc("POST /app", s.WithOriginPolicy(a.handleCreateApp))
}

// The root path serves nothing; it answers with the API's 401 envelope so
// probes can tell the service apart from a dead host.
func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	WriteAPIError(w, http.StatusUnauthorized, "Unauthorized")
}

func (a *API) handleDemo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(demoPage)
}

type createAppRequest struct {
	App      string `json:"app"`
	Password string `json:"password"`
}

// handleCreateApp mints a bootstrap token for a named application. The
// password gate compares against APP_PASS; with no password configured every
// attempt is rejected.
func (a *API) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if a.appPass == "" || subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.appPass)) != 1 {
		WriteAPIError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if req.App == "" {
		WriteAPIError(w, http.StatusBadRequest, "Required properties (app) is undefined")
		return
	}

	a.log.Info("bootstrap token minted", "app", req.App)
	WriteResult(w, map[string]string{
		"token": a.codec.Create(token.Payload{App: req.App}),
	})
}
