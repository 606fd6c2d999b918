// Package api serves a read-only HTTP view of the engine: connections and
// their credits, sessions, open handles, the durable handle journal and
// Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/mike76-dev/smbprobe/client"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Journal lists recorded durable handles.
type Journal interface {
	List(clientGUID [16]byte) ([]client.DurableHandle, error)
}

// API represents the API call handler.
type API struct {
	router  *httprouter.Router
	journal Journal
	logger  *zap.Logger

	mu       sync.Mutex
	conns    []*client.Connection
	sessions []*client.Session
}

// NewAPI returns an API serving metrics from g. The journal may be nil.
func NewAPI(g prometheus.Gatherer, j Journal, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &API{
		router:  httprouter.New(),
		journal: j,
		logger:  logger,
	}
	api.router.GET("/connections", api.handleConnections)
	api.router.GET("/connections/:id/credits", api.handleCredits)
	api.router.GET("/sessions", api.handleSessions)
	api.router.GET("/handles", api.handleHandles)
	api.router.GET("/journal/:guid", api.handleJournal)
	api.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return api
}

// AddConnection makes c visible through the API.
func (api *API) AddConnection(c *client.Connection) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.conns = append(api.conns, c)
}

// AddSession makes s and its opens visible through the API.
func (api *API) AddSession(s *client.Session) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.sessions = append(api.sessions, s)
}

// Forget removes closed connections and their sessions.
func (api *API) Forget() {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.conns = slices.DeleteFunc(api.conns, func(c *client.Connection) bool { return c.Err() != nil })
	api.sessions = slices.DeleteFunc(api.sessions, func(s *client.Session) bool { return s.Err() != nil })
}

// BasicAuth wraps an http.Handler to force a basic auth with a password.
func BasicAuth(password string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if _, p, ok := req.BasicAuth(); !ok || p != password {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, req)
		})
	}
}

// ServeHTTP implements http.HandlerFunc.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

func (api *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	if err := enc.Encode(v); err != nil {
		api.logger.Debug("failed to write response", zap.Error(err))
	}
}

// ConnectionInfo describes one connection.
type ConnectionInfo struct {
	ID         int                `json:"id"`
	Addr       string             `json:"addr"`
	Dialect    string             `json:"dialect"`
	ClientGUID string             `json:"clientGuid"`
	Credits    client.CreditStats `json:"credits"`
	InFlight   int                `json:"inFlight"`
	Error      string             `json:"error,omitempty"`
}

// SessionInfo describes one session.
type SessionInfo struct {
	ID              string `json:"id"`
	Dialect         string `json:"dialect"`
	Channels        int    `json:"channels"`
	Encrypted       bool   `json:"encrypted"`
	SigningRequired bool   `json:"signingRequired"`
	Guest           bool   `json:"guest"`
	ChannelSequence uint16 `json:"channelSequence"`
	Opens           int    `json:"opens"`
}

// HandleInfo describes one open.
type HandleInfo struct {
	Session      string `json:"session"`
	Name         string `json:"name"`
	FileID       string `json:"fileId"`
	State        string `json:"state"`
	Connectivity string `json:"connectivity"`
	Durability   string `json:"durability"`
	Resilient    bool   `json:"resilient"`
	Capability   string `json:"capability"`
	Timeout      string `json:"timeout,omitempty"`
}

func dialectString(d uint16) string {
	switch d {
	case smb2.SMB_DIALECT_202:
		return "2.0.2"
	case smb2.SMB_DIALECT_21:
		return "2.1"
	case smb2.SMB_DIALECT_30:
		return "3.0"
	case smb2.SMB_DIALECT_302:
		return "3.0.2"
	case smb2.SMB_DIALECT_311:
		return "3.1.1"
	}
	return fmt.Sprintf("0x%04x", d)
}

func connectionInfo(id int, c *client.Connection) ConnectionInfo {
	ci := ConnectionInfo{
		ID:         id,
		Addr:       c.Addr(),
		Dialect:    dialectString(c.Dialect()),
		ClientGUID: uuid.UUID(c.ClientGUID()).String(),
		Credits:    c.Credits(),
		InFlight:   c.InFlight(),
	}
	if err := c.Err(); err != nil {
		ci.Error = err.Error()
	}
	return ci
}

func (api *API) handleConnections(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	api.mu.Lock()
	infos := make([]ConnectionInfo, 0, len(api.conns))
	for i, c := range api.conns {
		infos = append(infos, connectionInfo(i, c))
	}
	api.mu.Unlock()
	api.writeJSON(w, infos)
}

func (api *API) handleCredits(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id, err := strconv.Atoi(ps.ByName("id"))
	api.mu.Lock()
	if err != nil || id < 0 || id >= len(api.conns) {
		api.mu.Unlock()
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}
	c := api.conns[id]
	api.mu.Unlock()
	api.writeJSON(w, c.Credits())
}

func (api *API) handleSessions(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	api.mu.Lock()
	sessions := slices.Clone(api.sessions)
	api.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			ID:              fmt.Sprintf("%016x", s.ID()),
			Dialect:         dialectString(s.Dialect()),
			Channels:        len(s.Channels()),
			Encrypted:       s.Encrypted(),
			SigningRequired: s.SigningRequired(),
			Guest:           s.IsGuest(),
			ChannelSequence: s.ChannelSequence(),
			Opens:           len(s.Opens()),
		})
	}
	api.writeJSON(w, infos)
}

func (api *API) handleHandles(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	api.mu.Lock()
	sessions := slices.Clone(api.sessions)
	api.mu.Unlock()

	infos := []HandleInfo{}
	for _, s := range sessions {
		for _, o := range s.Opens() {
			hi := HandleInfo{
				Session:      fmt.Sprintf("%016x", s.ID()),
				Name:         o.Name(),
				FileID:       o.FileID().String(),
				State:        o.State().String(),
				Connectivity: o.Connectivity().String(),
				Durability:   o.Durability().String(),
				Resilient:    o.Resilient(),
				Capability:   o.Capability().String(),
			}
			if t := o.Timeout(); t > 0 {
				hi.Timeout = t.String()
			}
			infos = append(infos, hi)
		}
	}
	api.writeJSON(w, infos)
}

func (api *API) handleJournal(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if api.journal == nil {
		http.Error(w, "no journal configured", http.StatusNotFound)
		return
	}
	guid, err := uuid.Parse(ps.ByName("guid"))
	if err != nil {
		http.Error(w, "invalid client guid", http.StatusBadRequest)
		return
	}
	handles, err := api.journal.List(guid)
	if err != nil {
		api.logger.Warn("failed to list journal", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if handles == nil {
		handles = []client.DurableHandle{}
	}
	api.writeJSON(w, handles)
}
