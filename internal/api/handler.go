package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prophantom/johnnet/internal/agent"
	"github.com/prophantom/johnnet/internal/analytics"
	"github.com/prophantom/johnnet/internal/backend"
	"github.com/prophantom/johnnet/internal/dispatch"
	"github.com/prophantom/johnnet/internal/fault"
	"github.com/prophantom/johnnet/internal/graph"
	"github.com/prophantom/johnnet/internal/memory"
)

// NeighborSource reads live neighbors of a memory item from the graph
// mirror.
type NeighborSource interface {
	Neighbors(ctx context.Context, itemID string, limit int) ([]graph.Neighbor, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	sessions   *agent.Registry
	profiles   map[string]agent.Profile
	backends   *backend.Router
	engine     *analytics.Engine
	logger     *zap.Logger

	mem        *memory.Store  // optional
	graphReads NeighborSource // optional

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHandler creates a new API handler.
func NewHandler(
	d *dispatch.Dispatcher,
	sessions *agent.Registry,
	profiles map[string]agent.Profile,
	backends *backend.Router,
	engine *analytics.Engine,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		dispatcher: d,
		sessions:   sessions,
		profiles:   profiles,
		backends:   backends,
		engine:     engine,
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// SetMemory enables the memory association routes.
func (h *Handler) SetMemory(mem *memory.Store) { h.mem = mem }

// SetGraph attaches the graph mirror for neighborhood reads.
func (h *Handler) SetGraph(g NeighborSource) { h.graphReads = g }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(h.rateLimit)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Post("/agents/{type}/chat", h.chat)

		r.Post("/connections", h.openConnection)
		r.Get("/connections/{id}", h.connectionState)
		r.Post("/connections/{id}/messages", h.sendMessage)
		r.Delete("/connections/{id}", h.closeConnection)
		r.Get("/connections/{id}/stream", h.stream)

		r.Get("/sessions/{user}", h.userSessions)
		r.Get("/sessions/{user}/{type}", h.userSession)

		r.Get("/memory/{id}/associations", h.memoryAssociations)

		r.Get("/analytics", h.analytics)
	})

	return r
}

// rateLimit applies a per-client token bucket. Clients over the budget
// get the same admission_rejected shape the dispatcher uses.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		h.limMu.Lock()
		lim, ok := h.limiters[host]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(20), 40)
			h.limiters[host] = lim
		}
		h.limMu.Unlock()

		if !lim.Allow() {
			writeError(w, fault.New(fault.KindAdmissionRejected, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	backends := make(map[string]string)
	for _, b := range h.backends.List() {
		if err := b.HealthCheck(r.Context()); err != nil {
			backends[b.ID()] = "unreachable"
		} else {
			backends[b.ID()] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"backends":   backends,
		"dispatcher": h.dispatcher.Stats(),
	})
}

type agentInfo struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	Model       string `json:"model"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]agentInfo, 0, len(h.profiles))
	for _, p := range h.profiles {
		out = append(out, agentInfo{Type: p.Type, DisplayName: p.DisplayName, Model: p.Model})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	writeJSON(w, http.StatusOK, out)
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "type")
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.UserID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and message are required"})
		return
	}

	result, err := h.dispatcher.Execute(r.Context(), req.UserID, agentType, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type openRequest struct {
	UserID    string `json:"user_id"`
	AgentType string `json:"agent_type"`
}

func (h *Handler) openConnection(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.UserID == "" || req.AgentType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and agent_type are required"})
		return
	}

	conn, err := h.dispatcher.Open(req.UserID, req.AgentType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"connection_id": conn.ID,
		"state":         string(conn.State()),
	})
}

func (h *Handler) connectionState(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.dispatcher.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"connection_id": conn.ID,
		"state":         string(conn.State()),
	})
}

type sendRequest struct {
	Message string `json:"message"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	seq, err := h.dispatcher.Send(id, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"seq": seq})
}

func (h *Handler) closeConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Close(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) userSessions(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	var out []agent.Session
	for _, s := range h.sessions.List() {
		if s.UserID == user {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) userSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Get(chi.URLParam(r, "user"), chi.URLParam(r, "type"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":   s,
		"tier_name": agent.TierName(s.Tier),
	})
}

// memoryAssociations returns the association edges of one memory item,
// plus live graph neighbors when a mirror is attached.
func (h *Handler) memoryAssociations(w http.ResponseWriter, r *http.Request) {
	if h.mem == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory browsing is not enabled"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.mem.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory item not found"})
		return
	}

	resp := map[string]interface{}{
		"item_id":      id,
		"associations": h.mem.Associations(id),
	}
	if h.graphReads != nil {
		neighbors, err := h.graphReads.Neighbors(r.Context(), id, 16)
		if err != nil {
			h.logger.Warn("graph neighbor read failed", zap.String("id", id), zap.Error(err))
		} else {
			resp["neighbors"] = neighbors
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) analytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), map[string]interface{}{
		"error": map[string]string{
			"kind":    string(fault.KindOf(err)),
			"message": err.Error(),
		},
	})
}
