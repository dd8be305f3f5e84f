package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lqhuy/botan/config"
	"github.com/lqhuy/botan/history"
	"github.com/lqhuy/botan/scrape"
)

// Deps carries the stores the HTTP handlers read and write.
type Deps struct {
	DB       *sql.DB
	History  *history.Store
	Priority *scrape.PriorityStore
}

// Handlers bundles the route implementations and their dependencies.
type Handlers struct {
	cfg      *config.Config
	db       *sql.DB
	history  *history.Store
	priority *scrape.PriorityStore
}

func NewHandlers(cfg *config.Config, deps Deps) *Handlers {
	return &Handlers{cfg: cfg, db: deps.DB, history: deps.History, priority: deps.Priority}
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"bot_config", func() error { return h.cfg.ValidateBotReady() }},
		{"providers", func() error {
			if h.cfg.GroqAPIKey == "" && h.cfg.XAIAPIKey == "" && h.cfg.GeminiAPIKey == "" && h.cfg.OpenAIAPIKey == "" {
				return fmt.Errorf("no provider API keys configured")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports poller heartbeats and work-in-flight counts.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]any{
		"time": time.Now().UTC().Format(time.RFC3339),
	}

	pollers := map[string]string{}
	rows, err := h.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE 'poller_%_last_run'`)
	if err == nil {
		for rows.Next() {
			var k, v string
			if rows.Scan(&k, &v) == nil {
				name := strings.TrimSuffix(strings.TrimPrefix(k, "poller_"), "_last_run")
				pollers[name] = v
			}
		}
		rows.Close()
	}
	status["pollers"] = pollers

	var pendingBatches int
	if err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gpt_batch_jobs WHERE status='pending'`).Scan(&pendingBatches); err == nil {
		status["pending_batches"] = pendingBatches
	}

	var queued int
	if err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM play_queue`).Scan(&queued); err == nil {
		status["queued_tracks"] = queued
	}

	var messages int
	if err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages`).Scan(&messages); err == nil {
		status["messages"] = messages
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

type historyEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Purpose   string    `json:"purpose"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HandleHistory serves the stored turns of one thread, oldest first.
// GET /history/{thread}?limit=50
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	threadID := strings.TrimPrefix(r.URL.Path, "/history/")
	if threadID == "" || strings.Contains(threadID, "/") {
		http.Error(w, "missing thread id", http.StatusBadRequest)
		return
	}
	limit := parseIntQuery(r, "limit", 50)

	rows, err := h.db.QueryContext(r.Context(),
		`SELECT role, content, purpose, COALESCE(user_id,''), created_at FROM (
			SELECT role, content, purpose, user_id, created_at, id FROM messages
			WHERE thread_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
		 ) recent ORDER BY created_at ASC, id ASC`,
		threadID, limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	entries := []historyEntry{}
	for rows.Next() {
		var e historyEntry
		if err := rows.Scan(&e.Role, &e.Content, &e.Purpose, &e.UserID, &e.CreatedAt); err != nil {
			http.Error(w, "scan failed", http.StatusInternalServerError)
			return
		}
		entries = append(entries, e)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"thread_id": threadID, "messages": entries})
}

type priorityRequest struct {
	Kind  string `json:"kind"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// HandleAdminPriority manages the poller allow-lists.
// GET ?kind=&type= lists entries; POST and DELETE take a JSON body.
func (h *Handlers) HandleAdminPriority(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		kind := r.URL.Query().Get("kind")
		typ := r.URL.Query().Get("type")
		if kind == "" || typ == "" {
			http.Error(w, "kind and type are required", http.StatusBadRequest)
			return
		}
		values, err := h.priority.List(r.Context(), kind, typ)
		if err != nil {
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"kind": kind, "type": typ, "values": values})
	case http.MethodPost, http.MethodDelete:
		var req priorityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.Kind == "" || req.Type == "" || req.Value == "" {
			http.Error(w, "kind, type, and value are required", http.StatusBadRequest)
			return
		}
		var err error
		if r.Method == http.MethodPost {
			err = h.priority.Add(r.Context(), req.Kind, req.Type, req.Value)
		} else {
			err = h.priority.Remove(r.Context(), req.Kind, req.Type, req.Value)
		}
		if err != nil {
			http.Error(w, "update failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAdminHistoryClear wipes one thread's stored conversation.
// POST /admin/history/clear?thread=...
func (h *Handlers) HandleAdminHistoryClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	threadID := r.URL.Query().Get("thread")
	if threadID == "" {
		http.Error(w, "thread is required", http.StatusBadRequest)
		return
	}
	n, err := h.history.Clear(r.Context(), threadID)
	if err != nil {
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "deleted": n})
}

// parseIntQuery reads an integer query parameter with a fallback.
func parseIntQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
