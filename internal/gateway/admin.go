package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/averitt/tollgate/internal/breaker"
	"github.com/averitt/tollgate/internal/cache"
	"github.com/averitt/tollgate/internal/ledger"
	"github.com/averitt/tollgate/internal/upstream"
)

// LeaderboardReader lists the top agents by spend.
type LeaderboardReader interface {
	Leaderboard(ctx context.Context, limit int) ([]ledger.LeaderboardEntry, error)
}

// AdminHandler serves the operational surfaces: cache stats, circuit breaker
// inspection, and agent reputation.
type AdminHandler struct {
	catalog     *upstream.Catalog
	cache       *cache.Tiered
	breakers    *breaker.Registry
	accounts    AccountReader
	leaderboard LeaderboardReader
}

// NewAdminHandler creates an AdminHandler. accounts and leaderboard may be
// nil when no database is configured; the reputation routes then return 503.
func NewAdminHandler(catalog *upstream.Catalog, c *cache.Tiered, breakers *breaker.Registry) *AdminHandler {
	return &AdminHandler{
		catalog:  catalog,
		cache:    c,
		breakers: breakers,
	}
}

// SetReputation sets the ledger-backed reputation readers.
func (h *AdminHandler) SetReputation(accounts AccountReader, leaderboard LeaderboardReader) {
	h.accounts = accounts
	h.leaderboard = leaderboard
}

// CacheStats serves GET /cache/stats: per-namespace entry counts plus the
// degrade status.
func (h *AdminHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	namespaces := make(map[string]cache.Stats)
	for _, name := range h.catalog.Names() {
		ep, _ := h.catalog.Lookup(name)
		if _, seen := namespaces[ep.Namespace]; seen {
			continue
		}
		namespaces[ep.Namespace] = h.cache.Stats(r.Context(), ep.Namespace)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespaces": namespaces,
		"degraded":   h.cache.Degraded(),
	})
}

// CacheClear serves POST /cache/clear and POST /cache/clear/{namespace}.
func (h *AdminHandler) CacheClear(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	h.cache.Clear(r.Context(), namespace)

	scope := namespace
	if scope == "" {
		scope = "all"
	}
	writeJSON(w, http.StatusOK, map[string]string{"cleared": scope})
}

// Breakers serves GET /system/circuit-breakers.
func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.breakers.Stats(),
	})
}

// BreakerReset serves POST /system/circuit-breakers/{name}/reset.
func (h *AdminHandler) BreakerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.breakers.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no circuit breaker named "+name)
		return
	}
	b.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"reset": name})
}

// Reputation serves GET /reputation/{agent}.
func (h *AdminHandler) Reputation(w http.ResponseWriter, r *http.Request) {
	if h.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reputation requires a database")
		return
	}

	agentID := chi.URLParam(r, "agent")
	acc, err := h.accounts.Account(r.Context(), agentID)
	if errors.Is(err, ledger.ErrUnknownAgent) {
		writeError(w, http.StatusNotFound, "not_found", "agent has no history")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load agent account")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// Leaderboard serves GET /reputation/leaderboard.
func (h *AdminHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	if h.leaderboard == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "leaderboard requires a database")
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	entries, err := h.leaderboard.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
}

// Endpoints serves GET /api/endpoints: the priced catalog.
func (h *AdminHandler) Endpoints(w http.ResponseWriter, r *http.Request) {
	type endpointInfo struct {
		Name        string  `json:"name"`
		Price       float64 `json:"price"`
		Description string  `json:"description"`
	}

	var out []endpointInfo
	for _, name := range h.catalog.Names() {
		ep, _ := h.catalog.Lookup(name)
		out = append(out, endpointInfo{Name: ep.Name, Price: ep.Price, Description: ep.Description})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": out})
}
