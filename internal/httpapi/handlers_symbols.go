package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/registry"
)

func (s *Server) handleSymbolUpsert(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var sym registry.Symbol
	if err := decodeBody(r, &sym); err != nil {
		writeError(w, err)
		return
	}
	domainID := r.PathValue("id")
	if err := s.registry.UpsertSymbol(r.Context(), domainID, &sym, false, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &sym)
}

func (s *Server) handleSymbolBulkUpsert(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		Symbols          []*registry.Symbol `json:"symbols"`
		BypassValidation bool               `json:"bypassValidation"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	domainID := r.PathValue("id")
	err := s.registry.BulkUpsert(r.Context(), domainID, req.Symbols, registry.BulkUpsertOptions{
		BypassValidation: req.BypassValidation,
		UserID:           auth.UserID,
		IsAdmin:          auth.IsAdmin(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"upserted": len(req.Symbols)})
}

func (s *Server) handleSymbolDelete(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	cascade := strings.EqualFold(r.URL.Query().Get("cascade"), "true")
	domainID := r.PathValue("domain")
	symbolID := r.PathValue("symbol")
	if err := s.registry.DeleteSymbol(r.Context(), domainID, symbolID, auth.UserID, auth.IsAdmin(), cascade); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": symbolID, "cascade": cascade})
}

func (s *Server) handleSymbolRename(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		OldID string `json:"oldId"`
		NewID string `json:"newId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OldID == "" || req.NewID == "" {
		badRequest(w, "oldId and newId are required")
		return
	}
	domainID := r.PathValue("id")
	if err := s.registry.PropagateRename(r.Context(), domainID, req.OldID, req.NewID, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"oldId": req.OldID, "newId": req.NewID})
}

func (s *Server) handleSymbolGet(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	sym, err := s.registry.FindByID(r.Context(), r.PathValue("id"), auth.UserID, auth.IsAdmin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sym)
}

func (s *Server) handleSymbolSearch(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	q := r.URL.Query()
	query := q.Get("q")
	opts := registry.SearchOptions{
		TimeGTE: q.Get("time_gte"),
	}
	if between := q.Get("time_between"); between != "" {
		parts := strings.SplitN(between, ",", 2)
		if len(parts) != 2 {
			badRequest(w, "time_between must be two comma-separated encoded timestamps")
			return
		}
		opts.TimeBetween = [2]string{parts[0], parts[1]}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		opts.Limit = limit
	}
	if domains := q.Get("domains"); domains != "" {
		opts.Domains = strings.Split(domains, ",")
	}
	if query == "" && opts.TimeGTE == "" && opts.TimeBetween[0] == "" {
		badRequest(w, "q or a time filter is required")
		return
	}

	scored, err := s.registry.Search(r.Context(), query, auth.UserID, auth.IsAdmin(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	type searchHit struct {
		Symbol *registry.Symbol `json:"symbol"`
		Score  float64          `json:"score"`
	}
	hits := make([]searchHit, 0, len(scored))
	for _, sc := range scored {
		sym, err := s.registry.FindByID(r.Context(), sc.SymbolID, auth.UserID, auth.IsAdmin())
		if err != nil {
			continue
		}
		hits = append(hits, searchHit{Symbol: sym, Score: sc.Score})
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) handleSymbolRefactor(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		Updates []registry.RefactorUpdate `json:"updates"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.ProcessRefactorOperation(r.Context(), req.Updates, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": len(req.Updates)})
}

func (s *Server) handleSymbolCompress(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		Domain    string           `json:"domain"`
		NewSymbol *registry.Symbol `json:"newSymbol"`
		OldIDs    []string         `json:"oldIds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NewSymbol == nil || req.Domain == "" {
		badRequest(w, "domain and newSymbol are required")
		return
	}
	if err := s.registry.CompressSymbols(r.Context(), req.Domain, req.NewSymbol, req.OldIDs, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"compressed": len(req.OldIDs), "into": req.NewSymbol.ID})
}
