package httpapi

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/registry"
	"github.com/symbolkernel/kernel/internal/scheduler"
	"github.com/symbolkernel/kernel/internal/testrunner"
)

// projectMeta is the archive's manifest entry.
type projectMeta struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	ExportedBy string    `json:"exportedBy,omitempty"`
}

const projectArchiveVersion = 1

// handleProjectExport streams a zip of the project state: domains with
// symbols, both prompts, test sets, agents, and a manifest.
func (s *Server) handleProjectExport(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	ctx := r.Context()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	addJSON := func(name string, v any) error {
		f, err := zw.Create(name)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	addText := func(name, content string) error {
		f, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = io.WriteString(f, content)
		return err
	}

	domains, err := s.registry.ListDomains(ctx, "", true)
	if err != nil {
		writeError(w, err)
		return
	}
	full := make([]*registry.Domain, 0, len(domains))
	for _, d := range domains {
		loaded, err := s.registry.Get(ctx, d.ID, "", true)
		if err != nil {
			writeError(w, err)
			return
		}
		full = append(full, loaded)
	}
	agents, err := s.agents.List(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	sets, err := s.tests.ListSets(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	steps := []error{
		addJSON("meta.json", projectMeta{Version: projectArchiveVersion, ExportedAt: time.Now().UTC(), ExportedBy: auth.Username}),
		addJSON("domains.json", full),
		addJSON("agents.json", agents),
		addJSON("test_sets.json", sets),
		addText("system_prompt.txt", s.prompts.System()),
		addText("mcp_prompt.txt", s.prompts.MCP()),
	}
	for _, err := range steps {
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="project.szproject"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("httpapi: export write failed", "error", err)
	}
}

// handleProjectImport restores a previously exported archive. Symbols
// are loaded with validation bypassed: an export can carry cross-domain
// references whose targets arrive later in the same archive.
func (s *Server) handleProjectImport(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		Data string `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		badRequest(w, "data must be a base64-encoded archive")
		return
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		badRequest(w, "data is not a valid archive")
		return
	}

	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			writeError(w, err)
			return
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		files[f.Name] = content
	}

	var meta projectMeta
	if data, ok := files["meta.json"]; ok {
		if err := json.Unmarshal(data, &meta); err != nil || meta.Version > projectArchiveVersion {
			badRequest(w, "unsupported archive version")
			return
		}
	}

	ctx := r.Context()
	if err := s.registry.ClearAll(ctx); err != nil {
		writeError(w, err)
		return
	}

	var domains []*registry.Domain
	if data, ok := files["domains.json"]; ok {
		if err := json.Unmarshal(data, &domains); err != nil {
			badRequest(w, "invalid domains.json")
			return
		}
	}
	imported := 0
	for _, d := range domains {
		symbols := d.Symbols
		d.Symbols = nil
		if err := s.registry.CreateDomain(ctx, d); err != nil {
			writeError(w, fmt.Errorf("import domain %s: %w", d.ID, err))
			return
		}
		if err := s.registry.BulkUpsert(ctx, d.ID, symbols, registry.BulkUpsertOptions{
			BypassValidation: true,
			IsAdmin:          true,
		}); err != nil {
			writeError(w, fmt.Errorf("import symbols for %s: %w", d.ID, err))
			return
		}
		imported += len(symbols)
	}

	if data, ok := files["agents.json"]; ok {
		var agents []*scheduler.Agent
		if err := json.Unmarshal(data, &agents); err != nil {
			badRequest(w, "invalid agents.json")
			return
		}
		if err := s.agents.ReplaceAll(ctx, agents); err != nil {
			writeError(w, err)
			return
		}
	}
	if data, ok := files["test_sets.json"]; ok {
		var sets []*testrunner.TestSet
		if err := json.Unmarshal(data, &sets); err != nil {
			badRequest(w, "invalid test_sets.json")
			return
		}
		for _, set := range sets {
			if err := s.tests.UpsertSet(ctx, set); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	if data, ok := files["system_prompt.txt"]; ok {
		if err := s.prompts.SetSystem(ctx, string(data)); err != nil {
			writeError(w, err)
			return
		}
	}
	if data, ok := files["mcp_prompt.txt"]; ok {
		if err := s.prompts.SetMCP(ctx, string(data)); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"domains": len(domains),
		"symbols": imported,
	})
}
