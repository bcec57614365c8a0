package httpapi

import (
	"net/http"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/testrunner"
)

func (s *Server) handleTestSetsList(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	sets, err := s.tests.ListSets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sets)
}

func (s *Server) handleTestSetsUpsert(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	var set testrunner.TestSet
	if err := decodeBody(r, &set); err != nil {
		writeError(w, err)
		return
	}
	if err := s.tests.UpsertSet(r.Context(), &set); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &set)
}

func (s *Server) handleTestRunsList(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	runs, err := s.tests.ListRuns(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTestRunStart(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	var req struct {
		TestSetID            string `json:"testSetId"`
		CompareWithBaseModel bool   `json:"compareWithBaseModel"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TestSetID == "" {
		badRequest(w, "testSetId is required")
		return
	}
	run, err := s.testRunner.StartRun(r.Context(), req.TestSetID, req.CompareWithBaseModel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleTestRunStop(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	if err := s.testRunner.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopping"})
}

func (s *Server) handleTestRunResume(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	run, err := s.testRunner.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleTestRunResults(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	run, err := s.tests.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleTestCaseRerun(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	run, err := s.testRunner.RerunCase(r.Context(), r.PathValue("run"), r.PathValue("case"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
