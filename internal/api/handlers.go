package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"memtriage/internal/fault"
)

type processDumpRequest struct {
	Ref     string   `json:"ref"`
	Plugins []string `json:"plugins,omitempty"`
	Force   bool     `json:"force,omitempty"`
}

func (a *API) handleProcessDump(w http.ResponseWriter, r *http.Request) {
	var req processDumpRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fault.Wrap(fault.KindInput, "api.process", err))
		return
	}
	if req.Ref == "" {
		respondError(w, fault.New(fault.KindInput, "api.process", "ref is required"))
		return
	}

	result, err := a.facade.ProcessDump(r.Context(), req.Ref, req.Plugins, req.Force)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleListDumps(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	dumps, err := a.facade.ListDumps(ctx)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dumps": dumps})
}

func (a *API) handleDumpInfo(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	detail, err := a.facade.DumpInfo(ctx, dumpID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (a *API) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	report, err := a.facade.DetectAnomalies(ctx, dumpID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	view, err := a.facade.GenerateTimeline(ctx, dumpID, offset, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) handleProcessTree(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	view, err := a.facade.ProcessTree(ctx, dumpID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) handleProcessDetail(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid < 0 {
		respondError(w, fault.New(fault.KindInput, "api.process_detail", "pid must be a non-negative integer"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	detail, err := a.facade.AnalyzeProcess(ctx, dumpID, pid)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (a *API) handleNetwork(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	view, err := a.facade.NetworkAnalysis(ctx, dumpID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) handleHidden(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	view, err := a.facade.HiddenProcesses(ctx, dumpID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) handleInjections(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	view, err := a.facade.CodeInjection(ctx, dumpID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) handleProvenance(w http.ResponseWriter, r *http.Request) {
	dumpID, ok := dumpIDParam(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.facade.Provenance(ctx, dumpID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if a.stats == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "stats unavailable"})
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	stats, err := a.stats(ctx)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func dumpIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "dumpID"))
	if err != nil {
		respondError(w, fault.New(fault.KindInput, "api.dump_id", "dump id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fault.Newf(fault.KindInput, "api.query", "%s must be a non-negative integer", name)
	}
	return v, nil
}
