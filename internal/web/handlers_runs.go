package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/zeta/internal/batch"
	"github.com/JonMunkholm/zeta/internal/core"
)

// multipartOverhead leaves room for the multipart envelope around the file.
const multipartOverhead = 1 << 20

// SubmitResponse is returned when a batch is accepted for processing.
type SubmitResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

// RunListResponse wraps the run list.
type RunListResponse struct {
	Runs []core.RunStatus `json:"runs"`
}

// handleSubmitBatch accepts a CSV upload in the "file" form field and starts
// a run. With ?wait=true it blocks until the run finishes and returns the
// final status; otherwise it answers 202 with the run ID.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Pipeline.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, batch.ErrTooLarge)
			return
		}
		badRequest(w, "invalid multipart form", "REQ001")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "no file provided", "REQ002")
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		respondError(w, r, batch.ErrTooLarge)
		return
	}

	// The form's temporary files are removed when the request ends, and the
	// run outlives it.
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if int64(len(data)) > maxSize {
		respondError(w, r, batch.ErrTooLarge)
		return
	}

	runID, err := s.service.StartRun(r.Context(), batch.FromBytes(header.Filename, data), core.TriggerAPI)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		status, err := s.service.WaitRun(r.Context(), runID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		RunID:     runID,
		StatusURL: "/api/runs/" + runID,
	})
}

// handleGetRun returns one run's status.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleListRuns returns all tracked runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RunListResponse{Runs: s.service.ListRuns()})
}

// handleCleanup removes staging artifacts once the pipeline is free.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Cleanup(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "clean"})
}

// handlePipelineStatus reports whether a run holds the pipeline.
func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.LimiterStatus())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
