package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kwv/posefuse/fusion"
	"github.com/paulmach/orb/geojson"
)

// maxUploadMemory is the multipart form size kept in memory before spilling to disk.
const maxUploadMemory = 32 << 20

type failureResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fusion.L().Warnf("[HTTP] Error encoding response: %v", err)
	}
}

func writeFailure(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, failureResponse{Success: false, Reason: reason})
}

// writePose answers with the published pose, or asks the client to keep scanning
func writePose(w http.ResponseWriter, st *fusion.StateTracker) {
	pose, ok := st.BestPose()
	if !ok {
		writeFailure(w, http.StatusAccepted, "please keep scanning")
		return
	}
	writeJSON(w, http.StatusOK, fusion.NewPoseMessage(pose))
}

// newHTTPServer creates an HTTP router with all endpoints
func newHTTPServer(a *App) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/upload", a.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/pose", a.handlePose).Methods(http.MethodGet)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/coverage.geojson", a.handleCoverageGeoJSON).Methods(http.MethodGet)
	r.HandleFunc("/coverage.svg", a.handleCoverageSVG).Methods(http.MethodGet)
	r.HandleFunc("/coverage.png", a.handleCoveragePNG).Methods(http.MethodGet)
	r.HandleFunc("/history", a.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/reset", a.handleReset).Methods(http.MethodPost)

	return r
}

// handleUpload accepts one frame with its session pose and answers with the
// current best reference pose
func (a *App) handleUpload(w http.ResponseWriter, r *http.Request) {
	st := a.Pipeline.State()

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		st.CountUpload(false, true, false)
		writeFailure(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	raw := r.FormValue("meta_json")
	if raw == "" {
		st.CountUpload(false, true, false)
		writeFailure(w, http.StatusBadRequest, "meta_json is required")
		return
	}
	var meta fusion.UploadMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		st.CountUpload(false, true, false)
		writeFailure(w, http.StatusBadRequest, fmt.Sprintf("invalid meta_json: %v", err))
		return
	}
	if err := meta.Validate(); err != nil {
		st.CountUpload(false, true, false)
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		st.CountUpload(false, true, false)
		writeFailure(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer func() { _ = file.Close() }()

	if _, err := a.Session.Activate(meta); err != nil {
		if errors.Is(err, fusion.ErrSessionMismatch) {
			writeFailure(w, http.StatusConflict, err.Error())
			return
		}
		fusion.L().Errorf("[HTTP] Cannot start session %s/%s: %v", meta.MovieName, meta.SceneName, err)
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	name, path, err := a.Uploads.Save(header.Filename, file)
	if err != nil {
		fusion.L().Errorf("[HTTP] %v", err)
		writeFailure(w, http.StatusInternalServerError, "could not store image")
		return
	}

	if err := a.Pipeline.Enqueue(fusion.Upload{ImageName: name, ImagePath: path, Meta: meta}); err != nil {
		_ = a.Uploads.Remove(path)
		if errors.Is(err, fusion.ErrQueueFull) {
			st.CountUpload(false, false, true)
			fusion.L().Warnf("[HTTP] Queue full, dropping %s", header.Filename)
			writeFailure(w, http.StatusTooManyRequests, "queue full")
			return
		}
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	st.CountUpload(true, false, false)
	fusion.L().Debugf("[HTTP] /upload %s from %s (queue=%d)", name, r.RemoteAddr, a.Pipeline.QueueDepth())

	writePose(w, st)
}

func (a *App) handlePose(w http.ResponseWriter, r *http.Request) {
	writePose(w, a.Pipeline.State())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	fusion.L().Debugf("[HTTP] /health request from %s", r.RemoteAddr)
	status := struct {
		Status     string    `json:"status"`
		Timestamp  time.Time `json:"timestamp"`
		QueueDepth int       `json:"queueDepth"`
		Pending    int       `json:"pending"`
		Pairs      int       `json:"pairs"`
		HasPose    bool      `json:"hasPose"`
		Session    bool      `json:"session"`
		MQTT       bool      `json:"mqtt"`
	}{
		Status:     "ok",
		Timestamp:  time.Now(),
		QueueDepth: a.Pipeline.QueueDepth(),
		Pending:    a.Pipeline.PendingCount(),
		Pairs:      a.Pipeline.PairCount(),
		HasPose:    a.Pipeline.State().HasPose(),
		MQTT:       a.MQTTClient != nil && a.MQTTClient.IsConnected(),
	}
	_, status.Session = a.Session.Info()
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		fusion.Status
		Session    *fusion.SessionInfo `json:"session,omitempty"`
		QueueDepth int                 `json:"queueDepth"`
		Pending    int                 `json:"pending"`
		Pairs      int                 `json:"pairs"`
	}{
		Status:     a.Pipeline.State().Status(),
		QueueDepth: a.Pipeline.QueueDepth(),
		Pending:    a.Pipeline.PendingCount(),
		Pairs:      a.Pipeline.PairCount(),
	}
	if info, ok := a.Session.Info(); ok {
		resp.Session = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// coverage builds the current coverage collection
func (a *App) coverage() (*geojson.FeatureCollection, *fusion.BestPose) {
	var pose *fusion.BestPose
	if p, ok := a.Pipeline.State().BestPose(); ok {
		pose = &p
	}
	return fusion.BuildCoverage(a.Pipeline.Pairs(), a.Pipeline.PendingPositions(), pose), pose
}

func (a *App) handleCoverageGeoJSON(w http.ResponseWriter, r *http.Request) {
	fc, _ := a.coverage()
	data, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, "encoding coverage failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (a *App) handleCoverageSVG(w http.ResponseWriter, r *http.Request) {
	fc, _ := a.coverage()
	var buf bytes.Buffer
	if err := a.Renderer.RenderToSVG(&buf, fc); err != nil {
		fusion.L().Errorf("[HTTP] Error rendering coverage SVG: %v", err)
		http.Error(w, "rendering coverage failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

func (a *App) handleCoveragePNG(w http.ResponseWriter, r *http.Request) {
	fc, pose := a.coverage()
	caption := fmt.Sprintf("pairs %d  pending %d", a.Pipeline.PairCount(), a.Pipeline.PendingCount())
	if pose != nil {
		caption += fmt.Sprintf("  rmse %.3f  scale %.3f", pose.RMSE, pose.Scale)
	}
	var buf bytes.Buffer
	if err := a.Renderer.RenderToPNG(&buf, fc, caption); err != nil {
		fusion.L().Errorf("[HTTP] Error rendering coverage PNG: %v", err)
		http.Error(w, "rendering coverage failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeFailure(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeFailure(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := a.History.Recent(limit)
	if err != nil {
		fusion.L().Errorf("[HTTP] %v", err)
		writeFailure(w, http.StatusInternalServerError, "reading history failed")
		return
	}
	if records == nil {
		records = []fusion.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *App) handleReset(w http.ResponseWriter, r *http.Request) {
	fusion.L().Infof("[HTTP] /reset request from %s", r.RemoteAddr)
	a.Reset()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
