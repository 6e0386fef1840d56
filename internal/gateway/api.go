package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/dataset"
	"github.com/basket/earmark/internal/remote"
	"github.com/basket/earmark/internal/session"
	"github.com/basket/earmark/internal/shared"
	"github.com/basket/earmark/internal/syncer"
)

// taskSummary is the per-task progress view the front-end's task list needs.
type taskSummary struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Audio       bool   `json:"audio"`
	RowCount    int    `json:"rowCount"`
	Annotated   int    `json:"annotated"`
	ResumeRow   int    `json:"resumeRow"`
	ShowOED     bool   `json:"showOED,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var out []taskSummary
	for _, id := range s.cfg.Library.IDs() {
		task, _ := s.cfg.Library.Task(id)
		out = append(out, s.summarize(task))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) summarize(task *dataset.Task) taskSummary {
	rows := s.cfg.Annotations.Snapshot(task.ID)
	return taskSummary{
		ID:          task.ID,
		Type:        task.Type,
		Description: task.Description,
		Audio:       task.Audio,
		RowCount:    task.RowCount(),
		Annotated:   len(rows),
		ResumeRow:   annotations.FirstUnannotated(rows, task.RowCount(), donePredicate(task.Type)),
		ShowOED:     task.ShowOED,
	}
}

// donePredicate selects the completion check for a task type.
func donePredicate(taskType string) func(annotations.Record) bool {
	if taskType == "timed" {
		return annotations.TimedComplete
	}
	return annotations.SelectionComplete
}

// handleTaskSubtree routes /api/tasks/{id}, /api/tasks/{id}/rows/{n} and
// /api/tasks/{id}/rows/{n}/{action}.
func (s *Server) handleTaskSubtree(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/"), "/")
	task, ok := s.cfg.Library.Task(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	r = r.WithContext(shared.WithTaskID(r.Context(), task.ID))

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, s.summarize(task))

	case len(parts) >= 3 && parts[1] == "rows":
		row, err := strconv.Atoi(parts[2])
		if err != nil || row < 0 || row >= task.RowCount() {
			writeError(w, http.StatusBadRequest, "invalid row index")
			return
		}
		if len(parts) == 3 {
			s.handleRow(w, r, task, row)
			return
		}
		if len(parts) == 4 {
			s.handleRowAction(w, r, task, row, parts[3])
			return
		}
		writeError(w, http.StatusNotFound, "not found")

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleRow(w http.ResponseWriter, r *http.Request, task *dataset.Task, row int) {
	switch r.Method {
	case http.MethodGet:
		data, err := task.Row(row)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"row":        data,
			"annotation": s.cfg.Annotations.Get(task.ID, row),
			"state":      s.cfg.Sessions.Session(task.ID, row).State(),
			"audio":      task.AudioObject(row),
			"choices":    task.Choices(row),
		})

	case http.MethodPut:
		// Direct annotation writes serve selection-style tasks; timed rows
		// go through the session transitions instead.
		if s.cfg.Identity.Impersonating() {
			writeError(w, http.StatusForbidden, "read-only while impersonating")
			return
		}
		var rec annotations.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid annotation payload")
			return
		}
		if err := s.cfg.Annotations.Update(r.Context(), task.ID, row, rec); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.cfg.Annotations.Get(task.ID, row))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRowAction(w http.ResponseWriter, r *http.Request, task *dataset.Task, row int, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess := s.cfg.Sessions.Session(task.ID, row)

	var err error
	switch action {
	case "play":
		var body struct {
			AudioLength float64 `json:"audioLength"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		err = sess.StartPlayback(body.AudioLength)

	case "buzz":
		err = sess.Buzz(r.Context())

	case "recorded":
		// The front-end captured and uploaded on its own and reports the URL.
		var body struct {
			URL string `json:"url"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&body); decodeErr != nil || body.URL == "" {
			writeError(w, http.StatusBadRequest, "recording url required")
			return
		}
		err = sess.RecordingComplete(r.Context(), body.URL)

	case "recording":
		// Raw encoded audio in the body; the daemon uploads it.
		s.handleRecordingUpload(w, r, task, row, sess)
		return

	case "issue":
		err = sess.ReportIssue(r.Context())

	case "confirm":
		err = sess.Confirm(r.Context())

	case "abandon":
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "abandoned"
		}
		err = sess.Abandon(r.Context(), body.Reason)

	case "drop":
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "navigation"
		}
		err = s.cfg.Sessions.Drop(r.Context(), task.ID, row, body.Reason)

	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrObserver):
			status = http.StatusForbidden
		case errors.Is(err, session.ErrInvalidTransition):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      sess.State(),
		"annotation": s.cfg.Annotations.Get(task.ID, row),
	})
}

func (s *Server) handleRecordingUpload(w http.ResponseWriter, r *http.Request, task *dataset.Task, row int, sess *session.Session) {
	// Checked before the upload: the session's own observer check fires
	// only after the bytes have already landed in the remote store.
	if s.cfg.Identity.Impersonating() {
		writeError(w, http.StatusForbidden, "read-only while impersonating")
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" || strings.Contains(filename, "/") {
		writeError(w, http.StatusBadRequest, "valid filename required")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty recording")
		return
	}

	url, err := s.cfg.Recorder.Upload(r.Context(), task.ID, filename, data)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := sess.RecordingComplete(r.Context(), url); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrObserver):
			status = http.StatusForbidden
		case errors.Is(err, session.ErrInvalidTransition):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"state":      sess.State(),
		"annotation": s.cfg.Annotations.Get(task.ID, row),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sync/"), "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	if err := s.cfg.Syncer.SyncTask(r.Context(), taskID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/backup/"), "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	path, err := s.cfg.Syncer.CreateBackup(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, syncer.ErrRemoteDisabled) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// handleExport streams the durable annotation set exactly as persisted.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	payload, err := s.cfg.Annotations.Export(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="annotations.json"`)
	_, _ = w.Write(payload)
}

// handleAudio proxies a row's source audio from the remote store so the
// front-end never needs store credentials.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/audio/"), "/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, "expected /api/audio/{task}/{row}")
		return
	}
	task, ok := s.cfg.Library.Task(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	row, err := strconv.Atoi(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid row index")
		return
	}
	object := task.AudioObject(row)
	if object == "" {
		writeError(w, http.StatusNotFound, "row has no audio")
		return
	}

	data, err := s.cfg.Remote.Get(r.Context(), object)
	if errors.Is(err, remote.ErrNotFound) {
		writeError(w, http.StatusNotFound, "audio object missing")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(data)
}
