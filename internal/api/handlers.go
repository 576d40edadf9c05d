// Package api exposes the tagging service over HTTP: folder management,
// image browsing and search, and the long-running processing operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/icewall905/image-tagger/internal/pipeline"
	"github.com/icewall905/image-tagger/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Runner is the slice of the pipeline the API starts work through.
type Runner interface {
	ProcessImage(ctx context.Context, path string, force bool) pipeline.Outcome
	ProcessDirectory(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// Deps holds everything the handlers need. RefreshWatches, when non-nil,
// is invoked after folder mutations so the watch set follows the database.
type Deps struct {
	Store          *storage.Store
	Runner         Runner
	Progress       *pipeline.Progress
	Logger         *slog.Logger
	RefreshWatches func(ctx context.Context)
}

// NewHandler returns the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/folders", handleListFolders(deps))
		r.Post("/folders", handleAddFolder(deps))
		r.Delete("/folders/{id}", handleSetFolderActive(deps, false))
		r.Put("/folders/{id}/activate", handleSetFolderActive(deps, true))
		r.Post("/folders/{id}/scan", handleScanFolder(deps))

		r.Get("/images", handleListImages(deps))
		r.Get("/images/{id}", handleGetImage(deps))
		r.Delete("/images/{id}", handleDeleteImage(deps))

		r.Get("/tags", handleListTags(deps))
		r.Get("/search", handleSearch(deps))

		r.Post("/operations/process-all", handleProcessAll(deps, "process all unprocessed images"))
		r.Post("/operations/scan-all", handleProcessAll(deps, "scan all folders"))
		r.Post("/operations/cleanup", handleCleanup(deps))
		r.Get("/operations/status", handleStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// --- Folders ---

type folderRequest struct {
	Path      string `json:"path"`
	Recursive *bool  `json:"recursive"`
}

type folderResponse struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Recursive bool      `json:"recursive"`
	Active    bool      `json:"active"`
	AddedAt   time.Time `json:"added_at"`
}

func toFolderResponse(f storage.Folder) folderResponse {
	return folderResponse{ID: f.ID, Path: f.Path, Recursive: f.Recursive, Active: f.Active, AddedAt: f.AddedAt}
}

func handleListFolders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folders, err := deps.Store.ListFolders(false)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list folders: %v", err)
			return
		}

		resp := make([]folderResponse, len(folders))
		for i, f := range folders {
			resp[i] = toFolderResponse(f)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleAddFolder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req folderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		info, err := os.Stat(req.Path)
		if err != nil || !info.IsDir() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is not an existing directory: %s", req.Path)
			return
		}

		recursive := true
		if req.Recursive != nil {
			recursive = *req.Recursive
		}

		folder, err := deps.Store.AddFolder(req.Path, recursive)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add folder: %v", err)
			return
		}

		if deps.RefreshWatches != nil {
			deps.RefreshWatches(r.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toFolderResponse(folder))
	}
}

// handleSetFolderActive backs both DELETE (deactivate) and activate.
// Deactivation keeps the folder's image records; it only leaves the watch
// set.
func handleSetFolderActive(deps Deps, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid folder id")
			return
		}

		err = deps.Store.SetFolderActive(id, active)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "folder not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update folder: %v", err)
			return
		}

		if deps.RefreshWatches != nil {
			deps.RefreshWatches(r.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"active": active})
	}
}

func handleScanFolder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid folder id")
			return
		}

		folder, err := deps.Store.GetFolder(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "folder not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get folder: %v", err)
			return
		}

		force := r.URL.Query().Get("force") == "true"

		taskID, ok := deps.Progress.TryStart("scan " + folder.Path)
		if !ok {
			httpError(w, http.StatusConflict, "conflict", "another operation is already running")
			return
		}

		go func() {
			defer deps.Progress.Finish()
			res, err := deps.Runner.ProcessDirectory(context.Background(), pipeline.Job{
				Dir:       folder.Path,
				Recursive: folder.Recursive,
				Force:     force,
			})
			if err != nil {
				deps.Progress.RecordError(err.Error())
				deps.Logger.Error("folder scan failed", "folder", folder.Path, "error", err)
				return
			}
			deps.Logger.Info("folder scan finished", "folder", folder.Path,
				"success", res.Success, "skipped", res.Skipped, "errors", res.Errors)
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"task_id": taskID})
	}
}

// --- Images ---

type imageResponse struct {
	ID           int64     `json:"id"`
	Path         string    `json:"path"`
	Status       string    `json:"status"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags"`
	AttemptCount int       `json:"attempt_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	LastAttempt  time.Time `json:"last_attempt_at,omitempty"`
	FileSize     int64     `json:"file_size"`
}

func toImageResponse(img storage.Image) imageResponse {
	tags := img.Tags
	if tags == nil {
		tags = []string{}
	}
	return imageResponse{
		ID:           img.ID,
		Path:         img.Path,
		Status:       img.Status,
		Description:  img.Description,
		Tags:         tags,
		AttemptCount: img.AttemptCount,
		ErrorMessage: img.ErrorMessage,
		LastAttempt:  img.LastAttemptAt,
		FileSize:     img.FileSize,
	}
}

func writeImages(w http.ResponseWriter, images []storage.Image) {
	resp := make([]imageResponse, len(images))
	for i, img := range images {
		resp[i] = toImageResponse(img)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func handleListImages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := storage.ListImagesOptions{
			Tag:    r.URL.Query().Get("tag"),
			Status: r.URL.Query().Get("status"),
			Limit:  parseIntParam(r, "limit", 50, 500),
			Offset: parseIntParam(r, "offset", 0, 0),
		}

		images, err := deps.Store.ListImages(opts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list images: %v", err)
			return
		}
		writeImages(w, images)
	}
}

func handleGetImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid image id")
			return
		}

		img, err := deps.Store.GetImage(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get image: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toImageResponse(img))
	}
}

func handleDeleteImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid image id")
			return
		}

		err = deps.Store.DeleteImage(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete image: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

// --- Tags and search ---

func handleListTags(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tags, err := deps.Store.ListTags()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tags: %v", err)
			return
		}

		type tagResponse struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		resp := make([]tagResponse, len(tags))
		for i, t := range tags {
			resp[i] = tagResponse{Name: t.Name, Count: t.Count}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		images, err := deps.Store.SearchImages(q, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeImages(w, images)
	}
}

// --- Operations ---

// handleProcessAll runs every active folder as one logical operation with a
// continuous global progress count.
func handleProcessAll(deps Deps, taskName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folders, err := deps.Store.ListFolders(true)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list folders: %v", err)
			return
		}
		if len(folders) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no active folders registered")
			return
		}

		taskID, ok := deps.Progress.TryStart(taskName)
		if !ok {
			httpError(w, http.StatusConflict, "conflict", "another operation is already running")
			return
		}

		// Count up front so the progress bar is continuous across folders.
		total := 0
		counts := make([]int, len(folders))
		for i, f := range folders {
			n, err := pipeline.CountImages(f.Path, f.Recursive)
			if err != nil {
				deps.Logger.Warn("counting images", "folder", f.Path, "error", err)
			}
			counts[i] = n
			total += n
		}
		deps.Progress.SetTotal(total)

		go func() {
			defer deps.Progress.Finish()
			offset := 0
			for i, f := range folders {
				res, err := deps.Runner.ProcessDirectory(context.Background(), pipeline.Job{
					Dir:       f.Path,
					Recursive: f.Recursive,
					Offset:    offset,
					Total:     total,
				})
				if err != nil {
					deps.Progress.RecordError(err.Error())
					deps.Logger.Error("folder processing failed", "folder", f.Path, "error", err)
				} else {
					deps.Logger.Info("folder processed", "folder", f.Path,
						"success", res.Success, "skipped", res.Skipped, "errors", res.Errors)
				}
				offset += counts[i]
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"task_id": taskID,
			"folders": len(folders),
			"total":   total,
		})
	}
}

// handleCleanup drops image records whose backing file no longer exists.
// Manual only; records are never cleaned automatically.
func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paths, err := deps.Store.AllImagePaths()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list images: %v", err)
			return
		}

		removed := 0
		for id, path := range paths {
			if _, err := os.Stat(path); err == nil {
				continue
			}
			if err := deps.Store.DeleteImage(id); err != nil {
				deps.Logger.Warn("cleanup delete failed", "path", path, "error", err)
				continue
			}
			removed++
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"removed": removed})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := deps.Progress.Current()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"is_running":   snap.IsRunning,
			"task_id":      snap.TaskID,
			"current_task": snap.CurrentTask,
			"completed":    snap.Completed,
			"total":        snap.Total,
			"percent":      snap.Percent(),
			"last_error":   snap.LastError,
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
