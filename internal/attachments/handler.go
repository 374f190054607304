// ABOUTME: HTTP upload endpoint turning a multipart file into an attachment descriptor
// ABOUTME: Requires an authenticated request; responds with handle, name, type and size

package attachments

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/2389/coven-rooms/internal/auth"
)

// Descriptor is what clients put in a message frame's attachment field.
type Descriptor struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
}

// UploadHandler accepts POST multipart uploads in the "file" field.
// It must be mounted behind auth.HTTPMiddleware.
func UploadHandler(storage Storage, maxSize int64, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "attachments")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		who := auth.FromContext(r.Context())
		if who == nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		// Multipart framing adds a little on top of the file itself.
		r.Body = http.MaxBytesReader(w, r.Body, maxSize+64*1024)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "file is too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()

		name := filepath.Base(header.Filename)
		mimeType := header.Header.Get("Content-Type")
		if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
			mimeType = mt
		} else {
			mimeType = "application/octet-stream"
		}

		handle, size, err := storage.Put(r.Context(), file, name, mimeType)
		if err != nil {
			if errors.Is(err, ErrTooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "file is too large")
				return
			}
			logger.Error("storing attachment failed", "user", who.UserID, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "failed to store file")
			return
		}

		logger.Info("attachment uploaded", "user", who.UserID, "name", name, "size", size)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Descriptor{Handle: handle, Name: name, Type: mimeType, Size: size})
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
