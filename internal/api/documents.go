package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/ingest"
)

// uploadDocument accepts a multipart "file" field and queues it for
// processing.
func (h *Handler) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, apperr.Validation("upload exceeds the size limit"))
			return
		}
		h.writeError(w, r, apperr.Validation("invalid multipart form: "+err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, apperr.Validation("file field is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.deps.MaxUploadBytes+1))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	doc, err := h.deps.Uploader.Submit(r.Context(), ingest.Upload{
		Filename:   header.Filename,
		Data:       data,
		UploadedBy: principalFrom(r.Context()).UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

// documentID reads the {id} parameter. Malformed ids cannot exist.
func documentID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		return "", apperr.NotFound("document " + id)
	}
	return id, nil
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc, err := h.deps.Documents.GetDocument(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) listChunks(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	chunks, err := h.deps.Documents.ListChunks(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []ingest.Chunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}
