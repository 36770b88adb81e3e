package handler

import (
	"bufio"
	"errors"
	"net/http"

	"github.com/safelease/risk-platform/internal/middleware"
)

// UploadRegistry handles POST /registry/upload (multipart: case_id, file).
// The file must be a PDF of at most 20 MiB.
func (g *Gateway) UploadRegistry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, middleware.MaxRegistrySize+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "registry file exceeds 20 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	caseID := r.FormValue("case_id")
	if err := middleware.ValidateID(caseID); err != nil {
		writeError(w, http.StatusBadRequest, "case_id: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if header.Size > middleware.MaxRegistrySize {
		writeError(w, http.StatusRequestEntityTooLarge, "registry file exceeds 20 MiB")
		return
	}

	br := bufio.NewReader(file)
	head, _ := br.Peek(5)
	if err := middleware.ValidatePDF(head); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	up, err := g.api.UploadRegistry(r.Context(), caseID, header.Filename, br)
	if err != nil {
		writeBackendError(w, g.logger, "registry_upload", err)
		return
	}
	g.record(r, "registry_upload", http.StatusCreated)
	writeJSON(w, http.StatusCreated, up)
}
