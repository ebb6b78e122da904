package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"Narrato/core/upload"
)

// ChunkedUploadHandler handles the four-action chunked upload protocol.
// Body: {"action": "create"|"getPartUrl"|"complete"|"abort", ...}
func (h *APIHandler) ChunkedUploadHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := GetOwnerIDFromContext(r.Context())

	var req upload.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	resp, err := h.uploads.Handle(r.Context(), owner, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SignedUploadHandler returns a presigned single PUT URL for small files.
func (h *APIHandler) SignedUploadHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := GetOwnerIDFromContext(r.Context())

	var req upload.SignedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	resp, err := upload.SignedUpload(r.Context(), h.presigner, h.cfg.OwnerScope, owner, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
