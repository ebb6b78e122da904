package upload

import (
	"context"
	"fmt"

	"Narrato/storage"

	"github.com/google/uuid"
)

// Presigner issues single-request signed URLs.
type Presigner interface {
	PresignedPut(ctx context.Context, key string) (string, error)
	PublicURL(key string) string
}

// SignedRequest asks for a one-shot PUT URL for a small file.
type SignedRequest struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType,omitempty"`
	Folder   string `json:"folder,omitempty"`
}

// SignedResponse is where to PUT the bytes and where they will be served from.
type SignedResponse struct {
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
	URL       string `json:"url"`
}

// SignedUpload returns a presigned single PUT under the owner's upload folder.
func SignedUpload(ctx context.Context, p Presigner, ownerScope, ownerID string, req SignedRequest) (*SignedResponse, error) {
	if req.FileName == "" || ownerID == "" {
		return nil, fmt.Errorf("%w: fileName and owner are required", ErrInvalidRequest)
	}
	key := storage.UploadKey(ownerScope, ownerID, req.Folder, uuid.NewString()[:8], req.FileName)
	u, err := p.PresignedPut(ctx, key)
	if err != nil {
		return nil, err
	}
	return &SignedResponse{UploadURL: u, Key: key, URL: p.PublicURL(key)}, nil
}
