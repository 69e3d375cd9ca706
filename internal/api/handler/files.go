package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/api/response"
	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// ResultFiles is implemented by *store.ResultFileDAO.
type ResultFiles interface {
	GetByJobID(ctx context.Context, jobID string) ([]*models.ResultFile, error)
	GetByFileType(ctx context.Context, jobID, fileType string) (*models.ResultFile, error)
}

// FileHandler serves /api/v1/jobs/{jobID}/files.
type FileHandler struct {
	files ResultFiles
	log   *zap.Logger
}

func NewFileHandler(files ResultFiles, log *zap.Logger) *FileHandler {
	return &FileHandler{files: files, log: logging.OrNop(log)}
}

func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	files, err := h.files.GetByJobID(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, files)
}

func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	file, err := h.files.GetByFileType(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "fileType"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if file == nil {
		notFound(w, "Result file")
		return
	}
	response.JSON(w, file)
}
