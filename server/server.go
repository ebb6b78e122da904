package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"Narrato/config"
	"Narrato/core/generator"
	"Narrato/core/upload"
	"Narrato/logger"
	"Narrato/model"
	"Narrato/repository"

	"github.com/gorilla/mux"
)

// Generator runs one generation batch.
type Generator interface {
	Run(ctx context.Context, req generator.Request) (*generator.Result, error)
}

// PreviewService returns voice preview clips.
type PreviewService interface {
	GetOrCreate(ctx context.Context, voiceID, format string) (*generator.Preview, error)
}

// ProgressSubscriber streams ledger updates of one batch.
type ProgressSubscriber interface {
	Subscribe(ctx context.Context, batchID string) (<-chan model.BatchProgress, error)
}

// APIHandler 处理所有API请求
type APIHandler struct {
	cfg       *config.Config
	generator Generator
	previews  PreviewService
	uploads   *upload.Service
	presigner upload.Presigner
	tracks    repository.TrackRepository
	batches   repository.BatchRepository
	progress  ProgressSubscriber
	mixes     generator.MixDispatcher
}

// Deps bundles what the handlers call into. Progress and Mixes may be nil.
type Deps struct {
	Generator Generator
	Previews  PreviewService
	Uploads   *upload.Service
	Presigner upload.Presigner
	Tracks    repository.TrackRepository
	Batches   repository.BatchRepository
	Progress  ProgressSubscriber
	Mixes     generator.MixDispatcher
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(cfg *config.Config, d Deps) *APIHandler {
	return &APIHandler{
		cfg:       cfg,
		generator: d.Generator,
		previews:  d.Previews,
		uploads:   d.Uploads,
		presigner: d.Presigner,
		tracks:    d.Tracks,
		batches:   d.Batches,
		progress:  d.Progress,
		mixes:     d.Mixes,
	}
}

// NewRouter wires every route. metricsHandler and media may be nil.
func NewRouter(h *APIHandler, metricsHandler http.Handler, media http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware, loggingMiddleware)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	// 上传
	router.HandleFunc("/api/upload/chunked", OwnerMiddleware(h.ChunkedUploadHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/upload/signed", OwnerMiddleware(h.SignedUploadHandler)).Methods(http.MethodPost)

	// 音频生成与混音
	router.HandleFunc("/api/audio/generate", OwnerMiddleware(h.GenerateHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/audio/tracks", h.ListTracksHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/tracks/{id:[0-9]+}", h.GetTrackHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/tracks/{id:[0-9]+}/mix", OwnerMiddleware(h.EnqueueMixHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/audio/tracks/{id:[0-9]+}/mix-status", h.MixStatusHandler).Methods(http.MethodPatch)
	router.HandleFunc("/api/audio/batches/{id}", h.GetBatchHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/batches/{id}/ws", h.BatchProgressHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/voices", h.VoicesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/voices/{voice}/preview", h.VoicePreviewHandler).Methods(http.MethodPost)

	if media != nil {
		router.PathPrefix("/media/").Handler(media).Methods(http.MethodGet, http.MethodHead)
	}
	return router
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// generation requests are answered when the whole batch has resolved
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
