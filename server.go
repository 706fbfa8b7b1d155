package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/tumorscan/tumor-analyzer/config"
	"github.com/tumorscan/tumor-analyzer/detections"
	"github.com/tumorscan/tumor-analyzer/models"
	"github.com/tumorscan/tumor-analyzer/storage"
)

const (
	photoField        = "photo"
	outputContentType = "image/jpg"

	endpointAnalyze    = "analyze"
	endpointDetections = "analyze_detections"
	endpointHealth     = "health"
)

var errMissingPhoto = errors.New(`missing multipart field "photo"`)

// Detector runs the model on an image file and leaves the annotated copy at
// Result.OutputPath.
type Detector interface {
	Detect(ctx context.Context, inputPath string) (*models.Result, error)
	Device() string
	WeightsPresent() bool
}

type AppState struct {
	Config   *config.Config
	Detector Detector
	Store    *storage.TempStore
	Cleaner  *storage.Cleaner
	Metrics  *Metrics
}

type DetectionResponse struct {
	Filename   string             `json:"filename"`
	Device     string             `json:"device"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []models.Detection `json:"detections"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	Device         string `json:"device"`
	WeightsPresent bool   `json:"weights_present"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func NewAppState(cfg *config.Config, detector Detector) (*AppState, error) {
	store, err := storage.NewTempStore(cfg.TempDir)
	if err != nil {
		return nil, err
	}

	state := &AppState{
		Config:   cfg,
		Detector: detector,
		Store:    store,
		Metrics:  NewMetrics(detector),
	}
	state.Cleaner = storage.NewCleaner(cfg.OutputRoot, cfg.CleanupWorkers, cfg.CleanupQueue, state.Metrics.observeCleanup)
	return state, nil
}

// Close waits for scheduled cleanups.
func (s *AppState) Close() {
	s.Cleaner.Close()
}

func newRouter(s *AppState) http.Handler {
	r := mux.NewRouter()
	r.Handle("/analyze", s.instrument(endpointAnalyze, handleAnalyze(s))).Methods(http.MethodPost)
	r.Handle("/analyze/detections", s.instrument(endpointDetections, handleAnalyzeDetections(s))).Methods(http.MethodPost)
	s.addMonitoringRoutes(r)

	c := cors.New(cors.Options{
		AllowedOrigins: s.Config.CorsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
	})
	return c.Handler(r)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.Handle("/health", s.instrument(endpointHealth, http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
}

// handleAnalyze answers with the annotated image. The request's output
// directory and upload are removed once the body has been flushed.
func handleAnalyze(s *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.analyze(w, r)
		if !ok {
			return
		}
		defer s.Cleaner.Schedule(a.job)

		f, err := os.Open(a.result.OutputPath())
		if err != nil {
			sendErrorResponse(w, CodeProcessingError, MsgAnalysisFailed, err, http.StatusInternalServerError)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			sendErrorResponse(w, CodeProcessingError, MsgAnalysisFailed, err, http.StatusInternalServerError)
			return
		}

		// Range and conditional request headers are ignored.
		w.Header().Set("Content-Type", outputContentType)
		w.Header().Set("Content-Disposition", contentDisposition(a.filename))
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			log.Warnf("write response for %s: %v", a.filename, err)
			return
		}

		if err := http.NewResponseController(w).Flush(); err != nil {
			log.Debugf("flush response: %v", err)
		}
	}
}

func handleAnalyzeDetections(s *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.analyze(w, r)
		if !ok {
			return
		}
		defer s.Cleaner.Schedule(a.job)

		detections := a.result.Detections
		if detections == nil {
			detections = []models.Detection{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(DetectionResponse{
			Filename:   a.filename,
			Device:     a.result.Device,
			Width:      a.result.Width,
			Height:     a.result.Height,
			Detections: detections,
		})
	}
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		Device:         s.Detector.Device(),
		WeightsPresent: s.Detector.WeightsPresent(),
	}
	status := http.StatusOK
	if !resp.WeightsPresent {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

type analysis struct {
	filename string
	result   *models.Result
	job      storage.CleanupJob
}

// analyze takes the upload through the temp store and the detector. When it
// returns false the error response has been written and nothing is left on
// disk beyond what the cleaner was already handed.
func (s *AppState) analyze(w http.ResponseWriter, r *http.Request) (*analysis, bool) {
	startTotal := time.Now()
	requestID := uuid.NewString()

	data, filename, err := readUpload(r, s.Config.MaxUploadMemory)
	if err != nil {
		if errors.Is(err, errMissingPhoto) {
			sendErrorResponse(w, CodeMissingField, MsgMissingPhoto, err, http.StatusUnprocessableEntity)
		} else {
			sendErrorResponse(w, CodeInvalidUpload, MsgUnreadableUpload, err, http.StatusInternalServerError)
		}
		return nil, false
	}

	if _, err := storage.SniffImage(data); err != nil {
		sendErrorResponse(w, CodeInvalidImage, MsgNotAnImage, err, http.StatusInternalServerError)
		return nil, false
	}

	inputPath, err := s.Store.Save(data)
	if err != nil {
		sendErrorResponse(w, CodeStorageError, MsgStoreFailed, err, http.StatusInternalServerError)
		return nil, false
	}
	job := storage.CleanupJob{InputPath: inputPath}

	detectStart := time.Now()
	result, err := s.Detector.Detect(r.Context(), inputPath)
	if err != nil {
		s.Cleaner.Schedule(job)
		log.Errorw("detection failed", "request_id", requestID, "filename", filename, "error", err)
		code, msg, status := classifyDetectError(err)
		sendErrorResponse(w, code, msg, err, status)
		return nil, false
	}
	s.Metrics.observeDetection(time.Since(detectStart), len(result.Detections))
	job.OutputPath = result.OutputPath()

	result.Timings.RequestID = requestID
	result.Timings.Total = time.Since(startTotal)
	logTimings(&result.Timings)
	log.Infow("image analyzed",
		"request_id", requestID,
		"filename", filename,
		"detections", len(result.Detections),
		"device", result.Device,
		"output", job.OutputPath,
	)

	return &analysis{filename: filename, result: result, job: job}, true
}

func classifyDetectError(err error) (string, string, int) {
	var perr *detections.ProcessingError
	switch {
	case errors.Is(err, detections.ErrWeightsNotFound):
		return CodeModelError, MsgModelUnavailable, http.StatusInternalServerError
	case errors.Is(err, detections.ErrAcquireTimeout):
		return CodeSessionError, MsgSessionBusy, http.StatusServiceUnavailable
	case errors.As(err, &perr) && perr.Message == "load model":
		return CodeModelError, MsgModelUnavailable, http.StatusInternalServerError
	default:
		return CodeProcessingError, MsgAnalysisFailed, http.StatusInternalServerError
	}
}

func readUpload(r *http.Request, maxMemory int64) ([]byte, string, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, "", fmt.Errorf("%w: %v", errMissingPhoto, err)
		}
		return nil, "", err
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(photoField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, "", errMissingPhoto
		}
		return nil, "", err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	return data, header.Filename, nil
}

func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}

func logTimings(t *models.ProcessingTimings) {
	log.Debugf("RequestID: %s - Processing times:\n"+
		"\tImage Decode: %v\n"+
		"\tResize:      %v\n"+
		"\tPreprocess:  %v\n"+
		"\tInference:   %v\n"+
		"\tPostprocess: %v\n"+
		"\tAnnotate:    %v\n"+
		"\tSave:        %v\n"+
		"\tTotal:       %v",
		t.RequestID,
		t.ImageDecode,
		t.Resize,
		t.Preprocess,
		t.Inference,
		t.Postprocess,
		t.Annotate,
		t.Save,
		t.Total)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, cause error, status int) {
	resp := ErrorResponse{Code: code, Message: message}
	if cause != nil {
		resp.Details = cause.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *AppState) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		s.Metrics.observeRequest(endpoint, sw.status)
	})
}
