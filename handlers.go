package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/metrics"
	"github.com/Tutortoise/object-scanner-service/models"
	"github.com/Tutortoise/object-scanner-service/overlay"
	"github.com/Tutortoise/object-scanner-service/scanner"
)

const maxUploadBytes = 10 << 20

type AppState struct {
	Config   Config
	Scanner  *scanner.Controller
	Renderer *overlay.Renderer
	Metrics  *metrics.Metrics
	Pool     func() *ModelSessionPool
	Logger   *zap.SugaredLogger
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type ScannerResponse struct {
	Message string         `json:"message,omitempty"`
	Status  scanner.Status `json:"status"`
}

// DetectedObject is a detection in source image pixels.
type DetectedObject struct {
	Box        models.Box `json:"box"`
	ModelBox   models.Box `json:"model_box"`
	Confidence float32    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label"`
}

type DetectResponse struct {
	RequestID  string                        `json:"request_id"`
	Count      int                           `json:"count"`
	Message    string                        `json:"message"`
	Width      int                           `json:"width"`
	Height     int                           `json:"height"`
	Detections []DetectedObject              `json:"detections"`
	Screen     []models.ScreenBox            `json:"screen,omitempty"`
	Transform  detections.LetterboxTransform `json:"transform"`
	Layout     string                        `json:"layout"`
	Timings    *models.ProcessingTimings     `json:"timings,omitempty"`
}

func (s *AppState) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/scanner/start", s.handleStart).Methods("POST")
	r.HandleFunc("/scanner/stop", s.handleStop).Methods("POST")
	r.HandleFunc("/scanner/toggle", s.handleToggle).Methods("POST")
	r.HandleFunc("/scanner/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/detections/latest", s.handleLatest).Methods("GET")
	r.HandleFunc("/detections/stream", s.handleDetectionsStream).Methods("GET")
	r.HandleFunc("/overlay.png", s.handleOverlay).Methods("GET")
	r.HandleFunc("/detect", s.handleDetect).Methods("POST")
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/pool", s.handlePool).Methods("GET")
	r.Handle("/metrics", s.Metrics.Handler()).Methods("GET")
}

func (s *AppState) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.Scanner.Start(r.Context()); err != nil {
		sendErrorResponse(w, "start_failed", err.Error(), s.Scanner.Status().Message, http.StatusServiceUnavailable)
		return
	}
	sendJSON(w, http.StatusOK, ScannerResponse{Message: MsgScannerStarted, Status: s.Scanner.Status()})
}

func (s *AppState) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.Scanner.Stop()
	sendJSON(w, http.StatusOK, ScannerResponse{Message: MsgScannerStopped, Status: s.Scanner.Status()})
}

func (s *AppState) handleToggle(w http.ResponseWriter, r *http.Request) {
	if err := s.Scanner.Toggle(r.Context()); err != nil {
		sendErrorResponse(w, "start_failed", err.Error(), s.Scanner.Status().Message, http.StatusServiceUnavailable)
		return
	}
	st := s.Scanner.Status()
	msg := MsgScannerStopped
	if st.State == scanner.StateRunning {
		msg = MsgScannerStarted
	}
	sendJSON(w, http.StatusOK, ScannerResponse{Message: msg, Status: st})
}

func (s *AppState) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.Scanner.Status())
}

func (s *AppState) handleLatest(w http.ResponseWriter, _ *http.Request) {
	latest := s.Scanner.Latest()
	if latest == nil {
		sendErrorResponse(w, "no_frame", MsgNoFrameYet, "", http.StatusNotFound)
		return
	}
	sendJSON(w, http.StatusOK, latest)
}

func (s *AppState) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendErrorResponse(w, "streaming_unsupported", "Streaming unsupported", "", http.StatusInternalServerError)
		return
	}

	b := s.Scanner.Broadcaster()
	id, events := b.Subscribe()
	defer b.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if latest := s.Scanner.Latest(); latest != nil {
		if ev, err := scanner.NewEvent(latest); err == nil {
			if err := writeEvent(w, ev, useProtobuf); err != nil {
				return
			}
			flusher.Flush()
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev, useProtobuf); err != nil {
				s.Logger.Debugw("Stream client gone", "client", id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev *scanner.Event, useProtobuf bool) error {
	data := ev.JSONData
	if useProtobuf {
		data = ev.ProtobufData
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: frame\ndata: %s\n\n", ev.Sequence, data)
	return err
}

func (s *AppState) handleOverlay(w http.ResponseWriter, r *http.Request) {
	frame, drawn, latest := s.Scanner.Snapshot()
	if latest == nil {
		sendErrorResponse(w, "no_frame", MsgNoFrameYet, "", http.StatusNotFound)
		return
	}

	cfg := s.Scanner.Config()
	var hud []string
	if cfg.ShowHUD {
		hud = s.Scanner.HUD()
	}

	var (
		img image.Image
		err error
	)
	withFrame, _ := strconv.ParseBool(r.URL.Query().Get("frame"))
	switch {
	case withFrame:
		img, err = s.Renderer.RenderFrame(cfg.Surface, frame, latest.Display, latest.Screen, hud)
	case drawn != nil:
		img = drawn
	default:
		img, err = s.Renderer.Render(cfg.Surface, latest.Screen, hud)
	}
	if err != nil {
		sendErrorResponse(w, "render_error", err.Error(), "", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		sendErrorResponse(w, "render_error", err.Error(), "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := uuid.NewString()
	timings := &models.ProcessingTimings{RequestID: requestID}
	ctx := r.Context()
	s.Metrics.OneShotRequests.Add(1)

	imgBytes, err := readImagePayload(w, r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), "", http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", err.Error(), http.StatusBadRequest)
		return
	}

	viewport, clip, err := viewportFromQuery(r, img.Bounds())
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), "", http.StatusBadRequest)
		return
	}

	det, err := s.Scanner.Detector(ctx)
	if err != nil {
		sendErrorResponse(w, "model_unavailable", err.Error(), "", http.StatusServiceUnavailable)
		return
	}

	result, err := det.Detect(ctx, img, timings)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, detections.ErrSessionClosed) || errors.Is(err, errAcquireTimeout) {
			status = http.StatusServiceUnavailable
		}
		sendErrorResponse(w, "processing_error", err.Error(), "", status)
		return
	}

	mapStart := time.Now()
	mapper, err := detections.NewMapper(result.Transform, viewport, clip)
	if err != nil {
		sendErrorResponse(w, "processing_error", err.Error(), "", http.StatusInternalServerError)
		return
	}
	objects := make([]DetectedObject, 0, len(result.Detections))
	for _, d := range result.Detections {
		objects = append(objects, DetectedObject{
			Box:        mapper.ToSourceBox(d.Box),
			ModelBox:   d.Box,
			Confidence: d.Confidence,
			ClassID:    d.ClassID,
			Label:      d.Label,
		})
	}
	resp := DetectResponse{
		RequestID:  requestID,
		Count:      len(objects),
		Message:    getDetectionMessage(result.Detections),
		Width:      img.Bounds().Dx(),
		Height:     img.Bounds().Dy(),
		Detections: objects,
		Transform:  result.Transform,
		Layout:     result.Layout,
		Timings:    timings,
	}
	if r.URL.Query().Has("view_width") {
		resp.Screen = mapper.MapDetections(result.Detections)
	}
	timings.Mapping = time.Since(mapStart)
	timings.Total = time.Since(startTotal)
	s.logTimings(timings)

	sendJSON(w, http.StatusOK, resp)
}

// viewportFromQuery reads view_width, view_height, fit and clip. Without a
// view size the viewport is the image itself.
func viewportFromQuery(r *http.Request, bounds image.Rectangle) (detections.Viewport, bool, error) {
	q := r.URL.Query()
	vp := detections.Viewport{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}

	if v := q.Get("view_width"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return vp, false, fmt.Errorf("invalid view_width %q", v)
		}
		vp.Width = f
	}
	if v := q.Get("view_height"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return vp, false, fmt.Errorf("invalid view_height %q", v)
		}
		vp.Height = f
	}
	fit, err := detections.ParseFitMode(q.Get("fit"))
	if err != nil {
		return vp, false, err
	}
	vp.Fit = fit

	clip := false
	if v := q.Get("clip"); v != "" {
		if clip, err = strconv.ParseBool(v); err != nil {
			return vp, false, fmt.Errorf("invalid clip %q", v)
		}
	}
	return vp, clip, nil
}

func (s *AppState) handlePool(w http.ResponseWriter, _ *http.Request) {
	pool := s.Pool()
	if pool == nil {
		sendJSON(w, http.StatusOK, map[string]interface{}{"loaded": false})
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"loaded": true, "pool": pool.GetMetrics()})
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	s.Logger.Debugw("Processing times",
		"request_id", t.RequestID,
		"image_decode", t.ImageDecode,
		"letterbox", t.Letterbox,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"suppression", t.Suppression,
		"mapping", t.Mapping,
		"total", t.Total)
}

func readImagePayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	data := req.Image
	if i := strings.Index(data, ";base64,"); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+len(";base64,"):]
	}
	if data == "" {
		return nil, errors.New("image field is empty")
	}
	return base64.StdEncoding.DecodeString(data)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty request body")
	}
	return data, nil
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *AppState) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Logger.Infow("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
