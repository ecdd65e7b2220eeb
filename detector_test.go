package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/modelsource"
	"github.com/Tutortoise/object-scanner-service/scanner"
)

const validModel = "valid-model"

// strictFactory only builds sessions for validModel bytes.
func strictFactory(rec *sessionRecorder) func([]byte) SessionFactory {
	return func(data []byte) SessionFactory {
		if string(data) != validModel {
			return func() (Session, error) { return nil, errors.New("invalid onnx") }
		}
		return rec.factory()
	}
}

func newTestModelLoader(t *testing.T, candidates []string, rec *sessionRecorder) *modelLoader {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	return &modelLoader{
		source:   modelsource.NewLoader(candidates, logger),
		factory:  strictFactory(rec),
		poolSize: 1,
		pipeline: detections.NewPipeline(detections.DefaultPipelineConfig()),
		logger:   logger,
	}
}

func TestModelLoader_UnusableLocalFallsBackToMirror(t *testing.T) {
	local := filepath.Join(t.TempDir(), "yolov8n.onnx")
	require.NoError(t, os.WriteFile(local, []byte("version https://git-lfs.github.com/spec/v1\n"), 0o644))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(validModel))
	}))
	defer srv.Close()
	mirror := srv.URL + "/yolov8n.onnx"

	rec := &sessionRecorder{}
	loader := newTestModelLoader(t, []string{local, mirror}, rec)

	var hud []string
	det, source, err := loader.LoadDetector(context.Background(), func(line string) { hud = append(hud, line) })
	require.NoError(t, err)
	defer det.Close()

	assert.Equal(t, mirror, source)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, rec.created())
	assert.Equal(t, 1, loader.Size())
	assert.Equal(t, []string{
		scanner.MsgLoadingFrom("local", local),
		"× (local) failed to create model session pool: failed to initialize session 0: invalid onnx",
		scanner.MsgLoadingFrom("cdn", mirror),
		scanner.MsgLoadedFrom("cdn"),
	}, hud)

	res, err := det.Detect(context.Background(), whiteImage(128, 128), nil)
	require.NoError(t, err)
	assert.Len(t, res.Detections, 1)
}

func TestModelLoader_AllCandidatesUnusable(t *testing.T) {
	local := filepath.Join(t.TempDir(), "yolov8n.onnx")
	require.NoError(t, os.WriteFile(local, []byte("truncated"), 0o644))
	missing := filepath.Join(t.TempDir(), "absent.onnx")

	rec := &sessionRecorder{}
	loader := newTestModelLoader(t, []string{local, missing}, rec)

	_, _, err := loader.LoadDetector(context.Background(), func(string) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, modelsource.ErrModelUnavailable)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "invalid onnx")
	assert.Zero(t, loader.Size())
}
