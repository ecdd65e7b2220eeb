package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/models"
	"github.com/Tutortoise/object-scanner-service/modelsource"
	"github.com/Tutortoise/object-scanner-service/scanner"
)

// PoolDetector runs the detection pipeline on sessions borrowed from a pool.
type PoolDetector struct {
	pool     *ModelSessionPool
	pipeline *detections.Pipeline
}

func NewPoolDetector(pool *ModelSessionPool, pipeline *detections.Pipeline) *PoolDetector {
	return &PoolDetector{pool: pool, pipeline: pipeline}
}

func (d *PoolDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (*detections.Result, error) {
	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	result, err := d.pipeline.ProcessImage(ctx, img, session, timings)
	if errors.Is(err, detections.ErrSessionClosed) {
		d.pool.Discard(session)
		return nil, err
	}
	d.pool.Release(session)
	return result, err
}

func (d *PoolDetector) Close() error {
	return d.pool.Destroy()
}

// modelLoader resolves the model, builds the session pool and hands the
// scanner a PoolDetector. It also reports pool stats for metrics, which read
// zero until a pool exists.
type modelLoader struct {
	source   *modelsource.Loader
	factory  func(onnxData []byte) SessionFactory
	poolSize int
	pipeline *detections.Pipeline
	logger   *zap.SugaredLogger
	mu       sync.Mutex
	pool     *ModelSessionPool
}

func (l *modelLoader) LoadDetector(ctx context.Context, progress func(string)) (scanner.Detector, string, error) {
	l.source.OnAttempt = func(a modelsource.Attempt) {
		progress(scanner.MsgLoadingFrom(a.Kind.String(), a.Location))
		if a.Err != nil {
			progress(scanner.MsgCandidateFailed(a.Kind.String(), a.Err))
			return
		}
		progress(scanner.MsgLoadedFrom(a.Kind.String()))
	}
	defer func() { l.source.OnAttempt = nil }()

	// Sessions are built per candidate so unusable bytes fall through to
	// the next location.
	var pool *ModelSessionPool
	model, err := l.source.LoadFunc(ctx, func(m *modelsource.Model) error {
		p, err := NewModelSessionPool(l.factory(m.Data), l.poolSize, l.logger)
		if err != nil {
			return fmt.Errorf("failed to create model session pool: %w", err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	l.mu.Lock()
	l.pool = pool
	l.mu.Unlock()

	return NewPoolDetector(pool, l.pipeline), model.Location, nil
}

func (l *modelLoader) current() *ModelSessionPool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool
}

func (l *modelLoader) Size() int {
	if p := l.current(); p != nil {
		return p.Size()
	}
	return 0
}

func (l *modelLoader) InUse() int {
	if p := l.current(); p != nil {
		return p.InUse()
	}
	return 0
}

func (l *modelLoader) AcquireFailures() int64 {
	if p := l.current(); p != nil {
		return p.AcquireFailures()
	}
	return 0
}
