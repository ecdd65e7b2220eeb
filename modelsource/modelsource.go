// Package modelsource loads the detector weights from an ordered list of
// candidate locations: local paths first, then HTTP(S) mirrors.
package modelsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrModelUnavailable is returned when every candidate failed.
var ErrModelUnavailable = errors.New("model unavailable from all sources")

const (
	DefaultMaxBytes = 256 << 20
	DefaultTimeout  = 60 * time.Second
)

// DefaultCandidates mirrors the page's lookup order.
var DefaultCandidates = []string{
	"./yolov8n.onnx",
	"https://raw.githubusercontent.com/keirduffy25/V-Scanner/refs/heads/main/yolov8n.onnx",
}

type Kind int

const (
	KindLocal Kind = iota
	KindCache
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindCache:
		return "cache"
	case KindRemote:
		return "cdn"
	}
	return "unknown"
}

func KindOf(location string) Kind {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return KindRemote
	}
	return KindLocal
}

// Model is a loaded ONNX file.
type Model struct {
	Data     []byte
	Location string
	Kind     Kind
}

// Attempt reports the outcome of one candidate. Err is nil on success.
type Attempt struct {
	Location string
	Kind     Kind
	Err      error
	Elapsed  time.Duration
}

type Loader struct {
	Candidates []string
	// CacheDir, when set, keeps a copy of downloaded models keyed by file name.
	CacheDir  string
	Client    *http.Client
	MaxBytes  int64
	Logger    *zap.SugaredLogger
	OnAttempt func(Attempt)
}

func NewLoader(candidates []string, logger *zap.SugaredLogger) *Loader {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Loader{
		Candidates: candidates,
		Client:     &http.Client{Timeout: DefaultTimeout},
		MaxBytes:   DefaultMaxBytes,
		Logger:     logger,
	}
}

// Load tries each candidate in order and returns the first that succeeds.
func (l *Loader) Load(ctx context.Context) (*Model, error) {
	return l.LoadFunc(ctx, nil)
}

// LoadFunc is Load where a candidate only succeeds once accept returns nil
// for its bytes. An accept error moves on to the next candidate and drops a
// cached copy so the next load downloads it again.
func (l *Loader) LoadFunc(ctx context.Context, accept func(*Model) error) (*Model, error) {
	if len(l.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates configured", ErrModelUnavailable)
	}

	var errs error
	for _, loc := range l.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		model, err := l.loadOne(ctx, loc)
		if err == nil && accept != nil {
			if err = accept(model); err != nil && model.Kind == KindCache {
				if rerr := os.Remove(l.cachePath(loc)); rerr != nil {
					l.Logger.Warnw("Failed to drop cached model", "location", loc, "error", rerr)
				}
			}
		}
		attempt := Attempt{Location: loc, Kind: KindOf(loc), Err: err, Elapsed: time.Since(start)}
		if model != nil {
			attempt.Kind = model.Kind
		}
		if l.OnAttempt != nil {
			l.OnAttempt(attempt)
		}

		if err != nil {
			l.Logger.Warnw("Model candidate failed", "location", loc, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", loc, err))
			continue
		}
		l.Logger.Infow("Model loaded",
			"location", loc,
			"kind", model.Kind,
			"bytes", len(model.Data),
			"elapsed", attempt.Elapsed)
		return model, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, errs)
}

func (l *Loader) loadOne(ctx context.Context, loc string) (*Model, error) {
	if KindOf(loc) == KindLocal {
		data, err := l.readFile(strings.TrimPrefix(loc, "file://"))
		if err != nil {
			return nil, err
		}
		return &Model{Data: data, Location: loc, Kind: KindLocal}, nil
	}

	cached := l.cachePath(loc)
	if cached != "" {
		if data, err := l.readFile(cached); err == nil {
			return &Model{Data: data, Location: loc, Kind: KindCache}, nil
		}
	}

	data, err := l.download(ctx, loc)
	if err != nil {
		return nil, err
	}
	if cached != "" {
		if err := writeAtomic(cached, data); err != nil {
			l.Logger.Warnw("Failed to cache model", "path", cached, "error", err)
		}
	}
	return &Model{Data: data, Location: loc, Kind: KindRemote}, nil
}

func (l *Loader) readFile(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if l.MaxBytes > 0 && info.Size() > l.MaxBytes {
		return nil, fmt.Errorf("model file is %d bytes, limit %d", info.Size(), l.MaxBytes)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("model file is empty")
	}
	return data, nil
}

func (l *Loader) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if l.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, l.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if l.MaxBytes > 0 && int64(len(data)) > l.MaxBytes {
		return nil, fmt.Errorf("model exceeds %d bytes", l.MaxBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("empty response body")
	}
	return data, nil
}

func (l *Loader) cachePath(rawURL string) string {
	if l.CacheDir == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return ""
	}
	return filepath.Join(l.CacheDir, u.Host+"_"+name)
}

func writeAtomic(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".model-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return multierr.Combine(err, tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return multierr.Append(err, os.Remove(tmp.Name()))
	}
	return os.Rename(tmp.Name(), dst)
}
