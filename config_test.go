package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/Tutortoise/object-scanner-service/camera"
	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/overlay"
)

// parseArgs runs the CLI flag set over args and returns the parsed config.
func parseArgs(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var (
		cfg    Config
		cfgErr error
	)
	app := &cli.App{
		Name:  "object-scanner",
		Flags: flags(),
		Action: func(c *cli.Context) error {
			cfg, cfgErr = configFromCLI(c)
			return nil
		},
	}
	if err := app.Run(append([]string{"object-scanner"}, args...)); err != nil {
		return Config{}, err
	}
	return cfg, cfgErr
}

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Defaults(t *testing.T) {
	cfg, err := parseArgs(t)
	require.NoError(t, err)

	want := DefaultConfig()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfig_Flags(t *testing.T) {
	cfg, err := parseArgs(t,
		"--conf", "0.5",
		"--model", "a.onnx",
		"--model", "https://example.com/b.onnx",
		"--fit", "cover",
		"--class-aware",
		"--max-fps", "15",
		"--device", "testdata/frames",
	)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.ConfThreshold)
	assert.Equal(t, []string{"a.onnx", "https://example.com/b.onnx"}, cfg.ModelCandidates)
	assert.Equal(t, "cover", cfg.Fit)
	assert.True(t, cfg.ClassAware)
	assert.Equal(t, 15.0, cfg.MaxFPS)
	assert.Equal(t, "testdata/frames", cfg.Device)
}

func TestConfig_Env(t *testing.T) {
	t.Setenv("SCANNER_POOL_SIZE", "4")
	t.Setenv("SCANNER_ACTIVATION", "sigmoid")
	t.Setenv("DEBUG", "true")

	cfg, err := parseArgs(t)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "sigmoid", cfg.Activation)
	assert.Equal(t, "debug", cfg.Level())
}

func TestConfig_InvalidFlagValue(t *testing.T) {
	_, err := parseArgs(t, "--activation", "softmax")
	assert.Error(t, err)
}

func TestConfig_ValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 0
	cfg.ConfThreshold = 2
	cfg.Fit = "stretch"
	cfg.Facing = "sideways"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)
}

func TestConfig_PipelineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfThreshold = 0.4
	cfg.IouThreshold = 0.6
	cfg.MaxDetections = 10
	cfg.ClassAware = true
	cfg.Activation = "sigmoid"
	cfg.NumClasses = 0

	pc, err := cfg.PipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, float32(0.4), pc.Decode.ConfThreshold)
	assert.Equal(t, detections.ActivationSigmoid, pc.Decode.Activation)
	assert.Equal(t, 0, pc.Decode.NumClasses)
	assert.Equal(t, float32(0.6), pc.NMS.IouThreshold)
	assert.Equal(t, 10, pc.NMS.MaxCount)
	assert.True(t, pc.NMS.ClassAware)
}

func TestConfig_ScannerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device = "file:frames"
	cfg.Facing = "user"
	cfg.ViewWidth, cfg.ViewHeight, cfg.DPR = 390, 844, 3
	cfg.Fit = "cover"
	cfg.Clip = true
	cfg.HUD = false

	sc, err := cfg.ScannerConfig()
	require.NoError(t, err)
	assert.Equal(t, "file:frames", sc.Camera.Device)
	assert.Equal(t, camera.FacingUser, sc.Camera.Facing)
	assert.Equal(t, overlay.Surface{CSSWidth: 390, CSSHeight: 844, DPR: 3}, sc.Surface)
	assert.Equal(t, detections.FitCover, sc.Fit)
	assert.True(t, sc.Clip)
	assert.False(t, sc.ShowHUD)
}

func TestConfig_SessionConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threads = 3
	sc := cfg.SessionConfig()
	assert.Equal(t, detections.DefaultInput, sc.InputName)
	assert.Equal(t, detections.DefaultOutput, sc.OutputName)
	assert.Equal(t, 3, sc.Threads)
}
