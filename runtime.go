package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// libraryName returns the ONNX Runtime shared library file name for goos.
func libraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	}
	return "libonnxruntime.so"
}

// libraryCandidates lists where the runtime is looked for, in order.
func libraryCandidates(goos, exeDir string) []string {
	name := libraryName(goos)
	paths := []string{}
	if env := os.Getenv("ONNXRUNTIME_LIB"); env != "" {
		paths = append(paths, env)
	}
	paths = append(paths,
		filepath.Join("lib", name),
		filepath.Join(exeDir, "lib", name),
		filepath.Join(exeDir, name),
	)
	switch goos {
	case "darwin":
		paths = append(paths, "/opt/homebrew/lib/"+name, "/usr/local/lib/"+name)
	case "linux":
		paths = append(paths, "/usr/local/lib/"+name, "/usr/lib/"+name, "/usr/lib/x86_64-linux-gnu/"+name, "/usr/lib/aarch64-linux-gnu/"+name)
	}
	return paths
}

// resolveLibrary returns explicit when set, otherwise the first existing
// candidate.
func resolveLibrary(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("onnxruntime library %s: %w", explicit, err)
		}
		return explicit, nil
	}

	exeDir := "."
	if exe, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exe)
	}
	candidates := libraryCandidates(runtime.GOOS, exeDir)
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("onnxruntime library not found, tried %v", candidates)
}

// initRuntime loads the shared library and initializes the ONNX Runtime
// environment. The returned func tears it down.
func initRuntime(explicit string, logger *zap.SugaredLogger) (func(), error) {
	libPath, err := resolveLibrary(explicit)
	if err != nil {
		return nil, err
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	logger.Infow("ONNX Runtime initialized", "library", libPath)

	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Warnw("Failed to destroy ONNX environment", "error", err)
		}
	}, nil
}
