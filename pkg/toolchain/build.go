package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// baseBuildArgs are always passed to the configure step.
var baseBuildArgs = []string{"-DLLAMA_CURL=OFF"}

// buildFromSource downloads the release source archive for spec and builds
// the server target with cmake, leaving the build tree in destDir. It is the
// fallback when no pre-built archive is published for the spec.
func (s *Store) buildFromSource(ctx context.Context, spec Spec, destDir string) error {
	if _, err := exec.LookPath("cmake"); err != nil {
		return fmt.Errorf("cmake not found on PATH: %w", err)
	}

	url := fmt.Sprintf("%s/archive/refs/tags/%s.zip", s.releaseBase, spec.Tag)
	archivePath := filepath.Join(destDir, "src.zip")
	if err := s.downloadFile(ctx, url, archivePath); err != nil {
		return fmt.Errorf("downloading source archive: %w", err)
	}
	if err := extractZip(archivePath, destDir); err != nil {
		return fmt.Errorf("extracting source archive: %w", err)
	}
	if err := os.Remove(archivePath); err != nil {
		return fmt.Errorf("removing source archive: %w", err)
	}

	// GitHub source archives unpack into <repo>-<tag>/.
	srcDir, err := findSourceRoot(destDir)
	if err != nil {
		return err
	}

	configure := []string{"-B", "build"}
	configure = append(configure, baseBuildArgs...)
	switch spec.Variant {
	case VariantCUDA:
		configure = append(configure, "-DGGML_CUDA=ON")
	case VariantCUDNN:
		configure = append(configure, "-DGGML_CUDA=ON", "-DGGML_CUDNN=ON")
	case VariantMetal:
		configure = append(configure, "-DGGML_METAL=ON")
	}
	if err := s.runBuildStep(ctx, srcDir, configure...); err != nil {
		return fmt.Errorf("cmake configure: %w", err)
	}

	jobs := runtime.NumCPU() - 1
	if jobs < 1 {
		jobs = 1
	}
	build := []string{
		"--build", "build",
		"--config", "Release",
		"-j", strconv.Itoa(jobs),
		"-t", "llama-server",
	}
	if err := s.runBuildStep(ctx, srcDir, build...); err != nil {
		return fmt.Errorf("cmake build: %w", err)
	}
	return nil
}

func (s *Store) runBuildStep(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "cmake", args...)
	cmd.Dir = dir
	s.log.Infof("running cmake %s", strings.Join(args, " "))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w\noutput tail:\n%s", err, tailLines(string(output), 20))
	}
	return nil
}

func findSourceRoot(destDir string) (string, error) {
	matches, err := findCMakeLists(destDir)
	if err != nil {
		return "", err
	}
	if matches == "" {
		return "", fmt.Errorf("no CMakeLists.txt found in source archive")
	}
	return matches, nil
}

// findCMakeLists locates the unpacked source root: either destDir itself or
// one of its immediate subdirectories.
func findCMakeLists(destDir string) (string, error) {
	if _, err := os.Stat(filepath.Join(destDir, "CMakeLists.txt")); err == nil {
		return destDir, nil
	}
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(destDir, entry.Name())
		if _, err := os.Stat(filepath.Join(candidate, "CMakeLists.txt")); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
