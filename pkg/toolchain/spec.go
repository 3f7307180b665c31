package toolchain

import (
	"fmt"
	"runtime"
	"strings"
)

// Variant is the accelerator target an engine build supports.
type Variant string

const (
	VariantCPU   Variant = "cpu"
	VariantCUDA  Variant = "cuda"
	VariantMetal Variant = "metal"
	VariantCUDNN Variant = "cudnn"
)

// DefaultVariant returns the baseline variant for the host platform. Callers
// that detect an NVIDIA accelerator typically upgrade to VariantCUDA.
func DefaultVariant() Variant {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return VariantMetal
	}
	return VariantCPU
}

// ParseVariant parses a user-supplied variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(s)); v {
	case VariantCPU, VariantCUDA, VariantMetal, VariantCUDNN:
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown backend variant %q", ErrUnsupported, s)
	}
}

// Platform identifies an OS/architecture pair in GOOS/GOARCH terms.
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// HostPlatform returns the platform of the running process.
func HostPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// Spec is the immutable key identifying one engine build: a release tag, a
// backend variant and a target platform.
type Spec struct {
	// Tag is the engine release tag (e.g. "b4600").
	Tag string `json:"tag"`
	// Variant is the accelerator target.
	Variant Variant `json:"variant"`
	// Platform is the OS/arch the build targets.
	Platform Platform `json:"platform"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Tag, s.Variant, s.Platform)
}

// dirName is the cache subdirectory for this spec. It doubles as the
// cross-process lock name, so distinct specs resolve in parallel.
func (s Spec) dirName() string {
	return fmt.Sprintf("%s-%s-%s-%s", s.Tag, s.Variant, s.Platform.OS, s.Platform.Arch)
}

// Validate checks that the spec names a recognized platform/backend
// combination.
func (s Spec) Validate() error {
	if s.Tag == "" {
		return fmt.Errorf("%w: empty release tag", ErrUnsupported)
	}
	switch s.Platform.OS {
	case "linux", "windows":
		switch s.Variant {
		case VariantCPU, VariantCUDA, VariantCUDNN:
		default:
			return fmt.Errorf("%w: variant %s on %s", ErrUnsupported, s.Variant, s.Platform)
		}
	case "darwin":
		switch s.Variant {
		case VariantCPU, VariantMetal:
		default:
			return fmt.Errorf("%w: variant %s on %s", ErrUnsupported, s.Variant, s.Platform)
		}
	default:
		return fmt.Errorf("%w: platform %s", ErrUnsupported, s.Platform)
	}
	switch s.Platform.Arch {
	case "amd64", "arm64":
	default:
		return fmt.Errorf("%w: architecture %s", ErrUnsupported, s.Platform.Arch)
	}
	return nil
}

// releaseAsset returns the pre-built archive name published for this spec, or
// "" when the project publishes no matching archive and a source build is the
// only option.
func (s Spec) releaseAsset() string {
	switch {
	case s.Platform.OS == "linux" && s.Variant == VariantCPU && s.Platform.Arch == "amd64":
		return fmt.Sprintf("llama-%s-bin-ubuntu-x64.zip", s.Tag)
	case s.Platform.OS == "linux" && s.Variant == VariantCPU && s.Platform.Arch == "arm64":
		return fmt.Sprintf("llama-%s-bin-ubuntu-arm64.zip", s.Tag)
	case s.Platform.OS == "darwin" && s.Platform.Arch == "arm64":
		return fmt.Sprintf("llama-%s-bin-macos-arm64.zip", s.Tag)
	case s.Platform.OS == "darwin" && s.Platform.Arch == "amd64":
		return fmt.Sprintf("llama-%s-bin-macos-x64.zip", s.Tag)
	case s.Platform.OS == "windows" && s.Variant == VariantCUDA && s.Platform.Arch == "amd64":
		return fmt.Sprintf("llama-%s-bin-win-cuda-cu12.4-x64.zip", s.Tag)
	case s.Platform.OS == "windows" && s.Variant == VariantCPU && s.Platform.Arch == "amd64":
		return fmt.Sprintf("llama-%s-bin-win-avx2-x64.zip", s.Tag)
	default:
		return ""
	}
}

// ExecutableName is the engine server binary name for the platform.
func (s Spec) ExecutableName() string {
	if s.Platform.OS == "windows" {
		return "llama-server.exe"
	}
	return "llama-server"
}
