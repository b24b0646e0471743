// Package capture screenshots live URLs inside disposable headless-browser
// containers so visual evidence can be collected from deployments that only
// exist behind a link.
package capture

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// ErrInvalidURL rejects capture targets that are not absolute web URLs.
var ErrInvalidURL = errors.New("capture URL must be absolute http or https")

const (
	defaultImage          = "chromedp/headless-shell:latest"
	defaultViewportWidth  = 1920
	defaultViewportHeight = 1080
	defaultFullPageHeight = 3240
	defaultTimeoutSeconds = 30
	defaultMemoryLimitMB  = 1024
	defaultCPULimit       = 1.0
)

// Config controls the capture sandbox.
type Config struct {
	// Image is the headless browser image run per screenshot.
	Image string
	// OutputBasePath is the host directory screenshot files land in.
	OutputBasePath string
	// ViewportWidth and ViewportHeight size the above-the-fold shot.
	ViewportWidth  int
	ViewportHeight int
	// FullPageHeight sizes the window for the full-page shot. Headless
	// shell screenshots the window, so tall pages get a tall window.
	FullPageHeight int
	// TimeoutSeconds bounds each browser container run.
	TimeoutSeconds int
	MemoryLimitMB  int
	CPULimit       float64
}

// DefaultConfig returns the stock capture configuration writing under the
// system temp directory.
func DefaultConfig() Config {
	return Config{
		Image:          defaultImage,
		OutputBasePath: filepath.Join(os.TempDir(), "vibefix-captures"),
		ViewportWidth:  defaultViewportWidth,
		ViewportHeight: defaultViewportHeight,
		FullPageHeight: defaultFullPageHeight,
		TimeoutSeconds: defaultTimeoutSeconds,
		MemoryLimitMB:  defaultMemoryLimitMB,
		CPULimit:       defaultCPULimit,
	}
}

// withDefaults fills zero fields so a partially built config still works.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Image == "" {
		c.Image = defaults.Image
	}
	if c.OutputBasePath == "" {
		c.OutputBasePath = defaults.OutputBasePath
	}
	if c.ViewportWidth == 0 {
		c.ViewportWidth = defaults.ViewportWidth
	}
	if c.ViewportHeight == 0 {
		c.ViewportHeight = defaults.ViewportHeight
	}
	if c.FullPageHeight == 0 {
		c.FullPageHeight = defaults.FullPageHeight
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = defaults.MemoryLimitMB
	}
	if c.CPULimit == 0 {
		c.CPULimit = defaults.CPULimit
	}
	return c
}

// Artifact is one captured screenshot in page order.
type Artifact struct {
	Path     string
	MIMEType string
	Data     []byte
}

// ValidateURL reports whether raw is a capturable absolute web URL.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
