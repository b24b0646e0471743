package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/pitabwire/util"
)

const (
	containerShotDir   = "/out"
	stopTimeoutSeconds = 5

	// virtualTimeBudgetMS stands in for a network-idle wait: rendering
	// fast-forwards until the page settles or the budget runs out.
	virtualTimeBudgetMS = 10000

	failureOutputLimit = 500
)

// shotSpec describes one screenshot pass over the page.
type shotSpec struct {
	fileName string
	width    int
	height   int
}

// DockerCapturer captures screenshots by running a headless browser image
// in a throwaway container per shot.
type DockerCapturer struct {
	cfg    Config
	client *client.Client
}

// NewDockerCapturer creates a Docker-backed capture gateway.
func NewDockerCapturer(cfg Config) (*DockerCapturer, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerCapturer{
		cfg:    cfg.withDefaults(),
		client: cli,
	}, nil
}

// Close closes the Docker client.
func (c *DockerCapturer) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Capture navigates a headless browser to pageURL and returns a full-page
// shot followed by an above-the-fold shot. Any failed shot fails the whole
// capture; callers decide whether that aborts their run.
func (c *DockerCapturer) Capture(ctx context.Context, pageURL string) ([]Artifact, error) {
	log := util.Log(ctx)
	startTime := time.Now()

	if err := ValidateURL(pageURL); err != nil {
		return nil, err
	}

	captureID := uuid.NewString()[:8]
	outputDir := filepath.Join(c.cfg.OutputBasePath, "capture-"+captureID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	log.Info("starting url capture",
		"capture_id", captureID,
		"url", pageURL,
		"image", c.cfg.Image,
		"output", outputDir,
	)

	shots := []shotSpec{
		{fileName: "shot-01.png", width: c.cfg.ViewportWidth, height: c.cfg.FullPageHeight},
		{fileName: "shot-02.png", width: c.cfg.ViewportWidth, height: c.cfg.ViewportHeight},
	}

	artifacts := make([]Artifact, 0, len(shots))
	for i, shot := range shots {
		hostPath, err := c.runShot(ctx, captureID, i+1, pageURL, outputDir, shot)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", shot.fileName, err)
		}

		data, err := os.ReadFile(hostPath)
		if err != nil {
			return nil, fmt.Errorf("read screenshot %s: %w", shot.fileName, err)
		}

		artifacts = append(artifacts, Artifact{
			Path:     hostPath,
			MIMEType: "image/png",
			Data:     data,
		})
	}

	log.Info("url capture completed",
		"capture_id", captureID,
		"artifacts", len(artifacts),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	return artifacts, nil
}

// runShot drives one browser container to completion and returns the host
// path of the screenshot it produced.
func (c *DockerCapturer) runShot(
	ctx context.Context,
	captureID string,
	seq int,
	pageURL string,
	outputDir string,
	shot shotSpec,
) (string, error) {
	log := util.Log(ctx)

	containerID, err := c.createContainer(ctx, captureID, seq, pageURL, outputDir, shot)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	defer c.cleanupContainer(ctx, containerID)

	if startErr := c.client.ContainerStart(ctx, containerID, container.StartOptions{}); startErr != nil {
		return "", fmt.Errorf("start container: %w", startErr)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	statusCh, errCh := c.client.ContainerWait(timeoutCtx, containerID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case waitErr := <-errCh:
		if waitErr != nil {
			log.Warn("container wait error, killing container", "error", waitErr)
			_ = c.client.ContainerKill(ctx, containerID, "KILL")
			return "", fmt.Errorf("wait for browser: %w", waitErr)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-timeoutCtx.Done():
		log.Warn("browser timed out, killing container", "capture_id", captureID)
		_ = c.client.ContainerKill(ctx, containerID, "KILL")
		return "", fmt.Errorf("browser timed out after %ds", c.cfg.TimeoutSeconds)
	}

	if exitCode != 0 {
		output, logsErr := c.containerLogs(ctx, containerID)
		if logsErr != nil {
			log.WithError(logsErr).Warn("failed to get browser logs")
			output = "no browser output"
		}
		return "", fmt.Errorf("browser exited with code %d: %s", exitCode, clip(output, failureOutputLimit))
	}

	hostPath := filepath.Join(outputDir, shot.fileName)
	if _, statErr := os.Stat(hostPath); statErr != nil {
		return "", fmt.Errorf("screenshot not produced: %w", statErr)
	}

	return hostPath, nil
}

// createContainer creates one browser container for a single screenshot.
func (c *DockerCapturer) createContainer(
	ctx context.Context,
	captureID string,
	seq int,
	pageURL string,
	outputDir string,
	shot shotSpec,
) (string, error) {
	config := &container.Config{
		Image: c.cfg.Image,
		Cmd:   shotArgs(pageURL, shot),
		Tty:   false,
		Labels: map[string]string{
			"vibefix.capture.id": captureID,
			"vibefix.managed":    "true",
		},
	}

	memoryLimit := int64(c.cfg.MemoryLimitMB) * 1024 * 1024 // Convert MB to bytes
	cpuQuota := int64(c.cfg.CPULimit * 100000)              // CPU quota in microseconds (100000 = 1 CPU)

	// The container keeps its network: it has to reach the page under capture.
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   outputDir,
				Target:   containerShotDir,
				ReadOnly: false,
			},
		},
		Resources: container.Resources{
			Memory:   memoryLimit,
			CPUQuota: cpuQuota,
		},
		AutoRemove: false, // Removed manually after logs are read
	}

	containerName := fmt.Sprintf("vibefix-capture-%s-%02d", captureID, seq)
	resp, err := c.client.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	return resp.ID, nil
}

// shotArgs builds the headless-shell argument list for one screenshot pass.
func shotArgs(pageURL string, shot shotSpec) []string {
	return []string{
		"--no-sandbox",
		"--disable-gpu",
		"--hide-scrollbars",
		"--force-device-scale-factor=2",
		fmt.Sprintf("--window-size=%d,%d", shot.width, shot.height),
		fmt.Sprintf("--virtual-time-budget=%d", virtualTimeBudgetMS),
		"--screenshot=" + path.Join(containerShotDir, shot.fileName),
		pageURL,
	}
}

// containerLogs retrieves combined output from a container.
func (c *DockerCapturer) containerLogs(ctx context.Context, containerID string) (string, error) {
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     false,
		Tail:       "all",
	}

	reader, err := c.client.ContainerLogs(ctx, containerID, options)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, reader); err != nil {
		return "", err
	}

	return stripLogHeaders(buf.Bytes()), nil
}

// stripLogHeaders removes the 8-byte multiplexing header Docker prefixes to
// each log frame. Bytes 4-7 carry the frame size big-endian.
func stripLogHeaders(data []byte) string {
	var result bytes.Buffer
	for len(data) >= 8 {
		frameSize := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])

		data = data[8:]
		if frameSize > len(data) {
			frameSize = len(data)
		}

		result.Write(data[:frameSize])
		data = data[frameSize:]
	}

	// Trailing bytes without a full header are kept as-is.
	if len(data) > 0 {
		result.Write(data)
	}

	return result.String()
}

// cleanupContainer stops and removes a container.
func (c *DockerCapturer) cleanupContainer(ctx context.Context, containerID string) {
	log := util.Log(ctx)

	stopTimeout := stopTimeoutSeconds
	_ = c.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})

	err := c.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: true,
	})
	if err != nil {
		log.WithError(err).Warn("failed to remove container", "container_id", containerID)
	} else {
		log.Debug("container cleaned up", "container_id", containerID)
	}
}

// clip bounds a log excerpt embedded in an error message.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
