// Package compositor locates the external video compositor and runs
// composition jobs against it.
package compositor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wapuda/vastreel/internal/config"
)

// Binary is a validated compositor executable.
type Binary struct {
	Path    string
	Version string
}

// Probe checks the well-known path first, then resolves the configured name
// through PATH, and validates the candidate with a version query. Nothing is
// spawned when no candidate exists.
func Probe(ctx context.Context, c config.Compositor) (Binary, error) {
	logger := log.With().Str("component", "compositor").Logger()

	path := ""
	if isExecutable(c.WellKnownPath) {
		path = c.WellKnownPath
	} else {
		logger.Debug().Str("path", c.WellKnownPath).Msg("well-known compositor path not usable, trying PATH")
		if c.Name != "" {
			if p, err := exec.LookPath(c.Name); err == nil {
				path = p
			}
		}
	}
	if path == "" {
		return Binary{}, fmt.Errorf("%w: not found at %s and %q is not on PATH; install ffmpeg or set FFMPEG_PATH",
			ErrUnavailable, c.WellKnownPath, c.Name)
	}

	version, err := queryVersion(ctx, path, c)
	if err != nil {
		return Binary{}, fmt.Errorf("%w: %s -version: %v; ensure ffmpeg is installed correctly or set FFMPEG_PATH",
			ErrUnavailable, path, err)
	}
	logger.Info().Str("path", path).Str("version", version).Msg("compositor validated")
	return Binary{Path: path, Version: version}, nil
}

func queryVersion(ctx context.Context, path string, c config.Compositor) (string, error) {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, c.ProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-version").CombinedOutput()
	if ctx.Err() != nil {
		return "", fmt.Errorf("timed out after %s", c.ProbeTimeout)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}
	// Some builds exit non-zero on -version; any output counts as alive.
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return "", errors.New("produced no output")
	}
	first, _ := bufio.NewReader(bytes.NewReader(out)).ReadString('\n')
	return strings.TrimSpace(first), nil
}

func isExecutable(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode().Perm()&0o111 != 0
}
