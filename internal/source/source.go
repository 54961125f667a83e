// Package source acquires VAST documents from raw text, uploaded files or
// http(s) URLs.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/wapuda/vastreel/internal/compose"
	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/logx"
)

const defaultFetchTimeout = 10 * time.Second

var (
	ErrEmpty    = errors.New("no VAST content provided")
	ErrFileType = errors.New("file type not allowed")
	ErrTooLarge = errors.New("VAST document too large")
	ErrFetch    = errors.New("fetching VAST URL failed")
)

// Upload is a user-supplied file. Name is the client-side file name and is
// never used as a path without sanitising.
type Upload struct {
	Name string
	Body io.Reader
}

// Input is what a caller submitted. File wins over Text when both are set
// and the file is acceptable.
type Input struct {
	Text string
	File *Upload
}

type Loader struct {
	client    *http.Client
	timeout   time.Duration
	uploadDir string
	maxBytes  int64
	allowed   []string
}

func NewLoader(c *config.Config) *Loader {
	return NewLoaderWithClient(c, &http.Client{})
}

func NewLoaderWithClient(c *config.Config, hc *http.Client) *Loader {
	timeout := c.Fetch.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Loader{
		client:    hc,
		timeout:   timeout,
		uploadDir: c.UploadDir,
		maxBytes:  c.MaxUploadBytes,
		allowed:   c.AllowedExtensions,
	}
}

// Load returns the VAST document bytes for in.
func (l *Loader) Load(ctx context.Context, in Input) ([]byte, error) {
	logger := logx.FromCtx(ctx).With().Str("component", "source").Logger()

	if in.File != nil && in.File.Name != "" {
		if l.Allowed(in.File.Name) {
			return l.FromUpload(ctx, *in.File)
		}
		if strings.TrimSpace(in.Text) == "" {
			return nil, fmt.Errorf("%w: %q (allowed: %s)", ErrFileType, in.File.Name, strings.Join(l.allowed, ", "))
		}
		logger.Warn().Str("file", in.File.Name).Msg("ignoring upload with disallowed extension, using text input")
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
		return l.FromURL(ctx, text)
	}
	return []byte(text), nil
}

// Allowed reports whether name carries one of the configured extensions.
func (l *Loader) Allowed(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	return slices.Contains(l.allowed, strings.ToLower(name[i+1:]))
}

// FromUpload saves the upload under a sanitised name in the upload
// directory and returns its contents.
func (l *Loader) FromUpload(ctx context.Context, u Upload) ([]byte, error) {
	if !l.Allowed(u.Name) {
		return nil, fmt.Errorf("%w: %q", ErrFileType, u.Name)
	}
	body, err := l.readLimited(u.Body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmpty
	}

	if err := os.MkdirAll(l.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(l.uploadDir, compose.SafeName(u.Name))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, fmt.Errorf("saving upload: %w", err)
	}
	logger := logx.FromCtx(ctx)
	logger.Info().Str("component", "source").Str("path", path).Int("bytes", len(body)).Msg("upload saved")
	return body, nil
}

// FromURL downloads a VAST document. Transport errors and non-2xx replies
// are reported as ErrFetch.
func (l *Loader) FromURL(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetch, url, resp.Status)
	}
	body, err := l.readLimited(resp.Body)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetch, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmpty
	}
	logger := logx.FromCtx(ctx)
	logger.Debug().Str("component", "source").Str("url", url).Int("bytes", len(body)).Msg("VAST fetched")
	return body, nil
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	if l.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > l.maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, l.maxBytes)
	}
	return body, nil
}
