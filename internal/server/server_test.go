package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/vastreel/internal/compositor"
	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/jobs"
	"github.com/wapuda/vastreel/internal/pipeline"
	"github.com/wapuda/vastreel/internal/source"
	"github.com/wapuda/vastreel/internal/vast"
)

type fakeRenderer struct {
	docs    []string
	report  pipeline.Report
	err     error
	version string
}

func (f *fakeRenderer) Run(_ context.Context, doc []byte) (pipeline.Report, error) {
	f.docs = append(f.docs, string(doc))
	if f.err != nil {
		return f.report, &pipeline.Error{Stage: pipeline.StageCompose, Report: f.report, Err: f.err}
	}
	return f.report, nil
}

func (f *fakeRenderer) CompositorVersion() string { return f.version }

func newTestServer(t *testing.T, r *fakeRenderer) (*Server, *config.Config) {
	t.Helper()
	c := config.Default()
	c.DataDir = t.TempDir()
	c.UploadDir = filepath.Join(t.TempDir(), "uploads")
	c.MaxUploadBytes = 1 << 20
	return New(c, source.NewLoader(c), r, "test"), c
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) convertResponse {
	t.Helper()
	var resp convertResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func postForm(h http.Handler, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConvert_Text(t *testing.T) {
	fr := &fakeRenderer{}
	s, c := newTestServer(t, fr)
	fr.report = pipeline.Report{
		JobID:      "01JOB",
		AdMetadata: jobs.AdMetadata{BrandName: "Acme"},
		QRCodePath: filepath.Join(c.DataDir, "01JOB", "qrcode.png"),
		OutputPath: filepath.Join(c.DataDir, "01JOB", "output_Acme.mp4"),
		LogPath:    filepath.Join(c.DataDir, "01JOB", "output_Acme.mp4.log"),
	}

	rec := postForm(s.Router(), url.Values{"vast_input": {"<VAST/>"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode(t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, "/generated/01JOB/qrcode.png", resp.QRCodeURL)
	assert.Equal(t, "/generated/01JOB/output_Acme.mp4", resp.VideoURL)
	assert.Equal(t, "/generated/01JOB/output_Acme.mp4.log", resp.LogURL)
	require.NotNil(t, resp.Report)
	assert.Equal(t, "Acme", resp.Report.BrandName)
	assert.Equal(t, []string{"<VAST/>"}, fr.docs)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestConvert_Upload(t *testing.T) {
	fr := &fakeRenderer{}
	s, c := newTestServer(t, fr)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("vast_file", "tag.xml")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("<VAST>uploaded</VAST>"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/convert", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"<VAST>uploaded</VAST>"}, fr.docs)
	assert.FileExists(t, filepath.Join(c.UploadDir, "tag.xml"))
}

func TestConvert_InputErrors(t *testing.T) {
	fr := &fakeRenderer{}
	s, _ := newTestServer(t, fr)

	rec := postForm(s.Router(), url.Values{"vast_input": {"  "}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "empty_input", decode(t, rec).Kind)

	fetch := httptest.NewServer(http.NotFoundHandler())
	defer fetch.Close()
	rec = postForm(s.Router(), url.Values{"vast_input": {fetch.URL + "/tag.xml"}})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "fetch_error", decode(t, rec).Kind)

	assert.Empty(t, fr.docs)
}

func TestConvert_PipelineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"parse", vast.ErrParse, http.StatusUnprocessableEntity, "parse_error"},
		{"no media", vast.ErrNoMediaFile, http.StatusUnprocessableEntity, "no_media_file"},
		{"no click", vast.ErrNoClickURL, http.StatusUnprocessableEntity, "no_click_url"},
		{"unavailable", compositor.ErrUnavailable, http.StatusServiceUnavailable, "compositor_unavailable"},
		{"timeout", &compositor.RunError{Kind: compositor.ErrTimeout}, http.StatusGatewayTimeout, "timeout"},
		{"failed", &compositor.RunError{Kind: compositor.ErrFailed}, http.StatusInternalServerError, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := &fakeRenderer{err: tt.err}
			s, c := newTestServer(t, fr)
			fr.report = pipeline.Report{
				AdMetadata:  jobs.AdMetadata{Title: "T", BrandName: "B"},
				CommandLine: "ffmpeg -y out.mp4",
				LogPath:     filepath.Join(c.DataDir, "01JOB", "output_B.mp4.log"),
			}

			rec := postForm(s.Router(), url.Values{"vast_input": {"<VAST/>"}})
			assert.Equal(t, tt.status, rec.Code)

			resp := decode(t, rec)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, pipeline.StageCompose, resp.Stage)
			assert.NotEmpty(t, resp.Error)
			require.NotNil(t, resp.Report)
			assert.Equal(t, "B", resp.Report.BrandName)
			assert.Equal(t, "ffmpeg -y out.mp4", resp.Report.CommandLine)
			assert.Equal(t, "/generated/01JOB/output_B.mp4.log", resp.LogURL)
		})
	}
}

func TestArtifact(t *testing.T) {
	s, c := newTestServer(t, &fakeRenderer{})
	require.NoError(t, os.MkdirAll(filepath.Join(c.DataDir, "01JOB"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.DataDir, "01JOB", "qrcode.png"), []byte("png"), 0o644))

	outside := filepath.Join(filepath.Dir(c.DataDir), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(c.DataDir, "01JOB", "link.txt")))

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"file", "/generated/01JOB/qrcode.png", http.StatusOK},
		{"missing", "/generated/01JOB/nope.mp4", http.StatusNotFound},
		{"directory", "/generated/01JOB", http.StatusNotFound},
		{"root", "/generated/", http.StatusNotFound},
		{"dot dot", "/generated/../secret.txt", http.StatusNotFound},
		{"encoded dot dot", "/generated/%2e%2e/secret.txt", http.StatusNotFound},
		{"encoded slash", "/generated/01JOB%2f..%2f..%2fsecret.txt", http.StatusNotFound},
		{"symlink escape", "/generated/01JOB/link.txt", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), "secret")
			if tt.status == http.StatusOK {
				assert.Equal(t, "png", rec.Body.String())
			}
		})
	}
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/data/generated")
	assert.True(t, within(root, filepath.FromSlash("/data/generated/a/b.mp4")))
	assert.True(t, within(root, filepath.FromSlash("/data/generated/..hidden")))
	assert.False(t, within(root, root))
	assert.False(t, within(root, filepath.FromSlash("/data/generated-other/x")))
	assert.False(t, within(root, filepath.FromSlash("/data/x")))
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeRenderer{version: "ffmpeg version 6.1"})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "ffmpeg version 6.1", body["compositor"])
	assert.Equal(t, "test", body["version"])
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakeRenderer{})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
