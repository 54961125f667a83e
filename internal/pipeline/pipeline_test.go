package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/vastreel/internal/clickurl"
	"github.com/wapuda/vastreel/internal/compositor"
	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/jobs"
	"github.com/wapuda/vastreel/internal/vast"
)

const scenarioA = `<VAST version="3.0">
  <Ad id="1"><InLine>
    <AdTitle>Campaign_OMD_Acme_Spring</AdTitle>
    <Creatives><Creative><Linear>
      <MediaFiles>
        <MediaFile type="video/webm">https://example.com/ad.webm</MediaFile>
        <MediaFile type="video/mp4"><![CDATA[ https://example.com/ad.mp4 ]]></MediaFile>
      </MediaFiles>
      <VideoClicks>
        <ClickThrough>https://track.example.com/go?click=https%3A%2F%2Facme.com%2Flanding</ClickThrough>
      </VideoClicks>
    </Linear></Creative></Creatives>
  </InLine></Ad>
</VAST>`

const noMedia = `<VAST><Ad><InLine><AdTitle>Campaign_OMD_Acme_Spring</AdTitle>
  <MediaFile type="video/webm">https://example.com/ad.webm</MediaFile>
  <ClickThrough>https://t.example/x</ClickThrough>
</InLine></Ad></VAST>`

type fakeResolver struct {
	calls int
	final string
}

func (f *fakeResolver) Resolve(_ context.Context, raw string) clickurl.Resolution {
	f.calls++
	inter, _ := clickurl.ExtractIntermediate(raw)
	final := f.final
	if final == "" {
		final = raw
	}
	return clickurl.Resolution{Intermediate: inter, Final: final, Outcome: clickurl.OutcomeResolved}
}

type fakeRunner struct {
	jobs []jobs.CompositionJob
	err  error
}

func (f *fakeRunner) Version() string { return "ffmpeg version test" }

func (f *fakeRunner) Run(_ context.Context, job jobs.CompositionJob) (jobs.ExecutionResult, error) {
	f.jobs = append(f.jobs, job)
	res := jobs.ExecutionResult{CommandLine: "ffmpeg -y " + job.OutputPath, LogPath: job.LogPath}
	if err := os.WriteFile(job.LogPath, []byte("COMMAND: "+res.CommandLine+"\n"), 0o644); err != nil {
		return res, err
	}
	if f.err != nil {
		res.ExitCode = 1
		return res, f.err
	}
	if err := os.WriteFile(job.OutputPath, []byte("mp4"), 0o644); err != nil {
		return res, err
	}
	res.OutputPath = job.OutputPath
	return res, nil
}

type fakeNotifier struct {
	videos []string
	err    error
}

func (f *fakeNotifier) Deliver(_ context.Context, _ jobs.AdMetadata, path string) error {
	f.videos = append(f.videos, path)
	return f.err
}

func testConfig(t *testing.T) *config.Config {
	c := config.Default()
	c.DataDir = t.TempDir()
	c.BackgroundImage = "/srv/bg.jpg"
	return c
}

func files(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			out = append(out, path)
		}
		return err
	}))
	return out
}

func TestRun_Success(t *testing.T) {
	c := testConfig(t)
	res := &fakeResolver{final: "https://acme.com/landing?ref=1"}
	run := &fakeRunner{}
	notify := &fakeNotifier{}

	rep, err := New(c, res, run, nil, notify).Run(context.Background(), []byte(scenarioA))
	require.NoError(t, err)

	assert.Equal(t, "Campaign_OMD_Acme_Spring", rep.Title)
	assert.Equal(t, "Acme", rep.BrandName)
	assert.Equal(t, "https://example.com/ad.mp4", rep.MediaFileURL)
	assert.Equal(t, "https://acme.com/landing", rep.IntermediateURL)
	assert.Equal(t, "https://acme.com/landing?ref=1", rep.FinalResolvedURL)
	assert.Equal(t, clickurl.OutcomeResolved, rep.Resolution)
	assert.NotEmpty(t, rep.JobID)

	jobDir := filepath.Join(c.DataDir, rep.JobID)
	assert.Equal(t, filepath.Join(jobDir, "qrcode.png"), rep.QRCodePath)
	assert.FileExists(t, rep.QRCodePath)
	assert.Equal(t, filepath.Join(jobDir, "output_Acme.mp4"), rep.OutputPath)
	assert.Contains(t, rep.CompositorLog, "COMMAND: ffmpeg -y")
	assert.Equal(t, "ffmpeg -y "+rep.OutputPath, rep.CommandLine)

	require.Len(t, run.jobs, 1)
	job := run.jobs[0]
	assert.Equal(t, rep.JobID, job.ID)
	assert.Equal(t, "acme.com/landing?ref=1", job.OverlayTexts[1].Text)
	assert.Equal(t, "https://example.com/ad.mp4", job.SourceVideoURL)

	assert.Equal(t, []string{rep.OutputPath}, notify.videos)
	assert.True(t, rep.Delivered)
	assert.Equal(t, scenarioA, rep.VASTSnippet)
}

func TestRun_JobsAreIsolated(t *testing.T) {
	c := testConfig(t)
	p := New(c, &fakeResolver{}, &fakeRunner{}, nil, nil)

	first, err := p.Run(context.Background(), []byte(scenarioA))
	require.NoError(t, err)
	second, err := p.Run(context.Background(), []byte(scenarioA))
	require.NoError(t, err)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.NotEqual(t, first.QRCodePath, second.QRCodePath)
	assert.NotEqual(t, first.OutputPath, second.OutputPath)
	assert.FileExists(t, first.OutputPath)
	assert.FileExists(t, second.OutputPath)
}

func TestRun_NoMediaFile(t *testing.T) {
	c := testConfig(t)
	res := &fakeResolver{}
	run := &fakeRunner{}

	rep, err := New(c, res, run, nil, nil).Run(context.Background(), []byte(noMedia))
	require.Error(t, err)
	assert.ErrorIs(t, err, vast.ErrNoMediaFile)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageParse, pe.Stage)
	assert.Equal(t, "Acme", pe.Report.BrandName)
	assert.Equal(t, "Campaign_OMD_Acme_Spring", rep.Title)
	assert.Empty(t, rep.QRCodePath)

	assert.Zero(t, res.calls)
	assert.Empty(t, run.jobs)
	assert.Empty(t, files(t, c.DataDir), "no QR code or composition artifacts expected")
}

func TestRun_ParseError(t *testing.T) {
	c := testConfig(t)

	rep, err := New(c, &fakeResolver{}, &fakeRunner{}, nil, nil).Run(context.Background(), []byte("<VAST><Ad>"))
	assert.ErrorIs(t, err, vast.ErrParse)
	assert.Equal(t, "<VAST><Ad>", rep.VASTSnippet)
	assert.Empty(t, rep.BrandName)
}

func TestRun_CompositorUnavailable(t *testing.T) {
	c := testConfig(t)
	c.Compositor.WellKnownPath = filepath.Join(t.TempDir(), "ffmpeg")
	c.Compositor.Name = "vastreel-no-such-compositor"
	res := &fakeResolver{}

	p := New(c, res, nil, ProbeLocator(c.Compositor), nil)
	rep, err := p.Run(context.Background(), []byte(scenarioA))
	require.Error(t, err)
	assert.ErrorIs(t, err, compositor.ErrUnavailable)
	assert.Contains(t, err.Error(), "FFMPEG_PATH")

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageCompositor, pe.Stage)
	assert.Equal(t, "Acme", rep.BrandName)
	assert.Equal(t, "https://example.com/ad.mp4", rep.MediaFileURL)

	assert.Zero(t, res.calls)
	assert.Empty(t, files(t, c.DataDir))
	assert.Empty(t, p.CompositorVersion())
}

func TestRun_LocatorRecovers(t *testing.T) {
	c := testConfig(t)
	attempts := 0
	run := &fakeRunner{}
	locate := func(context.Context) (compositor.Runner, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("not installed yet")
		}
		return run, nil
	}
	p := New(c, &fakeResolver{}, nil, locate, nil)

	_, err := p.Run(context.Background(), []byte(scenarioA))
	assert.ErrorIs(t, err, compositor.ErrUnavailable)

	_, err = p.Run(context.Background(), []byte(scenarioA))
	require.NoError(t, err)
	_, err = p.Run(context.Background(), []byte(scenarioA))
	require.NoError(t, err)

	assert.Equal(t, 2, attempts)
	assert.Equal(t, "ffmpeg version test", p.CompositorVersion())
}

func TestRun_CompositionTimeout(t *testing.T) {
	c := testConfig(t)
	run := &fakeRunner{err: &compositor.RunError{Kind: compositor.ErrTimeout}}
	notify := &fakeNotifier{}

	rep, err := New(c, &fakeResolver{}, run, nil, notify).Run(context.Background(), []byte(scenarioA))
	assert.ErrorIs(t, err, compositor.ErrTimeout)
	assert.NotErrorIs(t, err, compositor.ErrFailed)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageCompose, pe.Stage)
	assert.NotEmpty(t, pe.Report.CommandLine)
	assert.Contains(t, pe.Report.CompositorLog, "COMMAND:")
	assert.FileExists(t, rep.QRCodePath)
	assert.Empty(t, rep.OutputPath)
	assert.Empty(t, notify.videos)
}

func TestRun_DeliveryFailureIsNotFatal(t *testing.T) {
	c := testConfig(t)
	notify := &fakeNotifier{err: errors.New("chat not found")}

	rep, err := New(c, &fakeResolver{}, &fakeRunner{}, nil, notify).Run(context.Background(), []byte(scenarioA))
	require.NoError(t, err)
	assert.False(t, rep.Delivered)
	assert.Len(t, notify.videos, 1)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "abc", snippet([]byte("abc")))
	long := strings.Repeat("é", 1500)
	assert.Equal(t, strings.Repeat("é", 1000), snippet([]byte(long)))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{vast.ErrParse, "parse_error"},
		{&Error{Stage: StageParse, Err: vast.ErrNoClickURL}, "no_click_url"},
		{compositor.ErrUnavailable, "compositor_unavailable"},
		{&compositor.RunError{Kind: compositor.ErrFailed}, "failed"},
		{&compositor.RunError{Kind: compositor.ErrTimeout}, "timeout"},
		{&compositor.RunError{Kind: compositor.ErrExecution, Cause: context.Canceled}, "execution_error"},
		{errors.New("disk full"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.err))
		})
	}
}
