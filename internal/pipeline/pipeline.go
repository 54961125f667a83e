// Package pipeline turns a VAST document into a composited video, one
// stage after another. Any terminal stage failure stops the run and is
// returned as *Error carrying everything extracted so far.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/wapuda/vastreel/internal/brand"
	"github.com/wapuda/vastreel/internal/clickurl"
	"github.com/wapuda/vastreel/internal/compose"
	"github.com/wapuda/vastreel/internal/compositor"
	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/deliver"
	"github.com/wapuda/vastreel/internal/jobs"
	"github.com/wapuda/vastreel/internal/logx"
	"github.com/wapuda/vastreel/internal/metrics"
	"github.com/wapuda/vastreel/internal/qr"
	"github.com/wapuda/vastreel/internal/vast"
)

const snippetLen = 1000

type Stage string

const (
	StageParse      Stage = "parse"
	StageCompositor Stage = "compositor"
	StageQR         Stage = "qr"
	StageCompose    Stage = "compose"
)

// Resolver finds the final destination of a click URL. It never fails.
type Resolver interface {
	Resolve(ctx context.Context, raw string) clickurl.Resolution
}

// Locator finds a usable compositor. Implementations must not spawn a
// process when no candidate executable exists.
type Locator func(ctx context.Context) (compositor.Runner, error)

// ProbeLocator locates the compositor with compositor.Probe.
func ProbeLocator(c config.Compositor) Locator {
	return func(ctx context.Context) (compositor.Runner, error) {
		bin, err := compositor.Probe(ctx, c)
		if err != nil {
			return nil, err
		}
		return compositor.NewExecutor(bin), nil
	}
}

// Report is returned with every run, successful or not.
type Report struct {
	JobID string `json:"job_id"`
	jobs.AdMetadata
	IntermediateURL string           `json:"intermediate_url,omitempty"`
	Resolution      clickurl.Outcome `json:"resolution,omitempty"`
	QRCodePath      string           `json:"qr_code_path,omitempty"`
	OutputPath      string           `json:"output_path,omitempty"`
	LogPath         string           `json:"log_path,omitempty"`
	CommandLine     string           `json:"command_line,omitempty"`
	CompositorLog   string           `json:"compositor_log,omitempty"`
	TimedOut        bool             `json:"timed_out,omitempty"`
	Delivered       bool             `json:"delivered,omitempty"`
	VASTSnippet     string           `json:"vast_snippet,omitempty"`
}

// Error is a terminal stage failure.
type Error struct {
	Stage  Stage
	Report Report
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

type Pipeline struct {
	dataDir  string
	builder  *compose.Builder
	resolver Resolver
	locate   Locator
	notifier deliver.Notifier

	mu     sync.Mutex
	runner compositor.Runner
}

// New returns a pipeline. runner may be nil, in which case locate is
// consulted on every run until it succeeds. notifier may be nil.
func New(c *config.Config, resolver Resolver, runner compositor.Runner, locate Locator, notifier deliver.Notifier) *Pipeline {
	return &Pipeline{
		dataDir:  c.DataDir,
		builder:  compose.NewBuilder(c),
		resolver: resolver,
		locate:   locate,
		notifier: notifier,
		runner:   runner,
	}
}

// CompositorVersion returns "" until a compositor has been located.
func (p *Pipeline) CompositorVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runner == nil {
		return ""
	}
	return p.runner.Version()
}

// Run processes one VAST document under a fresh job id.
func (p *Pipeline) Run(ctx context.Context, doc []byte) (Report, error) {
	id := jobs.NewID()
	ctx = logx.WithJob(ctx, id)
	logger := logx.FromCtx(ctx).With().Str("component", "pipeline").Logger()

	rep, err := p.run(ctx, id, doc)
	outcome := Outcome(err)
	metrics.IncreasePipelineRunsMetric(outcome)
	if err != nil {
		logger.Error().Err(err).Str("event", "pipeline.failed").Str("outcome", outcome).Msg("pipeline failed")
		return rep, err
	}
	logger.Info().Str("event", "pipeline.done").Str("output", rep.OutputPath).Msg("pipeline finished")
	return rep, nil
}

func (p *Pipeline) run(ctx context.Context, id string, doc []byte) (Report, error) {
	logger := logx.FromCtx(ctx).With().Str("component", "pipeline").Logger()
	rep := Report{JobID: id, VASTSnippet: snippet(doc)}
	fail := func(stage Stage, err error) (Report, error) {
		return rep, &Error{Stage: stage, Report: rep, Err: err}
	}

	ad, err := vast.Parse(doc)
	rep.AdMetadata = ad.Metadata()
	if ad.Title != "" {
		rep.BrandName = brand.Extract(ad.Title)
	}
	if err != nil {
		return fail(StageParse, err)
	}
	logger.Info().Str("title", rep.Title).Str("brand", rep.BrandName).Str("media", rep.MediaFileURL).Msg("VAST parsed")

	runner, err := p.compositor(ctx)
	if err != nil {
		return fail(StageCompositor, err)
	}

	res := p.resolver.Resolve(ctx, rep.RawClickthroughURL)
	metrics.IncreaseClickResolutionsMetric(string(res.Outcome))
	rep.IntermediateURL = res.Intermediate
	rep.Resolution = res.Outcome
	rep.FinalResolvedURL = res.Final
	logger.Info().Str("raw", rep.RawClickthroughURL).Str("final", res.Final).Str("outcome", string(res.Outcome)).Msg("click url resolved")

	a := compose.ArtifactsFor(p.dataDir, id, rep.BrandName)
	if err := qr.Write(rep.RawClickthroughURL, a.QR); err != nil {
		return fail(StageQR, err)
	}
	rep.QRCodePath = a.QR

	job := p.builder.Build(id, rep.AdMetadata, a)
	logger.Debug().Str("filter_graph", job.FilterGraph).Msg("composition job built")

	result, err := runner.Run(ctx, job)
	rep.CommandLine = result.CommandLine
	rep.LogPath = result.LogPath
	rep.TimedOut = result.TimedOut
	rep.CompositorLog = readLog(result.LogPath)
	metrics.ObserveCompositionDuration(Outcome(err), result.Duration)
	if err != nil {
		return fail(StageCompose, err)
	}
	rep.OutputPath = result.OutputPath

	if p.notifier != nil {
		if err := p.notifier.Deliver(ctx, rep.AdMetadata, rep.OutputPath); err != nil {
			logger.Warn().Err(err).Msg("delivery failed")
		} else {
			rep.Delivered = true
		}
	}
	return rep, nil
}

func (p *Pipeline) compositor(ctx context.Context) (compositor.Runner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runner != nil {
		return p.runner, nil
	}
	if p.locate == nil {
		return nil, compositor.ErrUnavailable
	}
	r, err := p.locate(ctx)
	if err != nil {
		if !errors.Is(err, compositor.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", compositor.ErrUnavailable, err)
		}
		return nil, err
	}
	p.runner = r
	return r, nil
}

// Outcome names the terminal kind of err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, vast.ErrParse):
		return "parse_error"
	case errors.Is(err, vast.ErrNoMediaFile):
		return "no_media_file"
	case errors.Is(err, vast.ErrNoClickURL):
		return "no_click_url"
	case errors.Is(err, compositor.ErrUnavailable):
		return "compositor_unavailable"
	case errors.Is(err, compositor.ErrTimeout):
		return "timeout"
	case errors.Is(err, compositor.ErrFailed):
		return "failed"
	case errors.Is(err, compositor.ErrExecution):
		return "execution_error"
	default:
		return "error"
	}
}

func snippet(doc []byte) string {
	r := []rune(string(doc))
	if len(r) > snippetLen {
		r = r[:snippetLen]
	}
	return string(r)
}

// readLog returns the log artifact, or "" when there is none.
func readLog(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}
