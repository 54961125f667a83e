package jobs

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultTitle = "Untitled Ad"
	DefaultBrand = "Default Brand"
)

// AdMetadata is extracted once per VAST document and not modified afterwards.
type AdMetadata struct {
	Title              string `json:"ad_title"`
	BrandName          string `json:"brand_name"`
	MediaFileURL       string `json:"media_file_url"` // always a video/mp4 MediaFile
	RawClickthroughURL string `json:"raw_clickthrough_url,omitempty"`
	FinalResolvedURL   string `json:"final_resolved_url,omitempty"`
}

// OverlayText is one drawtext layer. Text is stored unescaped; escaping
// happens when the filter graph is rendered.
type OverlayText struct {
	Text     string `json:"text"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	FontSize int    `json:"font_size"`
	Color    string `json:"color"`
}

// CompositionJob is consumed exactly once by the compositor.
type CompositionJob struct {
	ID                  string        `json:"id"`
	BackgroundImagePath string        `json:"background_image_path"`
	QRImagePath         string        `json:"qr_image_path"`
	SourceVideoURL      string        `json:"source_video_url"`
	FontFile            string        `json:"font_file,omitempty"` // "" = fontconfig default
	OverlayTexts        []OverlayText `json:"overlay_texts"`
	FilterGraph         string        `json:"filter_graph"`
	OutputLabel         string        `json:"output_label"`
	OutputPath          string        `json:"output_path"`
	LogPath             string        `json:"log_path"`
	Framerate           string        `json:"framerate"`
	LogLevel            string        `json:"log_level"`
	Timeout             time.Duration `json:"timeout"`
}

// ExecutionResult is terminal; it is never retried.
type ExecutionResult struct {
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	CommandLine string        `json:"command_line"`
	OutputPath  string        `json:"output_path,omitempty"` // set only on success
	LogPath     string        `json:"log_path,omitempty"`
	TimedOut    bool          `json:"timed_out"`
	Duration    time.Duration `json:"duration"`
}

// NewID returns a sortable, unique job identifier used to namespace every artifact of a run.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
