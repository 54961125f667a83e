// Package compose describes the layered ad video as a compositor job:
// inputs, filter graph and encoder settings.
package compose

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/jobs"
	"github.com/wapuda/vastreel/internal/qr"
)

const (
	Framerate   = "23.98"
	OutputLabel = "final_output"

	canvasW, canvasH = 1920, 1080
	qrSide           = 530
	videoW, videoH   = 1164, 654
	videoX, videoY   = 80, 163
	qrX, qrY         = 1317, 163

	textColor   = "white"
	defaultFont = "Sans"
)

// Input indexes, in -i order.
const (
	inBackground = iota
	inQR
	inVideo
)

type Builder struct {
	background string
	fontFile   string
	cta        string
	comp       config.Compositor
}

func NewBuilder(c *config.Config) *Builder {
	return &Builder{
		background: c.BackgroundImage,
		fontFile:   c.FontFile,
		cta:        c.CTAText,
		comp:       c.Compositor,
	}
}

// Artifacts are the per-job file locations.
type Artifacts struct {
	Dir    string
	QR     string
	Output string
	Log    string
}

// ArtifactsFor namespaces every file of a job under root/<id>.
func ArtifactsFor(root, id, brand string) Artifacts {
	dir := filepath.Join(root, id)
	out := filepath.Join(dir, fmt.Sprintf("output_%s.mp4", SafeName(brand)))
	return Artifacts{
		Dir:    dir,
		QR:     filepath.Join(dir, qr.FileName),
		Output: out,
		Log:    out + ".log",
	}
}

// Build lays out background, ad video, QR code and the three text lines.
func (b *Builder) Build(id string, md jobs.AdMetadata, a Artifacts) jobs.CompositionJob {
	job := jobs.CompositionJob{
		ID:                  id,
		BackgroundImagePath: b.background,
		QRImagePath:         a.QR,
		SourceVideoURL:      md.MediaFileURL,
		FontFile:            b.fontFile,
		OverlayTexts: []jobs.OverlayText{
			{Text: md.BrandName, X: 80, Y: 857, FontSize: 45, Color: textColor},
			{Text: DisplayURL(md.RawClickthroughURL, md.FinalResolvedURL), X: 80, Y: 917, FontSize: 30, Color: textColor},
			{Text: b.cta, X: 1332, Y: 723, FontSize: 38, Color: textColor},
		},
		OutputLabel: OutputLabel,
		OutputPath:  a.Output,
		LogPath:     a.Log,
		Framerate:   Framerate,
		LogLevel:    b.comp.LogLevel,
		Timeout:     b.comp.Timeout,
	}
	job.FilterGraph = FilterGraph(job)
	return job
}

// FilterGraph renders the filter_complex script for job. Every free-text
// value passes through EscapeText.
func FilterGraph(job jobs.CompositionJob) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d:v]scale=%d:%d[base_bg];", inBackground, canvasW, canvasH)
	fmt.Fprintf(&sb, "[%d:v]scale=%d:%d[scaled_qr];", inQR, qrSide, qrSide)
	fmt.Fprintf(&sb, "[%d:v]scale=%d:%d[scaled_ad_video];", inVideo, videoW, videoH)
	fmt.Fprintf(&sb, "[base_bg][scaled_ad_video]overlay=x=%d:y=%d[video_on_bg];", videoX, videoY)
	fmt.Fprintf(&sb, "[video_on_bg][scaled_qr]overlay=x=%d:y=%d:shortest=1[with_qr];", qrX, qrY)
	sb.WriteString("[with_qr]")

	font := "font=" + defaultFont
	if job.FontFile != "" {
		font = "fontfile=" + EscapeText(job.FontFile)
	}
	for i, t := range job.OverlayTexts {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "drawtext=%s:text=%s:expansion=none:fontcolor=%s:fontsize=%d:x=%d:y=%d",
			font, EscapeText(strings.TrimSpace(t.Text)), t.Color, t.FontSize, t.X, t.Y)
	}
	if len(job.OverlayTexts) == 0 {
		sb.WriteString("null")
	}
	fmt.Fprintf(&sb, "[%s]", job.OutputLabel)
	return sb.String()
}

// Args is the compositor argument list. It is passed straight to the child
// process and never parsed by a shell.
func Args(job jobs.CompositionJob, filterScript string) []string {
	logLevel := job.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	return []string{
		"-y",
		"-loglevel", logLevel,
		"-loop", "1", "-r", job.Framerate, "-i", job.BackgroundImagePath,
		"-loop", "1", "-r", job.Framerate, "-i", job.QRImagePath,
		"-i", job.SourceVideoURL,
		"-filter_complex_script", filterScript,
		"-map", "[" + job.OutputLabel + "]",
		"-map", fmt.Sprintf("%d:a?", inVideo),
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "aac", "-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-r", job.Framerate,
		"-shortest",
		"-movflags", "+faststart",
		job.OutputPath,
	}
}
