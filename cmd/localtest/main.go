package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wapuda/vastreel/internal/clickurl"
	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/logx"
	"github.com/wapuda/vastreel/internal/pipeline"
	"github.com/wapuda/vastreel/internal/source"
	"github.com/wapuda/vastreel/internal/version"
)

type RenderOptions struct {
	DataDir    string
	Background string
	FontFile   string
	Timeout    time.Duration
	Output     string
}

func DefaultRenderOptions() *RenderOptions {
	return &RenderOptions{Output: "text"}
}

func (o *RenderOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.DataDir, "out", "o", o.DataDir, "Output directory (defaults to DATA_DIR)")
	fs.StringVar(&o.Background, "background", o.Background, "Background image (defaults to BACKGROUND_IMAGE)")
	fs.StringVar(&o.FontFile, "font", o.FontFile, "Font file for overlay text (defaults to FONT_FILE)")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Compositor timeout (defaults to FFMPEG_TIMEOUT)")
	fs.StringVar(&o.Output, "output", o.Output, "Report format: text or json")
}

func (o *RenderOptions) Validate(args []string) error {
	if len(args) != 1 {
		return errors.New("exactly one input is required: a file path, an http(s) URL, or - for stdin")
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", o.Timeout)
	}
	if o.Output != "text" && o.Output != "json" {
		return fmt.Errorf("unsupported output format %q", o.Output)
	}
	return nil
}

func (o *RenderOptions) apply(c *config.Config) error {
	if o.DataDir != "" {
		dir, err := filepath.Abs(o.DataDir)
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if o.Background != "" {
		c.BackgroundImage = o.Background
	}
	if o.FontFile != "" {
		c.FontFile = o.FontFile
	}
	if o.Timeout > 0 {
		c.Compositor.Timeout = o.Timeout
	}
	return nil
}

func NewRenderCommand() *cobra.Command {
	o := DefaultRenderOptions()
	cmd := &cobra.Command{
		Use:     "localtest [flags] <vast.xml | URL | ->",
		Short:   "Render one VAST tag into a QR-branded video",
		Version: version.Get().String(),
		Args: func(cmd *cobra.Command, args []string) error {
			return o.Validate(args)
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd, args[0])
		},
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *RenderOptions) Run(cmd *cobra.Command, input string) error {
	ctx := cmd.Context()

	c, err := config.Load()
	if err != nil {
		return err
	}
	logx.Setup(logx.FromEnv("localtest"))
	if err := o.apply(c); err != nil {
		return err
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return err
	}

	doc, err := readInput(cmd, source.NewLoader(c), input)
	if err != nil {
		return err
	}

	p := pipeline.New(c, clickurl.New(c.Resolver), nil, pipeline.ProbeLocator(c.Compositor), nil)
	rep, runErr := p.Run(ctx, doc)
	if err := o.print(cmd.OutOrStdout(), rep, runErr); err != nil {
		log.Error().Err(err).Msg("printing report")
	}
	return runErr
}

func readInput(cmd *cobra.Command, l *source.Loader, input string) ([]byte, error) {
	ctx := cmd.Context()
	switch {
	case input == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		return l.Load(ctx, source.Input{Text: string(b)})
	case strings.HasPrefix(input, "http://"), strings.HasPrefix(input, "https://"):
		return l.FromURL(ctx, input)
	default:
		b, err := os.ReadFile(input)
		if err != nil {
			return nil, err
		}
		return l.Load(ctx, source.Input{Text: string(b)})
	}
}

func (o *RenderOptions) print(w io.Writer, rep pipeline.Report, runErr error) error {
	if o.Output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			pipeline.Report
			Error string `json:"error,omitempty"`
		}{rep, errString(runErr)})
	}

	fmt.Fprintf(w, "Job:          %s\n", rep.JobID)
	fmt.Fprintf(w, "Title:        %s\n", rep.Title)
	fmt.Fprintf(w, "Brand:        %s\n", rep.BrandName)
	fmt.Fprintf(w, "Media file:   %s\n", rep.MediaFileURL)
	fmt.Fprintf(w, "Click URL:    %s\n", rep.RawClickthroughURL)
	fmt.Fprintf(w, "Destination:  %s (%s)\n", rep.FinalResolvedURL, rep.Resolution)
	fmt.Fprintf(w, "QR code:      %s\n", rep.QRCodePath)
	fmt.Fprintf(w, "Log:          %s\n", rep.LogPath)
	if rep.CommandLine != "" {
		fmt.Fprintf(w, "Command:      %s\n", rep.CommandLine)
	}
	if runErr != nil {
		_, err := fmt.Fprintf(w, "Error:        %v\n", runErr)
		return err
	}
	_, err := fmt.Fprintf(w, "Generated:    %s\n", rep.OutputPath)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRenderCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
