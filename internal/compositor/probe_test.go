package compositor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/vastreel/internal/config"
)

func probeConfig(wellKnown, name string) config.Compositor {
	return config.Compositor{
		WellKnownPath: wellKnown,
		Name:          name,
		ProbeTimeout:  2 * time.Second,
	}
}

func TestProbe_WellKnownPath(t *testing.T) {
	bin := fakeCompositor(t, `echo "ffmpeg version 6.1.1 Copyright (c) 2000-2023"; echo "built with clang"`)

	got, err := Probe(context.Background(), probeConfig(bin, "nothing-here"))
	require.NoError(t, err)
	assert.Equal(t, bin, got.Path)
	assert.Equal(t, "ffmpeg version 6.1.1 Copyright (c) 2000-2023", got.Version)
}

func TestProbe_FallsBackToPATH(t *testing.T) {
	bin := fakeCompositor(t, `echo "ffmpeg version n7.0" >&2; exit 1`)
	t.Setenv("PATH", filepath.Dir(bin))

	got, err := Probe(context.Background(), probeConfig("/does/not/exist/ffmpeg", "ffmpeg"))
	require.NoError(t, err)
	assert.Equal(t, bin, got.Path)
	assert.Equal(t, "ffmpeg version n7.0", got.Version)
}

func TestProbe_Absent(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := Probe(context.Background(), probeConfig(filepath.Join(t.TempDir(), "ffmpeg"), "ffmpeg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "FFMPEG_PATH")
}

func TestProbe_SkipsDirectoryAndNonExecutable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	dir := t.TempDir()

	_, err := Probe(context.Background(), probeConfig(dir, "ffmpeg"))
	assert.ErrorIs(t, err, ErrUnavailable)

	plain := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\necho hi\n"), 0o644))
	_, err = Probe(context.Background(), probeConfig(plain, "ffmpeg"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProbe_SilentBinaryRejected(t *testing.T) {
	bin := fakeCompositor(t, `exit 0`)

	_, err := Probe(context.Background(), probeConfig(bin, ""))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "no output")
}

func TestProbe_HangingBinaryRejected(t *testing.T) {
	bin := fakeCompositor(t, `exec sleep 30`)
	c := probeConfig(bin, "")
	c.ProbeTimeout = 200 * time.Millisecond

	_, err := Probe(context.Background(), c)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecutor_Version(t *testing.T) {
	assert.Equal(t, "ffmpeg version 6", NewExecutor(Binary{Path: "/x", Version: "ffmpeg version 6"}).Version())
}
