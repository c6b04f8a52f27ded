// Package transcode converts arbitrary audio files into the 16-bit PCM WAV
// files the playback client streams.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sebas/rtprelay/internal/rtprelay/media"
)

// Transcoder converts input into a 16-bit PCM WAV file and returns the path
// written, which always ends in ".wav".
type Transcoder interface {
	ConvertToWav(ctx context.Context, input, output string) (string, error)
}

// ConversionError reports a failed conversion. There is no retry.
type ConversionError struct {
	Input  string
	Output string
	Cause  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s -> %s: %v", e.Input, e.Output, e.Cause)
}

func (e *ConversionError) Unwrap() error {
	return e.Cause
}

// FFmpeg runs an external ffmpeg binary.
type FFmpeg struct {
	// Path to the binary. Defaults to "ffmpeg" on $PATH.
	Path string

	// Format is the target sample rate and channel count; samples are always pcm_s16le.
	Format media.Format
}

// NewFFmpeg returns an ffmpeg transcoder targeting format.
func NewFFmpeg(path string, format media.Format) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if format == (media.Format{}) {
		format = media.DefaultFormat()
	}
	return &FFmpeg{Path: path, Format: format}
}

// ConvertToWav implements Transcoder.
func (f *FFmpeg) ConvertToWav(ctx context.Context, input, output string) (string, error) {
	out := media.EnsureWAVExt(output)
	args := []string{
		"-y",
		"-i", input,
		"-acodec", "pcm_s16le",
		"-ar", strconv.FormatUint(uint64(f.Format.SampleRate), 10),
		"-ac", strconv.FormatUint(uint64(f.Format.NumChannels), 10),
		out,
	}

	slog.Info("[Transcode] Running ffmpeg", "input", input, "output", out)

	cmd := exec.CommandContext(ctx, f.Path, args...)
	combined, err := cmd.CombinedOutput()
	if err != nil {
		cause := err
		if msg := lastLine(combined); msg != "" {
			cause = fmt.Errorf("%w: %s", err, msg)
		}
		slog.Error("[Transcode] ffmpeg failed", "input", input, "error", cause)
		return "", &ConversionError{Input: input, Output: out, Cause: cause}
	}
	return out, nil
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Auto prefers ffmpeg and falls back to the in-process converter when the
// binary is not installed.
type Auto struct {
	FFmpeg *FFmpeg
	Native *Native
}

// NewAuto builds an Auto transcoder for format.
func NewAuto(ffmpegPath string, format media.Format) *Auto {
	return &Auto{
		FFmpeg: NewFFmpeg(ffmpegPath, format),
		Native: NewNative(format),
	}
}

// ConvertToWav implements Transcoder.
func (a *Auto) ConvertToWav(ctx context.Context, input, output string) (string, error) {
	if _, err := exec.LookPath(a.FFmpeg.Path); err != nil {
		slog.Debug("[Transcode] ffmpeg unavailable, using native converter", "path", a.FFmpeg.Path, "error", err)
		return a.Native.ConvertToWav(ctx, input, output)
	}
	return a.FFmpeg.ConvertToWav(ctx, input, output)
}

var (
	_ Transcoder = (*FFmpeg)(nil)
	_ Transcoder = (*Native)(nil)
	_ Transcoder = (*Auto)(nil)
)
