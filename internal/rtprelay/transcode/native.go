package transcode

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zaf/g711"

	"github.com/sebas/rtprelay/internal/rtprelay/media"
)

// WAVE format tags understood by the native converter.
const (
	formatPCM  = 1
	formatALaw = 6
	formatULaw = 7
)

var errUnsupportedInput = errors.New("unsupported input")

// audioFile is decoded 16-bit little-endian PCM plus its layout.
type audioFile struct {
	SampleRate  uint32
	NumChannels uint16
	PCM         []byte
}

// Native converts in-process. It accepts WAV files carrying 16-bit PCM,
// G.711 µ-law or A-law, and raw G.711 files (.ul/.ulaw/.mulaw/.pcmu at
// 8 kHz, .al/.alaw/.pcma at 8 kHz). Output is mono 16-bit PCM at the
// target sample rate.
type Native struct {
	Format media.Format
}

// NewNative returns a native converter targeting format's sample rate.
func NewNative(format media.Format) *Native {
	if format == (media.Format{}) {
		format = media.DefaultFormat()
	}
	return &Native{Format: format}
}

// ConvertToWav implements Transcoder.
func (n *Native) ConvertToWav(ctx context.Context, input, output string) (string, error) {
	out := media.EnsureWAVExt(output)
	fail := func(err error) (string, error) {
		slog.Error("[Transcode] Native conversion failed", "input", input, "error", err)
		return "", &ConversionError{Input: input, Output: out, Cause: err}
	}

	if n.Format.BitsPerSample != 16 || n.Format.NumChannels != 1 {
		return fail(fmt.Errorf("%w: native target must be 16-bit mono", errUnsupportedInput))
	}

	audio, err := decodeInput(input)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	mono, err := downmix(audio)
	if err != nil {
		return fail(err)
	}
	pcm := resample(mono, audio.SampleRate, n.Format.SampleRate)

	w, err := media.CreateWAVFile(out, n.Format)
	if err != nil {
		return fail(err)
	}
	if _, err := w.Write(pcm); err != nil {
		w.Close()
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}

	slog.Info("[Transcode] Converted",
		"input", input,
		"output", out,
		"from_rate", audio.SampleRate,
		"from_channels", audio.NumChannels,
		"to_rate", n.Format.SampleRate,
		"bytes", len(pcm),
	)
	return out, nil
}

func decodeInput(path string) (*audioFile, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return readWAVFile(path)
	case ".ul", ".ulaw", ".mulaw", ".pcmu":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &audioFile{SampleRate: 8000, NumChannels: 1, PCM: g711.DecodeUlaw(raw)}, nil
	case ".al", ".alaw", ".pcma":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &audioFile{SampleRate: 8000, NumChannels: 1, PCM: g711.DecodeAlaw(raw)}, nil
	default:
		return nil, fmt.Errorf("%w: %q (install ffmpeg for other formats)", errUnsupportedInput, filepath.Ext(path))
	}
}

// readWAVFile walks the RIFF chunks, so files with LIST or fact chunks
// before the data chunk are accepted.
func readWAVFile(path string) (*audioFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)

	var riff struct {
		ID   [4]byte
		Size uint32
		Wave [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Wave[:]) != "WAVE" {
		return nil, fmt.Errorf("not a valid RIFF/WAVE file")
	}

	var (
		tag           uint16
		bitsPerSample uint16
		audio         = &audioFile{}
		haveFmt       bool
	)
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("data chunk not found in WAV file")
			}
			return nil, fmt.Errorf("failed to read chunk header: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			var fmtChunk struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &fmtChunk); err != nil {
				return nil, fmt.Errorf("failed to read format chunk: %w", err)
			}
			if extra := int64(chunk.Size) - 16; extra > 0 {
				if _, err := r.Seek(extra, io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("failed to skip format extension: %w", err)
				}
			}
			tag = fmtChunk.AudioFormat
			bitsPerSample = fmtChunk.BitsPerSample
			audio.SampleRate = fmtChunk.SampleRate
			audio.NumChannels = fmtChunk.NumChannels
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("data chunk before format chunk")
			}
			size := int64(chunk.Size)
			if remaining := int64(r.Len()); size > remaining || size == 0 {
				// streamed writers sometimes leave the size at 0 or 0xFFFFFFFF
				size = remaining
			}
			raw := make([]byte, size)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, fmt.Errorf("failed to read audio data: %w", err)
			}

			switch {
			case tag == formatPCM && bitsPerSample == 16:
				audio.PCM = raw
			case tag == formatULaw:
				audio.PCM = g711.DecodeUlaw(raw)
			case tag == formatALaw:
				audio.PCM = g711.DecodeAlaw(raw)
			default:
				return nil, fmt.Errorf("%w: WAV format %d with %d bits", errUnsupportedInput, tag, bitsPerSample)
			}
			return audio, nil

		default:
			skip := int64(chunk.Size) + int64(chunk.Size&1)
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to skip chunk: %w", err)
			}
		}
	}
}

// downmix averages interleaved 16-bit channels into mono.
func downmix(a *audioFile) ([]byte, error) {
	switch a.NumChannels {
	case 1:
		return a.PCM, nil
	case 0:
		return nil, fmt.Errorf("%w: zero channels", errUnsupportedInput)
	}

	frame := int(a.NumChannels) * 2
	frames := len(a.PCM) / frame
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < int(a.NumChannels); c++ {
			off := i*frame + c*2
			sum += int32(int16(binary.LittleEndian.Uint16(a.PCM[off:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int32(a.NumChannels))))
	}
	return mono, nil
}

// resample converts mono 16-bit PCM between rates by linear interpolation.
func resample(pcm []byte, from, to uint32) []byte {
	if from == to || from == 0 || len(pcm) < 4 {
		return pcm
	}

	inSamples := len(pcm) / 2
	ratio := float64(from) / float64(to)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, outSamples*2)

	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		var v float64
		if idx+1 < inSamples {
			v = sample(idx)*(1-frac) + sample(idx+1)*frac
		} else {
			v = sample(inSamples - 1)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
