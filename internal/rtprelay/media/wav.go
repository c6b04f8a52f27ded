package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE/fmt/data header.
const WAVHeaderSize = 44

// Header byte offsets. Integers are little-endian, unlike the big-endian RTP header.
const (
	offChunkSize     = 4
	offSubchunk1Size = 16
	offAudioFormat   = 20
	offNumChannels   = 22
	offSampleRate    = 24
	offByteRate      = 28
	offBlockAlign    = 32
	offBitsPerSample = 34
	offSubchunk2Size = 40

	pcmSubchunk1Size = 16
	audioFormatPCM   = 1
)

// Format describes linear PCM audio.
type Format struct {
	SampleRate    uint32 `yaml:"sample_rate"`
	NumChannels   uint16 `yaml:"num_channels"`
	BitsPerSample uint16 `yaml:"bits_per_sample"`
}

// DefaultFormat is 16 kHz mono 16-bit PCM.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, NumChannels: 1, BitsPerSample: 16}
}

// Validate checks the format can be expressed in a PCM header.
func (f Format) Validate() error {
	if f.SampleRate == 0 {
		return fmt.Errorf("%w: sample rate is zero", ErrInvalidFormat)
	}
	if f.NumChannels == 0 {
		return fmt.Errorf("%w: channel count is zero", ErrInvalidFormat)
	}
	if f.BitsPerSample == 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("%w: bits per sample %d is not a positive multiple of 8", ErrInvalidFormat, f.BitsPerSample)
	}
	return nil
}

// ByteRate is SampleRate * NumChannels * BitsPerSample / 8.
func (f Format) ByteRate() uint32 {
	return f.SampleRate * uint32(f.NumChannels) * uint32(f.BitsPerSample) / 8
}

// BlockAlign is NumChannels * BitsPerSample / 8.
func (f Format) BlockAlign() uint16 {
	return f.NumChannels * f.BitsPerSample / 8
}

// BytesPerSample is BitsPerSample / 8.
func (f Format) BytesPerSample() int {
	return int(f.BitsPerSample) / 8
}

// WAVHeader is the 44-byte canonical PCM header. ChunkSize and Subchunk2Size
// stay zero until Finalize.
type WAVHeader [WAVHeaderSize]byte

// NewWAVHeader builds a header for f with zero size placeholders.
func NewWAVHeader(f Format) WAVHeader {
	var h WAVHeader
	copy(h[0:4], "RIFF")
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[offSubchunk1Size:], pcmSubchunk1Size)
	binary.LittleEndian.PutUint16(h[offAudioFormat:], audioFormatPCM)
	binary.LittleEndian.PutUint16(h[offNumChannels:], f.NumChannels)
	binary.LittleEndian.PutUint32(h[offSampleRate:], f.SampleRate)
	binary.LittleEndian.PutUint32(h[offByteRate:], f.ByteRate())
	binary.LittleEndian.PutUint16(h[offBlockAlign:], f.BlockAlign())
	binary.LittleEndian.PutUint16(h[offBitsPerSample:], f.BitsPerSample)
	copy(h[36:40], "data")
	return h
}

// Finalize writes ChunkSize = dataSize+36 and Subchunk2Size = dataSize in place.
func (h *WAVHeader) Finalize(dataSize uint32) {
	binary.LittleEndian.PutUint32(h[offChunkSize:], dataSize+36)
	binary.LittleEndian.PutUint32(h[offSubchunk2Size:], dataSize)
}

// ChunkSize returns the RIFF chunk size field.
func (h *WAVHeader) ChunkSize() uint32 {
	return binary.LittleEndian.Uint32(h[offChunkSize:])
}

// DataSize returns the Subchunk2Size field.
func (h *WAVHeader) DataSize() uint32 {
	return binary.LittleEndian.Uint32(h[offSubchunk2Size:])
}

// Format returns the format fields stored in the header.
func (h *WAVHeader) Format() Format {
	return Format{
		SampleRate:    binary.LittleEndian.Uint32(h[offSampleRate:]),
		NumChannels:   binary.LittleEndian.Uint16(h[offNumChannels:]),
		BitsPerSample: binary.LittleEndian.Uint16(h[offBitsPerSample:]),
	}
}

// ParseWAVHeader reads a canonical 44-byte header and checks its tags.
func ParseWAVHeader(b []byte) (WAVHeader, error) {
	var h WAVHeader
	if len(b) < WAVHeaderSize {
		return h, fmt.Errorf("%w: header is %d bytes, need %d", ErrInvalidFormat, len(b), WAVHeaderSize)
	}
	copy(h[:], b)

	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" {
		return h, fmt.Errorf("%w: not a RIFF/WAVE file", ErrInvalidFormat)
	}
	if string(h[12:16]) != "fmt " || string(h[36:40]) != "data" {
		return h, fmt.Errorf("%w: not a canonical 44-byte header", ErrInvalidFormat)
	}
	if binary.LittleEndian.Uint16(h[offAudioFormat:]) != audioFormatPCM {
		return h, fmt.Errorf("%w: only PCM audio format (1) is supported", ErrInvalidFormat)
	}
	return h, nil
}

// EnsureWAVExt appends ".wav" when path does not already end with it.
func EnsureWAVExt(path string) string {
	if strings.HasSuffix(path, ".wav") {
		return path
	}
	return path + ".wav"
}

// WAVSink is the destination of a WAVWriter. *os.File satisfies it.
type WAVSink interface {
	io.Writer
	io.WriterAt
	io.Closer
}

// WAVWriter streams PCM payload after a placeholder header and rewrites the
// header at offset 0 on Close.
type WAVWriter struct {
	name     string
	sink     WAVSink
	header   WAVHeader
	dataSize uint32

	mu     sync.Mutex
	closed bool
}

// CreateWAVFile creates path and writes the 44 placeholder header bytes immediately.
func CreateWAVFile(path string, f Format) (*WAVWriter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, &FileIOError{Path: path, Op: "create", Cause: err}
	}

	w, err := NewWAVWriter(file, path, f)
	if err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// NewWAVWriter writes the placeholder header to sink. name is used in errors and logs.
func NewWAVWriter(sink WAVSink, name string, f Format) (*WAVWriter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	w := &WAVWriter{
		name:   name,
		sink:   sink,
		header: NewWAVHeader(f),
	}
	if _, err := sink.Write(w.header[:]); err != nil {
		return nil, &FileIOError{Path: name, Op: "write", Cause: err}
	}
	return w, nil
}

// Write appends PCM payload bytes and adds them to the running data size.
func (w *WAVWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, &FileIOError{Path: w.name, Op: "write", Cause: os.ErrClosed}
	}

	n, err := w.sink.Write(p)
	w.dataSize += uint32(n)
	if err != nil {
		return n, &FileIOError{Path: w.name, Op: "write", Cause: err}
	}
	return n, nil
}

// DataSize returns the number of payload bytes written so far.
func (w *WAVWriter) DataSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dataSize
}

// Name returns the path or label the writer was created with.
func (w *WAVWriter) Name() string {
	return w.name
}

// Close finalizes the header with the final data size, rewrites it at
// offset 0 and closes the sink. Only the first call does anything.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	w.header.Finalize(w.dataSize)
	if _, err := w.sink.WriteAt(w.header[:], 0); err != nil {
		w.sink.Close()
		return &FileIOError{Path: w.name, Op: "finalize", Cause: err}
	}
	if err := w.sink.Close(); err != nil {
		return &FileIOError{Path: w.name, Op: "close", Cause: err}
	}

	slog.Debug("[WAV] Finalized", "file", w.name, "data_bytes", w.dataSize, "chunk_size", w.header.ChunkSize())
	return nil
}

// OpenWAVPayload opens path and positions the reader at byte 44, the start of
// the payload region. The header is parsed leniently: playback only requires
// the file to be at least a header long.
func OpenWAVPayload(path string) (*os.File, WAVHeader, error) {
	var h WAVHeader

	file, err := os.Open(path)
	if err != nil {
		return nil, h, &FileIOError{Path: path, Op: "read", Cause: err}
	}

	if _, err := io.ReadFull(file, h[:]); err != nil {
		file.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("%w: file shorter than %d-byte header", ErrInvalidFormat, WAVHeaderSize)
		}
		return nil, h, &FileIOError{Path: path, Op: "read", Cause: err}
	}

	if _, err := ParseWAVHeader(h[:]); err != nil {
		slog.Warn("[WAV] Non-canonical header, streaming bytes after offset 44 anyway", "file", path, "error", err)
	}
	return file, h, nil
}
