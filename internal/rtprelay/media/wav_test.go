package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWAVHeaderLayout(t *testing.T) {
	h := NewWAVHeader(DefaultFormat())

	assert.Equal(t, "RIFF", string(h[0:4]))
	assert.Equal(t, "WAVE", string(h[8:12]))
	assert.Equal(t, "fmt ", string(h[12:16]))
	assert.Equal(t, "data", string(h[36:40]))

	le := binary.LittleEndian
	assert.Equal(t, uint32(0), le.Uint32(h[4:8]), "ChunkSize placeholder")
	assert.Equal(t, uint32(16), le.Uint32(h[16:20]))
	assert.Equal(t, uint16(1), le.Uint16(h[20:22]))
	assert.Equal(t, uint16(1), le.Uint16(h[22:24]))
	assert.Equal(t, uint32(16000), le.Uint32(h[24:28]))
	assert.Equal(t, uint32(32000), le.Uint32(h[28:32]))
	assert.Equal(t, uint16(2), le.Uint16(h[32:34]))
	assert.Equal(t, uint16(16), le.Uint16(h[34:36]))
	assert.Equal(t, uint32(0), le.Uint32(h[40:44]), "Subchunk2Size placeholder")
}

func TestWAVHeaderStereoRates(t *testing.T) {
	h := NewWAVHeader(Format{SampleRate: 44100, NumChannels: 2, BitsPerSample: 16})
	assert.Equal(t, uint32(176400), binary.LittleEndian.Uint32(h[28:32]))
	assert.Equal(t, uint16(4), binary.LittleEndian.Uint16(h[32:34]))
	assert.Equal(t, Format{SampleRate: 44100, NumChannels: 2, BitsPerSample: 16}, h.Format())
}

func TestWAVHeaderFinalize(t *testing.T) {
	created := NewWAVHeader(DefaultFormat())
	h := created
	h.Finalize(1000)

	assert.Equal(t, uint32(1036), binary.LittleEndian.Uint32(h[4:8]))
	assert.Equal(t, uint32(1000), binary.LittleEndian.Uint32(h[40:44]))
	assert.Equal(t, uint32(1036), h.ChunkSize())
	assert.Equal(t, uint32(1000), h.DataSize())

	// everything else is untouched
	assert.Equal(t, created[0:4], h[0:4])
	assert.Equal(t, created[8:40], h[8:40])
}

func TestParseWAVHeader(t *testing.T) {
	h := NewWAVHeader(DefaultFormat())
	h.Finalize(8)

	parsed, err := ParseWAVHeader(h[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(8), parsed.DataSize())

	_, err = ParseWAVHeader(h[:20])
	assert.True(t, errors.Is(err, ErrInvalidFormat))

	bad := h
	copy(bad[0:4], "RIFX")
	_, err = ParseWAVHeader(bad[:])
	assert.True(t, errors.Is(err, ErrInvalidFormat))
}

func TestFormatValidate(t *testing.T) {
	assert.NoError(t, DefaultFormat().Validate())
	assert.Error(t, Format{SampleRate: 0, NumChannels: 1, BitsPerSample: 16}.Validate())
	assert.Error(t, Format{SampleRate: 8000, NumChannels: 0, BitsPerSample: 16}.Validate())
	assert.Error(t, Format{SampleRate: 8000, NumChannels: 1, BitsPerSample: 12}.Validate())
}

func TestEnsureWAVExt(t *testing.T) {
	assert.Equal(t, "out.wav", EnsureWAVExt("out"))
	assert.Equal(t, "out.wav", EnsureWAVExt("out.wav"))
	assert.Equal(t, "dir/rec.raw.wav", EnsureWAVExt("dir/rec.raw"))
}

// countingSink records writes in memory and counts header rewrites.
type countingSink struct {
	buf      []byte
	writeAts int
	closes   int
}

func (s *countingSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *countingSink) WriteAt(p []byte, off int64) (int, error) {
	s.writeAts++
	copy(s.buf[off:], p)
	return len(p), nil
}

func (s *countingSink) Close() error {
	s.closes++
	return nil
}

func TestWAVWriterFinalizesOnce(t *testing.T) {
	sink := &countingSink{}
	w, err := NewWAVWriter(sink, "mem", DefaultFormat())
	require.NoError(t, err)
	require.Len(t, sink.buf, WAVHeaderSize, "placeholder header written immediately")

	_, err = w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = w.Write([]byte{5, 6})
	require.NoError(t, err)
	assert.Equal(t, uint32(6), w.DataSize())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.Equal(t, 1, sink.writeAts)
	assert.Equal(t, 1, sink.closes)

	h, err := ParseWAVHeader(sink.buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), h.DataSize())
	assert.Equal(t, uint32(42), h.ChunkSize())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, sink.buf[WAVHeaderSize:])

	_, err = w.Write([]byte{7})
	var fileErr *FileIOError
	assert.True(t, errors.As(err, &fileErr))
}

func TestCreateWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.wav")
	w, err := CreateWAVFile(path, DefaultFormat())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(WAVHeaderSize), info.Size())

	_, err = w.Write(bytes.Repeat([]byte{0xAA}, 10))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, WAVHeaderSize+10)
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(data[40:44]))
	assert.Equal(t, uint32(46), binary.LittleEndian.Uint32(data[4:8]))
}

func TestCreateWAVFileBadPath(t *testing.T) {
	_, err := CreateWAVFile(filepath.Join(t.TempDir(), "missing", "rec.wav"), DefaultFormat())
	var fileErr *FileIOError
	require.True(t, errors.As(err, &fileErr))
	assert.Equal(t, "create", fileErr.Op)
}

func TestOpenWAVPayload(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.wav")
	require.NoError(t, os.WriteFile(short, []byte("RIFF"), 0o644))
	_, _, err := OpenWAVPayload(short)
	assert.True(t, errors.Is(err, ErrInvalidFormat))

	path := writeTestWAV(t, dir, "ok.wav", []byte{9, 8, 7})
	f, h, err := OpenWAVPayload(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint32(3), h.DataSize())
	rest := make([]byte, 8)
	n, _ := f.Read(rest)
	assert.Equal(t, []byte{9, 8, 7}, rest[:n])
}

// writeTestWAV writes a finalized 16 kHz mono file holding payload.
func writeTestWAV(t *testing.T, dir, name string, payload []byte) string {
	t.Helper()
	h := NewWAVHeader(DefaultFormat())
	h.Finalize(uint32(len(payload)))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, append(h[:], payload...), 0o644))
	return path
}
