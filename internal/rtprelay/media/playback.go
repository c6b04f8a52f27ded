package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultPacketSize is the payload bytes per packet.
	DefaultPacketSize = 160

	// DefaultPacketInterval is the delay between a completed send and the next one.
	DefaultPacketInterval = 20 * time.Millisecond
)

// PlayerConfig configures a Player.
type PlayerConfig struct {
	// Dest is the host:port packets are sent to.
	Dest string

	// PayloadType is carried in every packet header.
	PayloadType uint8

	// Format determines the timestamp step (payload bytes / bytes per sample)
	// and the packet duration used for the pacing sanity check.
	Format Format

	// Interval is the fixed delay after each completed send. Defaults to 20ms.
	Interval time.Duration

	// SSRC for the stream. Zero picks a random one.
	SSRC uint32

	// Metrics records packet counters. Optional.
	Metrics *Metrics
}

// Player sends the payload region of one WAV file as paced RTP packets.
// A Player owns its socket and is single-use: the socket closes when the
// file is exhausted, a send fails, or Stop is called.
type Player struct {
	dest       *net.UDPAddr
	conn       *net.UDPConn
	format     Format
	interval   time.Duration
	packetizer *Packetizer
	metrics    *Metrics

	sent atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
}

// NewPlayer resolves the destination and opens an unconnected UDP socket.
func NewPlayer(cfg PlayerConfig) (*Player, error) {
	if cfg.Format == (Format{}) {
		cfg.Format = DefaultFormat()
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPacketInterval
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = GenerateSSRC()
	}

	dest, err := net.ResolveUDPAddr("udp4", cfg.Dest)
	if err != nil {
		return nil, fmt.Errorf("resolve destination %q: %w", cfg.Dest, err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, &BindError{Addr: "0.0.0.0:0", Cause: err}
	}

	return &Player{
		dest:       dest,
		conn:       conn,
		format:     cfg.Format,
		interval:   cfg.Interval,
		packetizer: NewPacketizer(cfg.SSRC, cfg.PayloadType, cfg.Format.BytesPerSample()),
		metrics:    cfg.Metrics,
		stopCh:     make(chan struct{}),
	}, nil
}

// PlayFile skips the 44-byte header of path and sends the rest in chunks of
// at most packetSize bytes (the last chunk may be shorter). A file no longer
// than the header completes with zero packets. Each send must
// complete before the interval timer for the next one starts. It blocks until
// the file is exhausted (nil), a send fails (*SendError), or Stop / ctx ends
// playback (ErrPlaybackStopped). The socket is closed on return.
func (p *Player) PlayFile(ctx context.Context, path string, packetSize int) error {
	if packetSize <= 0 {
		packetSize = DefaultPacketSize
	}

	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return ErrPlaybackStopped
	}
	p.started = true
	p.mu.Unlock()
	defer p.closeConn()

	file, _, err := OpenWAVPayload(path)
	if errors.Is(err, ErrInvalidFormat) {
		// nothing after the header: complete with zero packets
		slog.Warn("[Playback] File shorter than WAV header, nothing to send", "file", path)
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	p.checkPacing(packetSize)

	p.metrics.playbackStarted()
	defer p.metrics.playbackEnded()

	slog.Info("[Playback] Starting",
		"file", path,
		"dest", p.dest.String(),
		"ssrc", p.packetizer.SSRC(),
		"packet_size", packetSize,
		"interval", p.interval,
	)

	chunk := make([]byte, packetSize)
	timer := time.NewTimer(p.interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if err := p.checkStopped(ctx); err != nil {
			slog.Info("[Playback] Stopped", "file", path, "packets_sent", p.sent.Load())
			return err
		}

		n, rerr := io.ReadFull(file, chunk)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return &FileIOError{Path: path, Op: "read", Cause: rerr}
		}

		if err := p.send(chunk[:n]); err != nil {
			if serr := p.checkStopped(ctx); serr != nil {
				return serr
			}
			p.metrics.sendFailed()
			slog.Error("[Playback] Send failed", "file", path, "packets_sent", p.sent.Load(), "error", err)
			return err
		}

		timer.Reset(p.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-p.stopCh:
		}
	}

	slog.Info("[Playback] Complete", "file", path, "packets_sent", p.sent.Load())
	return nil
}

func (p *Player) send(payload []byte) error {
	data, seq, err := p.packetizer.Packetize(payload)
	if err != nil {
		return &SendError{Addr: p.dest.String(), Sequence: seq, Cause: err}
	}
	if _, err := p.conn.WriteToUDP(data, p.dest); err != nil {
		return &SendError{Addr: p.dest.String(), Sequence: seq, Cause: err}
	}
	p.sent.Add(1)
	p.metrics.packetSent(len(payload))
	return nil
}

func (p *Player) checkStopped(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return ErrPlaybackStopped
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPlaybackStopped, err)
	}
	return nil
}

// checkPacing warns when the packet duration at the configured format does
// not match the pacing interval; 160 bytes is 5ms of 16 kHz 16-bit mono.
func (p *Player) checkPacing(packetSize int) {
	byteRate := p.format.ByteRate()
	if byteRate == 0 {
		return
	}
	packetDur := time.Duration(packetSize) * time.Second / time.Duration(byteRate)
	if packetDur != p.interval {
		slog.Warn("[Playback] Packet duration differs from pacing interval",
			"packet_size", packetSize,
			"sample_rate", p.format.SampleRate,
			"packet_duration", packetDur,
			"interval", p.interval,
		)
	}
}

// Stop halts playback before the next scheduled send and closes the socket.
// Idempotent; safe to call before, during or after PlayFile.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.closeConn()
}

func (p *Player) closeConn() {
	if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("[Playback] Socket close", "error", err)
	}
}

// PacketsSent returns the number of packets sent so far.
func (p *Player) PacketsSent() uint64 {
	return p.sent.Load()
}

// SSRC returns the stream's synchronization source.
func (p *Player) SSRC() uint32 {
	return p.packetizer.SSRC()
}

// LocalAddr returns the address packets are sent from.
func (p *Player) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}
