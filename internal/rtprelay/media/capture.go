package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
)

// Capture server states.
const (
	CaptureStateCreated   = "created"
	CaptureStateListening = "listening"
	CaptureStateClosed    = "closed"
)

const (
	eventListen = "listen"
	eventClose  = "close"

	// defaultReadBufferSize fits any datagram on a standard Ethernet MTU.
	defaultReadBufferSize = 1500
)

// CaptureConfig configures a CaptureServer.
type CaptureConfig struct {
	// Addr is the host:port to bind.
	Addr string

	// Swap16 swaps every pair of payload bytes before delivery, for peers
	// whose 16-bit sample byte order differs from the file's.
	Swap16 bool

	// OutputPath enables recording to a WAV file. ".wav" is appended if missing.
	OutputPath string

	// Sink records to an already open destination instead of creating
	// OutputPath; OutputPath then only names it in logs and errors.
	Sink WAVSink

	// Format is written into the WAV header. Zero value means DefaultFormat.
	Format Format

	// Observer receives lifecycle and data signals. Optional.
	Observer CaptureObserver

	// Metrics records packet counters. Optional.
	Metrics *Metrics

	// ReadBufferSize bounds the datagram size. Defaults to 1500.
	ReadBufferSize int
}

// CaptureStats is a snapshot of capture counters.
type CaptureStats struct {
	Packets  uint64 // datagrams received, including dropped ones
	Dropped  uint64 // datagrams too short to decode
	Lost     uint64 // sequence gaps observed
	DataSize uint64 // payload bytes written to the output
}

// CaptureServer receives RTP over one UDP socket, strips the headers and
// streams the payload into an optional WAV file.
type CaptureServer struct {
	conn     *net.UDPConn
	out      *WAVWriter
	swap16   bool
	observer CaptureObserver
	metrics  *Metrics
	bufSize  int
	state    *fsm.FSM

	// Owned by the receive goroutine.
	tracker *SequenceTracker

	packets  atomic.Uint64
	dropped  atomic.Uint64
	lost     atomic.Uint64
	dataSize atomic.Uint64

	mu        sync.Mutex
	closed    bool
	serving   bool
	done      chan struct{}
	closeDone chan struct{}
}

// NewCaptureServer binds the UDP socket and, if an output path is set,
// creates the WAV file with its placeholder header before any audio arrives.
// A bind failure returns a *BindError and leaves nothing open.
func NewCaptureServer(cfg CaptureConfig) (*CaptureServer, error) {
	if cfg.Observer == nil {
		cfg.Observer = CaptureObserverFuncs{}
	}
	if cfg.Format == (Format{}) {
		cfg.Format = DefaultFormat()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}

	s := &CaptureServer{
		swap16:    cfg.Swap16,
		observer:  cfg.Observer,
		metrics:   cfg.Metrics,
		bufSize:   cfg.ReadBufferSize,
		tracker:   NewSequenceTracker(),
		closeDone: make(chan struct{}),
	}
	s.state = fsm.NewFSM(
		CaptureStateCreated,
		fsm.Events{
			{Name: eventListen, Src: []string{CaptureStateCreated}, Dst: CaptureStateListening},
			{Name: eventClose, Src: []string{CaptureStateCreated, CaptureStateListening}, Dst: CaptureStateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("[Capture] State change", "from", e.Src, "to", e.Dst)
			},
		},
	)

	conn, err := listenUDP(cfg.Addr)
	if err != nil {
		s.closed = true
		_ = s.state.Event(context.Background(), eventClose)
		bindErr := &BindError{Addr: cfg.Addr, Cause: err}
		slog.Error("[Capture] Bind failed", "addr", cfg.Addr, "error", err)
		s.observer.OnError(bindErr)
		return nil, bindErr
	}
	s.conn = conn

	if cfg.OutputPath != "" || cfg.Sink != nil {
		var (
			path = EnsureWAVExt(cfg.OutputPath)
			out  *WAVWriter
			err  error
		)
		if cfg.Sink != nil {
			out, err = NewWAVWriter(cfg.Sink, path, cfg.Format)
		} else {
			out, err = CreateWAVFile(path, cfg.Format)
		}
		if err != nil {
			conn.Close()
			s.closed = true
			_ = s.state.Event(context.Background(), eventClose)
			slog.Error("[Capture] Failed to create output", "file", path, "error", err)
			s.observer.OnError(err)
			return nil, err
		}
		s.out = out
	}

	_ = s.state.Event(context.Background(), eventListen)
	s.metrics.captureOpened()

	addr := conn.LocalAddr()
	slog.Info("[Capture] Listening",
		"addr", addr.String(),
		"swap16", s.swap16,
		"output", s.OutputPath(),
	)
	s.observer.OnListening(addr)

	return s, nil
}

func listenUDP(hostport string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp4", addr)
}

// Serve processes datagrams sequentially until Close is called, ctx ends, or
// a fatal error occurs. It returns ErrServerClosed after a normal close and
// the fatal error otherwise; in both cases the server is closed and the
// output finalized on return.
func (s *CaptureServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.serving {
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	s.serving = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	err := s.receive()
	close(stop)
	close(done)

	if err != nil {
		slog.Error("[Capture] Session failed", "addr", s.conn.LocalAddr().String(), "error", err)
		s.observer.OnError(err)
		if cerr := s.Close(); cerr != nil {
			slog.Error("[Capture] Close after failure", "error", cerr)
		}
		return err
	}
	<-s.closeDone
	return ErrServerClosed
}

func (s *CaptureServer) receive() error {
	buf := make([]byte, s.bufSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		if err := s.handleDatagram(buf[:n], from); err != nil {
			return err
		}
	}
}

// handleDatagram returns only fatal errors; undecodable packets are dropped.
func (s *CaptureServer) handleDatagram(data []byte, from *net.UDPAddr) error {
	count := s.packets.Add(1)

	pkt, err := DecodeRTP(data)
	if err != nil {
		s.dropped.Add(1)
		s.metrics.packetDropped()
		slog.Warn("[Capture] Dropping packet", "from", from.String(), "size", len(data), "error", err)
		return nil
	}

	_, gap := s.tracker.Update(pkt.SequenceNumber)
	if gap > 0 {
		s.lost.Add(uint64(gap))
		slog.Debug("[Capture] Sequence gap", "missing", gap, "seq", pkt.SequenceNumber)
	}

	slog.Debug("[Capture] RTP packet",
		"n", count,
		"from", from.String(),
		"version", pkt.Version,
		"padding", pkt.Padding,
		"extension", pkt.Extension,
		"csrc_count", pkt.CSRCCount,
		"pt", pkt.PayloadType,
		"seq", pkt.SequenceNumber,
		"ts", pkt.Timestamp,
		"ssrc", pkt.SSRC,
		"payload_bytes", len(pkt.Payload),
	)

	payload := pkt.Payload
	if s.swap16 {
		Swap16(payload)
	}

	if s.out != nil {
		n, err := s.out.Write(payload)
		s.dataSize.Add(uint64(n))
		if err != nil {
			return err
		}
	}
	s.metrics.packetReceived(len(payload))

	// buf is reused for the next read
	delivered := make([]byte, len(payload))
	copy(delivered, payload)
	s.observer.OnData(delivered, from)
	return nil
}

// Swap16 swaps each complete pair of bytes in place. A trailing odd byte is left unchanged.
func Swap16(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}

// Close finalizes the WAV header with the final data size, closes the file
// and the socket, and emits OnClose. Safe to call any number of times; only
// the first call has an effect, later calls wait for it to complete. It waits
// for an in-flight datagram to finish.
func (s *CaptureServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.closeDone
		return nil
	}
	s.closed = true
	serving, done := s.serving, s.done
	s.mu.Unlock()

	connErr := s.conn.Close()
	if serving {
		<-done
	}

	var err error
	if s.out != nil {
		if ferr := s.out.Close(); ferr != nil {
			slog.Error("[Capture] Failed to finalize output", "file", s.out.Name(), "error", ferr)
			err = ferr
		}
	}
	if err == nil && connErr != nil && !errors.Is(connErr, net.ErrClosed) {
		err = fmt.Errorf("close socket: %w", connErr)
	}

	_ = s.state.Event(context.Background(), eventClose)
	s.metrics.captureClosed()

	stats := s.Stats()
	slog.Info("[Capture] Closed",
		"addr", s.conn.LocalAddr().String(),
		"packets", stats.Packets,
		"dropped", stats.Dropped,
		"lost", stats.Lost,
		"data_bytes", stats.DataSize,
	)
	s.observer.OnClose()
	close(s.closeDone)
	return err
}

func (s *CaptureServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LocalAddr returns the bound address, with the real port when bound to port 0.
func (s *CaptureServer) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// OutputPath returns the normalized WAV path, or "" when not recording.
func (s *CaptureServer) OutputPath() string {
	if s.out == nil {
		return ""
	}
	return s.out.Name()
}

// State returns the current lifecycle state.
func (s *CaptureServer) State() string {
	return s.state.Current()
}

// Stats returns a snapshot of the capture counters.
func (s *CaptureServer) Stats() CaptureStats {
	return CaptureStats{
		Packets:  s.packets.Load(),
		Dropped:  s.dropped.Load(),
		Lost:     s.lost.Load(),
		DataSize: s.dataSize.Load(),
	}
}
