package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/rtprelay/internal/rtprelay/media"
	"github.com/sebas/rtprelay/internal/rtprelay/portpool"
	"github.com/sebas/rtprelay/internal/rtprelay/sdp"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// ErrNoRemote is returned when playback has no destination because the
// session has not received any audio yet.
var ErrNoRemote = errors.New("no audio received yet")

// Config holds the settings shared by every session.
type Config struct {
	// BindAddr is the local IP capture sockets bind to.
	BindAddr string
	// AdvertiseAddr is the IP announced in SDP. Defaults to BindAddr.
	AdvertiseAddr string

	RecordingsPath string
	Swap16         bool
	Format         media.Format
	PayloadType    uint8
	PacketSize     int
	PacketInterval time.Duration
	Metrics        *media.Metrics
}

// Session is one capture endpoint plus at most one background playback.
type Session struct {
	ID         string
	CallID     string
	LocalAddr  string
	LocalPort  int
	RTCPPort   int
	OutputPath string
	CreatedAt  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	capture   *media.CaptureServer
	serveDone chan struct{}

	// startMu serializes playback replacement so a concurrent start cannot
	// install a player between another start's stop and install.
	startMu sync.Mutex

	mu           sync.Mutex
	remote       net.Addr
	player       *media.Player
	playbackDone chan struct{}
}

// State returns the capture server's lifecycle state.
func (s *Session) State() string {
	return s.capture.State()
}

// Stats returns the capture counters.
func (s *Session) Stats() media.CaptureStats {
	return s.capture.Stats()
}

// Remote returns the last address audio arrived from, or nil.
func (s *Session) Remote() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Playing reports whether a background playback is running.
func (s *Session) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player != nil
}

// Manager owns capture sessions by ID.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*Session // sessionID -> Session
	callToSession map[string]string   // callID -> sessionID
	portPool      *portpool.PortPool
	cfg           Config
}

// NewManager creates a session manager allocating capture ports from pool.
func NewManager(pool *portpool.PortPool, cfg Config) *Manager {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1"
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.BindAddr
	}
	if cfg.Format == (media.Format{}) {
		cfg.Format = media.DefaultFormat()
	}
	return &Manager{
		sessions:      make(map[string]*Session),
		callToSession: make(map[string]string),
		portPool:      pool,
		cfg:           cfg,
	}
}

// StartCapture binds a capture server on a pooled port recording to
// <recordings>/<sessionID>.wav and returns the session with its SDP. A call
// that already has a session gets the existing one back.
func (m *Manager) StartCapture(callID string) (*Session, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID, exists := m.callToSession[callID]; exists {
		if sess, ok := m.sessions[sessionID]; ok {
			slog.Warn("[SessionMgr] Session already exists for call", "call_id", callID, "session_id", sessionID)
			sdpBody, err := m.buildSDP(sess.LocalPort)
			return sess, sdpBody, err
		}
	}

	rtpPort, rtcpPort, err := m.portPool.Allocate()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate ports: %w", err)
	}

	if m.cfg.RecordingsPath != "" {
		if err := os.MkdirAll(m.cfg.RecordingsPath, 0o755); err != nil {
			m.portPool.Release(rtpPort)
			return nil, nil, &media.FileIOError{Path: m.cfg.RecordingsPath, Op: "create", Cause: err}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:        uuid.New().String(),
		CallID:    callID,
		LocalAddr: m.cfg.AdvertiseAddr,
		LocalPort: rtpPort,
		RTCPPort:  rtcpPort,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		serveDone: make(chan struct{}),
	}

	capture, err := media.NewCaptureServer(media.CaptureConfig{
		Addr:       net.JoinHostPort(m.cfg.BindAddr, strconv.Itoa(rtpPort)),
		Swap16:     m.cfg.Swap16,
		OutputPath: filepath.Join(m.cfg.RecordingsPath, sess.ID+".wav"),
		Format:     m.cfg.Format,
		Metrics:    m.cfg.Metrics,
		Observer: media.CaptureObserverFuncs{
			Data: func(_ []byte, from net.Addr) {
				sess.mu.Lock()
				sess.remote = from
				sess.mu.Unlock()
			},
		},
	})
	if err != nil {
		cancel()
		m.portPool.Release(rtpPort)
		return nil, nil, err
	}
	sess.capture = capture
	sess.OutputPath = capture.OutputPath()

	go func() {
		defer close(sess.serveDone)
		if err := capture.Serve(ctx); err != nil && !errors.Is(err, media.ErrServerClosed) {
			slog.Error("[SessionMgr] Capture ended with error", "session_id", sess.ID, "error", err)
		}
	}()

	m.sessions[sess.ID] = sess
	m.callToSession[callID] = sess.ID

	sdpBody, err := m.buildSDP(rtpPort)
	if err != nil {
		slog.Warn("[SessionMgr] SDP unavailable", "session_id", sess.ID, "error", err)
	}

	slog.Info("[SessionMgr] Capture started",
		"session_id", sess.ID,
		"call_id", callID,
		"local", net.JoinHostPort(sess.LocalAddr, strconv.Itoa(rtpPort)),
		"output", sess.OutputPath,
	)
	return sess, sdpBody, nil
}

func (m *Manager) buildSDP(port int) ([]byte, error) {
	return sdp.BuildCaptureSDP(sdp.CaptureEndpoint{
		Addr:        m.cfg.AdvertiseAddr,
		Port:        port,
		PayloadType: m.cfg.PayloadType,
		Format:      m.cfg.Format,
		Ptime:       m.cfg.PacketInterval,
	})
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// StopCapture stops playback, finalizes the recording and releases the port.
func (m *Manager) StopCapture(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		delete(m.callToSession, sess.CallID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.teardown(sess)
}

func (m *Manager) teardown(sess *Session) error {
	sess.startMu.Lock()
	m.stopPlayback(sess)
	sess.startMu.Unlock()
	err := sess.capture.Close()
	sess.cancel()
	<-sess.serveDone
	m.portPool.Release(sess.LocalPort)

	stats := sess.capture.Stats()
	slog.Info("[SessionMgr] Capture stopped",
		"session_id", sess.ID,
		"call_id", sess.CallID,
		"packets", stats.Packets,
		"data_bytes", stats.DataSize,
	)
	return err
}

// StartPlayback streams file to dest in the background, replacing any
// playback already running on the session. An empty dest sends back to the
// address the session last received audio from. onDone, if set, is called
// with PlayFile's result once playback ends; it must not call back into the
// manager for this session synchronously.
func (m *Manager) StartPlayback(sessionID, file, dest string, onDone func(error)) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if dest == "" {
		remote := sess.Remote()
		if remote == nil {
			return fmt.Errorf("no destination for session %s: %w", sessionID, ErrNoRemote)
		}
		dest = remote.String()
	}

	sess.startMu.Lock()
	defer sess.startMu.Unlock()

	m.stopPlayback(sess)

	player, err := media.NewPlayer(media.PlayerConfig{
		Dest:        dest,
		PayloadType: m.cfg.PayloadType,
		Format:      m.cfg.Format,
		Interval:    m.cfg.PacketInterval,
		Metrics:     m.cfg.Metrics,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	sess.mu.Lock()
	sess.player = player
	sess.playbackDone = done
	sess.mu.Unlock()

	slog.Info("[SessionMgr] Playback started", "session_id", sessionID, "file", file, "dest", dest)

	go func() {
		defer close(done)
		err := player.PlayFile(sess.ctx, file, m.cfg.PacketSize)

		sess.mu.Lock()
		if sess.player == player {
			sess.player = nil
		}
		sess.mu.Unlock()

		if err != nil && !errors.Is(err, media.ErrPlaybackStopped) {
			slog.Error("[SessionMgr] Playback failed", "session_id", sessionID, "file", file, "error", err)
		}
		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

// StopPlayback stops the session's background playback and waits for it to
// end. It reports whether anything was playing.
func (m *Manager) StopPlayback(sessionID string) (bool, error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.startMu.Lock()
	defer sess.startMu.Unlock()
	return m.stopPlayback(sess), nil
}

func (m *Manager) stopPlayback(sess *Session) bool {
	sess.mu.Lock()
	player, done := sess.player, sess.playbackDone
	sess.player = nil
	sess.mu.Unlock()

	if player == nil {
		return false
	}
	player.Stop()
	<-done
	slog.Info("[SessionMgr] Playback stopped", "session_id", sess.ID, "packets_sent", player.PacketsSent())
	return true
}

// List returns the active sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		list = append(list, sess)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].LocalPort < list[j].LocalPort
	})
	return list
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll stops every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.callToSession = make(map[string]string)
	m.mu.Unlock()

	for _, sess := range sessions {
		if err := m.teardown(sess); err != nil {
			slog.Error("[SessionMgr] Close failed", "session_id", sess.ID, "error", err)
		}
	}
}
