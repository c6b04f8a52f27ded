package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sebas/rtprelay/internal/rtprelay/portpool"
	"github.com/sebas/rtprelay/internal/rtprelay/session"
)

const maxRequestBody = 64 << 10

// sessionResponse is the API view of a capture session.
type sessionResponse struct {
	ID         string `json:"id"`
	CallID     string `json:"call_id"`
	LocalAddr  string `json:"local_addr"`
	LocalPort  int    `json:"local_port"`
	RTCPPort   int    `json:"rtcp_port"`
	OutputPath string `json:"output_path"`
	State      string `json:"state"`
	Remote     string `json:"remote,omitempty"`
	Playing    bool   `json:"playing"`
	Packets    uint64 `json:"packets"`
	Dropped    uint64 `json:"dropped"`
	Lost       uint64 `json:"lost"`
	DataBytes  uint64 `json:"data_bytes"`
	CreatedAt  string `json:"created_at"`
	SDP        string `json:"sdp,omitempty"`
}

type startCaptureRequest struct {
	CallID string `json:"call_id"`
}

type startPlaybackRequest struct {
	File string `json:"file"`
	Dest string `json:"dest"`
}

func (s *Server) apiHandler() http.Handler {
	mux := http.NewServeMux()

	// Sessions (capture)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.handleStartCapture)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleStopCapture)

	// Playback
	mux.HandleFunc("POST /api/v1/sessions/{id}/playback", s.handleStartPlayback)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/playback", s.handleStopPlayback)

	return mux
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessionMgr.List()
	sessions := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		sessions = append(sessions, toSessionResponse(sess, nil))
	}
	s.writeJSON(w, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	var req startCaptureRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.CallID == "" {
		http.Error(w, "call_id required", http.StatusBadRequest)
		return
	}

	sess, sdpBody, err := s.sessionMgr.StartCapture(req.CallID)
	if err != nil {
		slog.Error("[API] Failed to start capture", "call_id", req.CallID, "error", err)
		s.writeError(w, err)
		return
	}

	s.writeJSONStatus(w, http.StatusCreated, toSessionResponse(sess, sdpBody))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionMgr.GetSession(r.PathValue("id"))
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toSessionResponse(sess, nil))
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sessionMgr.GetSession(id)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if err := s.sessionMgr.StopCapture(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			s.writeError(w, err)
			return
		}
		// the session is gone either way; report the finalize failure
		slog.Error("[API] Capture closed with error", "session_id", id, "error", err)
	}

	stats := sess.Stats()
	s.writeJSON(w, map[string]interface{}{
		"message":     "Capture stopped",
		"session_id":  id,
		"output_path": sess.OutputPath,
		"data_bytes":  stats.DataSize,
	})
}

// --- Playback ---

func (s *Server) handleStartPlayback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sessionMgr.GetSession(id); !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	var req startPlaybackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.File == "" {
		http.Error(w, "file required", http.StatusBadRequest)
		return
	}
	if req.Dest != "" {
		if _, _, err := net.SplitHostPort(req.Dest); err != nil {
			http.Error(w, "dest must be host:port", http.StatusBadRequest)
			return
		}
	}

	file := s.resolveAudioPath(req.File)
	if info, err := os.Stat(file); err != nil || info.IsDir() {
		http.Error(w, "Audio file not found", http.StatusNotFound)
		return
	}

	// runs on the session's context, not the request's
	err := s.sessionMgr.StartPlayback(id, file, req.Dest, func(err error) {
		slog.Debug("[API] Playback finished", "session_id", id, "file", file, "error", err)
	})
	if err != nil {
		slog.Error("[API] Failed to start playback", "session_id", id, "file", file, "error", err)
		s.writeError(w, err)
		return
	}

	s.writeJSONStatus(w, http.StatusAccepted, map[string]interface{}{
		"message":    "Playback started",
		"session_id": id,
		"file":       req.File,
	})
}

func (s *Server) handleStopPlayback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wasPlaying, err := s.sessionMgr.StopPlayback(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"message":     "Playback stopped",
		"session_id":  id,
		"was_playing": wasPlaying,
	})
}

// --- Helpers ---

// resolveAudioPath confines a client supplied name to the audio directory.
func (s *Server) resolveAudioPath(name string) string {
	base := s.config.AudioPath
	if base == "" {
		base = "."
	}
	return filepath.Join(base, filepath.FromSlash(path.Clean("/"+name)))
}

func toSessionResponse(sess *session.Session, sdpBody []byte) sessionResponse {
	stats := sess.Stats()
	resp := sessionResponse{
		ID:         sess.ID,
		CallID:     sess.CallID,
		LocalAddr:  sess.LocalAddr,
		LocalPort:  sess.LocalPort,
		RTCPPort:   sess.RTCPPort,
		OutputPath: sess.OutputPath,
		State:      sess.State(),
		Playing:    sess.Playing(),
		Packets:    stats.Packets,
		Dropped:    stats.Dropped,
		Lost:       stats.Lost,
		DataBytes:  stats.DataSize,
		CreatedAt:  sess.CreatedAt.Format(time.RFC3339),
		SDP:        string(sdpBody),
	}
	if remote := sess.Remote(); remote != nil {
		resp.Remote = remote.String()
	}
	return resp
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, portpool.ErrNoPorts):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, session.ErrNoRemote):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	s.writeJSONStatus(w, http.StatusOK, v)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
