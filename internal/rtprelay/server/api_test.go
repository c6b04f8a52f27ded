package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/rtprelay/internal/rtprelay/media"
	"github.com/sebas/rtprelay/internal/rtprelay/session"
)

// startAPIServer serves the control API on loopback until the test ends.
func startAPIServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv, err := NewServer(&Config{
		APIAddr:    "127.0.0.1:0",
		AudioPath:  t.TempDir(),
		RTPPortMin: 43200,
		RTPPortMax: 43210,
		Session: session.Config{
			BindAddr:       "127.0.0.1",
			RecordingsPath: t.TempDir(),
			PacketSize:     2,
			PacketInterval: time.Second,
		},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return srv, "http://" + srv.APIAddr().String()
}

func doJSON(t *testing.T, method, url string, body, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func writeAudio(t *testing.T, dir, name string, size int) {
	t.Helper()
	w, err := media.CreateWAVFile(filepath.Join(dir, name), media.DefaultFormat())
	require.NoError(t, err)
	_, err = w.Write(make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestAPICaptureAndPlayback(t *testing.T) {
	srv, base := startAPIServer(t)
	writeAudio(t, srv.config.AudioPath, "prompt.wav", 64)

	var created sessionResponse
	status := doJSON(t, http.MethodPost, base+"/api/v1/sessions", startCaptureRequest{CallID: "call-1"}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "call-1", created.CallID)
	assert.Equal(t, 43200, created.LocalPort)
	assert.Equal(t, 43201, created.RTCPPort)
	assert.Equal(t, media.CaptureStateListening, created.State)
	assert.Contains(t, created.SDP, "m=audio 43200 RTP/AVP")
	sessURL := base + "/api/v1/sessions/" + created.ID

	var list struct {
		Sessions []sessionResponse `json:"sessions"`
		Count    int               `json:"count"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/api/v1/sessions", nil, &list))
	assert.Equal(t, 1, list.Count)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, created.ID, list.Sessions[0].ID)

	// playback before any audio arrived has nowhere to go
	status = doJSON(t, http.MethodPost, sessURL+"/playback", startPlaybackRequest{File: "prompt.wav"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	pkt, err := media.EncodeRTP([]byte{1, 2, 3, 4}, 1, 80, 0x4242, 0)
	require.NoError(t, err)
	_, err = peer.WriteToUDP(pkt, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: created.LocalPort})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := http.Get(sessURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var got sessionResponse
		if json.NewDecoder(resp.Body).Decode(&got) != nil {
			return false
		}
		return got.DataBytes == 4 && got.Remote == peer.LocalAddr().String()
	}, 2*time.Second, 10*time.Millisecond)

	status = doJSON(t, http.MethodPost, sessURL+"/playback", startPlaybackRequest{File: "missing.wav"}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// names cannot climb out of the audio directory
	status = doJSON(t, http.MethodPost, sessURL+"/playback", startPlaybackRequest{File: "../../prompt.wav"}, nil)
	require.Equal(t, http.StatusAccepted, status)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	played, err := media.DecodeRTP(buf[:n])
	require.NoError(t, err)
	assert.Len(t, played.Payload, 2)

	var stopped map[string]interface{}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, sessURL+"/playback", nil, &stopped))
	assert.Equal(t, true, stopped["was_playing"])

	var closed map[string]interface{}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, sessURL, nil, &closed))
	assert.Equal(t, float64(4), closed["data_bytes"])
	assert.FileExists(t, created.OutputPath)
	assert.Equal(t, 0, srv.Sessions().Count())

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, sessURL, nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodDelete, sessURL+"/playback", nil, nil))
}

func TestAPIRejectsBadRequests(t *testing.T) {
	_, base := startAPIServer(t)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, base+"/api/v1/sessions", map[string]string{}, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, base+"/api/v1/sessions/nope/playback", startPlaybackRequest{File: "x.wav"}, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, doJSON(t, http.MethodGet, base+"/api/v1/sessions/nope/playback", nil, nil))

	var created sessionResponse
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, base+"/api/v1/sessions", startCaptureRequest{CallID: "c"}, &created))
	status := doJSON(t, http.MethodPost, base+"/api/v1/sessions/"+created.ID+"/playback", startPlaybackRequest{File: "x.wav", Dest: "no-port"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestResolveAudioPath(t *testing.T) {
	srv := &Server{config: &Config{AudioPath: "/srv/audio"}}

	assert.Equal(t, filepath.FromSlash("/srv/audio/a.wav"), srv.resolveAudioPath("a.wav"))
	assert.Equal(t, filepath.FromSlash("/srv/audio/a.wav"), srv.resolveAudioPath("../../a.wav"))
	assert.Equal(t, filepath.FromSlash("/srv/audio/etc/passwd"), srv.resolveAudioPath("/etc/passwd"))

	srv.config.AudioPath = ""
	assert.Equal(t, "a.wav", srv.resolveAudioPath("a.wav"))
}
