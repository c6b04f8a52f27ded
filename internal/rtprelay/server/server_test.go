package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/rtprelay/internal/rtprelay/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(&Config{
		HealthAddr:  "127.0.0.1:0",
		MetricsAddr: "127.0.0.1:0",
		RTPPortMin:  43000,
		RTPPortMax:  43010,
		Session:     session.Config{RecordingsPath: t.TempDir()},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	return srv
}

func TestNewServerRejectsBadRange(t *testing.T) {
	_, err := NewServer(&Config{RTPPortMin: 2000, RTPPortMax: 1000})
	assert.Error(t, err)
}

func TestServeHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	conn, err := grpc.NewClient(srv.HealthAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
		defer rcancel()
		resp, err := client.Check(rctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
	}, 3*time.Second, 20*time.Millisecond)

	sess, _, err := srv.Sessions().StartCapture("call-1")
	require.NoError(t, err)
	assert.Equal(t, 43000, sess.LocalPort)

	resp, err := http.Get("http://" + srv.MetricsAddr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rtprelay_capture_active 1")
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, srv.Sessions().Count())

	expected := `
# HELP rtprelay_capture_active Capture servers currently open.
# TYPE rtprelay_capture_active gauge
rtprelay_capture_active 0
`
	assert.NoError(t, testutil.GatherAndCompare(srv.Registry(), strings.NewReader(expected), "rtprelay_capture_active"))
}

func TestListenDisabled(t *testing.T) {
	srv, err := NewServer(&Config{RTPPortMin: 43100, RTPPortMax: 43110})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	assert.Nil(t, srv.HealthAddr())
	assert.Nil(t, srv.MetricsAddr())
	assert.Nil(t, srv.APIAddr())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.Serve(ctx))
}
