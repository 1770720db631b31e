package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStubEngineRuntime points a DockerRuntime at a stub Engine API server.
func newStubEngineRuntime(t *testing.T, handler http.Handler) *DockerRuntime {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost(strings.Replace(srv.URL, "http://", "tcp://", 1)),
		client.WithVersion("1.46"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return &DockerRuntime{cli: cli}
}

func execAPIMux(inspects *atomic.Int32, exitCode int, runningLooks int32) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/containers/c1/exec"):
			_ = json.NewEncoder(w).Encode(map[string]string{"Id": "ex1"})
		case strings.HasSuffix(r.URL.Path, "/exec/ex1/start"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/exec/ex1/json"):
			n := inspects.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ID":       "ex1",
				"Running":  n <= runningLooks,
				"ExitCode": exitCode,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return mux
}

func TestDockerRuntime_RemoveFileWaitsForExecExit(t *testing.T) {
	var inspects atomic.Int32
	// rm is still running on the first inspect and done on the second.
	rt := newStubEngineRuntime(t, execAPIMux(&inspects, 0, 1))

	require.NoError(t, rt.RemoveFile(context.Background(), "c1", resultPath))
	assert.GreaterOrEqual(t, inspects.Load(), int32(2))
}

func TestDockerRuntime_RemoveFileReportsNonZeroExit(t *testing.T) {
	var inspects atomic.Int32
	rt := newStubEngineRuntime(t, execAPIMux(&inspects, 1, 0))

	err := rt.RemoveFile(context.Background(), "c1", resultPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rm exited 1")
}
