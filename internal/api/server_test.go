package api

import (
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"project-mirage/internal/model"
)

type fakeExecutor struct {
	lastName string
	lastArgs map[string]string
}

func (f *fakeExecutor) Execute(name string, args map[string]string) (string, error) {
	f.lastName = name
	f.lastArgs = args
	return "ran " + name, nil
}

type fakeStatus struct{ status model.QueueStatus }

func (f *fakeStatus) Status() model.QueueStatus { return f.status }

func startServer(t *testing.T, exec CommandExecutor, status StatusSource) (*httptest.Server, int) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewControlServer(exec, status, log)
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)

	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ts, port
}

func TestProbe(t *testing.T) {
	_, port := startServer(t, &fakeExecutor{}, &fakeStatus{})
	require.True(t, Probe(port))
	require.False(t, Probe(1), "nothing listens there")
}

func TestStatus(t *testing.T) {
	want := model.QueueStatus{Queued: 2, Running: 1, Completed: 7}
	_, port := startServer(t, &fakeExecutor{}, &fakeStatus{status: want})

	got, err := NewClient(port).Status()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestExecuteSafelisted(t *testing.T) {
	exec := &fakeExecutor{}
	_, port := startServer(t, exec, &fakeStatus{})

	out, err := NewClient(port).Execute("tasks", map[string]string{"n": "5"})
	require.NoError(t, err)
	require.Equal(t, "ran tasks", out)
	require.Equal(t, "tasks", exec.lastName)
	require.Equal(t, map[string]string{"n": "5"}, exec.lastArgs)
}

func TestExecuteRefusesMutatingCommands(t *testing.T) {
	exec := &fakeExecutor{}
	_, port := startServer(t, exec, &fakeStatus{})

	for _, name := range []string{"check-all", "remove", "cancel-all"} {
		_, err := NewClient(port).Execute(name, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "not available remotely")
	}
	require.Empty(t, exec.lastName, "refused commands must never reach the shell")
}
