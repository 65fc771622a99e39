package session

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/udprec/internal/core"
	"firestige.xyz/udprec/internal/replay"
	"firestige.xyz/udprec/internal/trace"
)

// freePort returns a UDP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func send(t *testing.T, port int, payloads ...string) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range payloads {
		_, err := conn.Write([]byte(p))
		require.NoError(t, err)
	}
}

func record(t *testing.T, c *Controller, payloads ...string) trace.Trace {
	t.Helper()
	port := freePort(t)
	require.NoError(t, c.CaptureStart(port))
	send(t, port, payloads...)
	require.Eventually(t, func() bool { return c.Status().Entries == len(payloads) },
		2*time.Second, 5*time.Millisecond)
	tr, err := c.CaptureStop()
	require.NoError(t, err)
	return tr
}

func TestCaptureCycle(t *testing.T) {
	c := New(Options{})
	assert.Equal(t, Idle, c.Status().State)

	port := freePort(t)
	require.NoError(t, c.CaptureStart(port))
	st := c.Status()
	assert.Equal(t, Recording, st.State)
	assert.Equal(t, port, st.Port)

	assert.ErrorIs(t, c.CaptureStart(port), core.ErrBusy)
	assert.ErrorIs(t, c.ReplayStart("127.0.0.1", port), core.ErrBusy)
	assert.ErrorIs(t, c.ReplayStop(), core.ErrBusy)
	_, err := c.Load("whatever")
	assert.ErrorIs(t, err, core.ErrBusy)

	send(t, port, "one", "two")
	require.Eventually(t, func() bool { return c.Status().Entries == 2 }, 2*time.Second, 5*time.Millisecond)

	tr, err := c.CaptureStop()
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())

	st = c.Status()
	assert.Equal(t, Idle, st.State)
	assert.True(t, st.HasTrace)
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, uint64(2), st.Received)

	_, err = c.CaptureStop()
	assert.ErrorIs(t, err, core.ErrBusy)
}

func TestCaptureStartBindError(t *testing.T) {
	c := New(Options{})
	assert.ErrorIs(t, c.CaptureStart(70000), core.ErrBind)
	assert.Equal(t, Idle, c.Status().State)
}

func TestReplayWithoutTrace(t *testing.T) {
	c := New(Options{})
	assert.ErrorIs(t, c.ReplayStart("127.0.0.1", 9), core.ErrNoTrace)
	assert.ErrorIs(t, c.Save(filepath.Join(t.TempDir(), "x.bin")), core.ErrNoTrace)
	assert.ErrorIs(t, c.ExportCapture(filepath.Join(t.TempDir(), "x.pcap"), 9), core.ErrNoTrace)
	assert.NoError(t, c.ReplayStop())
	assert.NoError(t, c.Stop())
}

func TestReplayReturnsToIdle(t *testing.T) {
	c := New(Options{})
	record(t, c, "a", "b", "c")

	rx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rx.Close()

	require.NoError(t, c.ReplayStart("127.0.0.1", rx.LocalAddr().(*net.UDPAddr).Port))
	require.Eventually(t, func() bool { return c.Status().State == Idle }, 5*time.Second, 5*time.Millisecond)

	buf := make([]byte, 16)
	require.NoError(t, rx.SetReadDeadline(time.Now().Add(2*time.Second)))
	for _, want := range []string{"a", "b", "c"} {
		n, _, err := rx.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]))
	}
	assert.Equal(t, uint64(3), c.Status().Sent)
}

func TestReplayStopAndBusy(t *testing.T) {
	c := New(Options{})
	port := freePort(t)
	require.NoError(t, c.CaptureStart(port))
	send(t, port, "first")
	require.Eventually(t, func() bool { return c.Status().Entries == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	send(t, port, "second")
	require.Eventually(t, func() bool { return c.Status().Entries == 2 }, 2*time.Second, 5*time.Millisecond)
	_, err := c.CaptureStop()
	require.NoError(t, err)

	require.NoError(t, c.ReplayStart("127.0.0.1", freePort(t)))
	assert.Equal(t, Replaying, c.Status().State)
	assert.ErrorIs(t, c.CaptureStart(freePort(t)), core.ErrBusy)
	assert.ErrorIs(t, c.ReplayStart("127.0.0.1", 9), core.ErrBusy)

	require.NoError(t, c.Stop())
	assert.Equal(t, Idle, c.Status().State)
	assert.NoError(t, c.ReplayStop())
}

func TestReplayEmptyTraceStaysIdle(t *testing.T) {
	c := New(Options{})
	port := freePort(t)
	require.NoError(t, c.CaptureStart(port))
	_, err := c.CaptureStop()
	require.NoError(t, err)

	require.NoError(t, c.ReplayStart("127.0.0.1", port))
	assert.Equal(t, Idle, c.Status().State)
}

func TestReplayResolutionError(t *testing.T) {
	c := New(Options{})
	record(t, c, "x")
	assert.ErrorIs(t, c.ReplayStart("127.0.0.1", 70000), core.ErrResolution)
	assert.Equal(t, Idle, c.Status().State)
}

func TestReplayOpenDoesNotBlockController(t *testing.T) {
	c := New(Options{})
	record(t, c, "x")

	entered := make(chan struct{})
	release := make(chan struct{})
	var opened *replay.Engine
	c.openReplay = func(host string, port int, tr trace.Trace, opts replay.Options) (*replay.Engine, error) {
		close(entered)
		<-release
		eng, err := replay.Open(host, port, tr, opts)
		opened = eng
		return eng, err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.ReplayStart("127.0.0.1", freePort(t)) }()
	<-entered

	statusDone := make(chan Status, 1)
	go func() { statusDone <- c.Status() }()
	select {
	case st := <-statusDone:
		assert.Equal(t, Idle, st.State)
	case <-time.After(time.Second):
		t.Fatal("Status blocked while the replay target was being opened")
	}

	// A capture started meanwhile wins; the opened engine is discarded.
	require.NoError(t, c.CaptureStart(freePort(t)))
	close(release)
	assert.ErrorIs(t, <-errCh, core.ErrBusy)
	assert.Equal(t, Recording, c.Status().State)
	require.NotNil(t, opened)
	assert.ErrorIs(t, opened.Start(), core.ErrClosed)
	require.NoError(t, c.Stop())
}

func TestSaveLoadExport(t *testing.T) {
	dir := t.TempDir()
	c := New(Options{})
	want := record(t, c, "hello", "world")

	path := filepath.Join(dir, "trace.bin")
	require.NoError(t, c.Save(path))

	other := New(Options{})
	got, err := other.Load(path)
	require.NoError(t, err)
	assert.Equal(t, want.Entries(), got.Entries())

	pcap := filepath.Join(dir, "trace.pcap")
	require.NoError(t, other.ExportCapture(pcap, 39539))
	info, err := os.Stat(pcap)
	require.NoError(t, err)
	assert.Equal(t, int64(24+2*28+10), info.Size()-2*16)

	assert.Error(t, other.ExportCapture(pcap, 0))
}

func TestFailedLoadKeepsTrace(t *testing.T) {
	dir := t.TempDir()
	c := New(Options{})
	want := record(t, c, "keep")

	bad := filepath.Join(dir, "bad.bin")
	require.NoError(t, os.WriteFile(bad, []byte{0, 0, 0, 5, 1}, 0644))
	_, err := c.Load(bad)
	assert.ErrorIs(t, err, core.ErrFormat)

	got, err := c.Trace()
	require.NoError(t, err)
	assert.Equal(t, want.Entries(), got.Entries())
}

func TestImport(t *testing.T) {
	dir := t.TempDir()
	c := New(Options{})
	record(t, c, "p1", "p2")
	pcap := filepath.Join(dir, "t.pcap")
	require.NoError(t, c.ExportCapture(pcap, 5000))

	other := New(Options{})
	got, err := other.Import(pcap, 5000)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, trace.Raw("p1"), got.At(0).Payload)

	got, err = other.Import(pcap, 6000)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
}

func TestStatusJSON(t *testing.T) {
	b, err := json.Marshal(Status{State: Replaying, Variant: trace.VariantMessage})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"replaying"`)
	assert.Contains(t, string(b), `"variant":"message"`)

	var s Status
	require.NoError(t, json.Unmarshal(b, &s))
	assert.Equal(t, Replaying, s.State)
	assert.Equal(t, trace.VariantMessage, s.Variant)
}
