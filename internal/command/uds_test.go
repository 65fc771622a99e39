package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/udprec/internal/metrics"
	"firestige.xyz/udprec/internal/session"
	"firestige.xyz/udprec/internal/trace"
)

// startServer runs a UDS server over a real session controller until the
// test ends.
func startServer(t *testing.T) (*UDSClient, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "udprec.sock")

	ctrl := session.New(session.Options{Variant: trace.VariantRaw})
	t.Cleanup(func() { ctrl.Close() })
	handler := NewCommandHandler(ctrl, Defaults{
		CapturePort: 0,
		ReplayHost:  "127.0.0.1",
		ExportPort:  39539,
	}, nil)
	server := NewUDSServer(socketPath, handler)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server didn't stop in time")
		}
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return NewUDSClient(socketPath, 5*time.Second), socketPath
}

func TestUDSRecordSaveReplay(t *testing.T) {
	client, _ := startServer(t)
	ctx := context.Background()

	// Nothing captured yet
	err := client.invoke(ctx, "trace_info", nil, nil)
	var rpcErr *ErrorInfo
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeNoTrace, rpcErr.Code)

	started, err := client.CaptureStart(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, session.Recording, started.State)
	require.NotZero(t, started.Port)

	_, err = client.CaptureStart(ctx, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeSessionBusy, rpcErr.Code)

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(started.Port)))
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range []string{"one", "two", "three"} {
		_, err := conn.Write([]byte(p))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		st, err := client.SessionStatus(ctx)
		return err == nil && st.Entries == 3
	}, 2*time.Second, 10*time.Millisecond)

	sum, err := client.CaptureStop(ctx)
	require.NoError(t, err)
	assert.Equal(t, trace.VariantRaw, sum.Variant)
	assert.Equal(t, 3, sum.Entries)
	assert.Equal(t, 11, sum.PayloadBytes)

	dir := t.TempDir()
	saved, err := client.TraceSave(ctx, filepath.Join(dir, "rec.trace"))
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Entries)

	exported, err := client.TraceExport(ctx, filepath.Join(dir, "rec.pcap"), 0)
	require.NoError(t, err)
	assert.Equal(t, 39539, exported.Port)

	imported, err := client.TraceImport(ctx, filepath.Join(dir, "rec.pcap"), 39539)
	require.NoError(t, err)
	assert.Equal(t, 3, imported.Entries)

	loaded, err := client.TraceLoad(ctx, filepath.Join(dir, "rec.trace"))
	require.NoError(t, err)
	assert.Equal(t, sum.Entries, loaded.Entries)

	// Replay into a local listener
	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()
	sinkPort := sink.LocalAddr().(*net.UDPAddr).Port

	res, err := client.ReplayStart(ctx, "", sinkPort)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(sinkPort), res.Target)

	buf := make([]byte, 64)
	var got []string
	sink.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(got) < 3 {
		n, _, err := sink.ReadFrom(buf)
		require.NoError(t, err)
		got = append(got, string(buf[:n]))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)

	require.Eventually(t, func() bool {
		st, err := client.SessionStatus(ctx)
		return err == nil && st.State == session.Idle && st.Sent == 3
	}, 2*time.Second, 10*time.Millisecond)

	st, err := client.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Idle, st.State)

	ds, err := client.DaemonStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", ds.Status)
	assert.Equal(t, os.Getpid(), ds.PID)
	assert.True(t, ds.Session.HasTrace)
}

func TestUDSProtocolErrors(t *testing.T) {
	_, socketPath := startServer(t)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewScanner(conn)

	roundTrip := func(line string) JSONRPCResponse {
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		require.True(t, r.Scan())
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(r.Bytes(), &resp))
		return resp
	}

	resp := roundTrip(`{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)

	resp = roundTrip(`{"jsonrpc":"2.0","id":7}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

	resp = roundTrip(`{"jsonrpc":"2.0","method":"unknown.method","id":"a"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "a", resp.ID)

	resp = roundTrip(`{"jsonrpc":"1.0","method":"session_status","id":"v"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "v", resp.ID)

	// The connection stays usable after errors.
	resp = roundTrip(`{"jsonrpc":"2.0","method":"session_status","id":"b"}`)
	assert.Nil(t, resp.Error)

	// A notification is served without a response line.
	served := testutil.ToFloat64(metrics.ControlRequestsTotal.WithLabelValues("session_status", "0"))
	_, err = conn.Write([]byte(`{"jsonrpc":"2.0","method":"session_status"}` + "\n"))
	require.NoError(t, err)
	resp = roundTrip(`{"jsonrpc":"2.0","method":"session_status","id":3}`)
	assert.Nil(t, resp.Error)
	assert.Equal(t, float64(3), resp.ID)
	assert.Equal(t, served+2, testutil.ToFloat64(metrics.ControlRequestsTotal.WithLabelValues("session_status", "0")))
}

func TestUDSServerRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "gone.sock")
	server := NewUDSServer(socketPath, newTestHandler(&fakeSession{}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server didn't stop in time")
	}
	_, err := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestUDSMultipleClients(t *testing.T) {
	client, _ := startServer(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.SessionStatus(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestUDSClientConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	err := client.Ping(context.Background())
	require.Error(t, err)
	var rpcErr *ErrorInfo
	assert.False(t, errors.As(err, &rpcErr))
}
