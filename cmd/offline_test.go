package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/udprec/internal/config"
	"firestige.xyz/udprec/internal/replay"
	"firestige.xyz/udprec/internal/trace"
)

func changedSet(names ...string) func(string) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestResolveOfflineDefaults(t *testing.T) {
	cfg := config.Default()

	run, err := resolveOffline(cfg, "record", changedSet())
	require.NoError(t, err)
	assert.Equal(t, cfg.Capture.Port, run.port)
	assert.Equal(t, trace.VariantRaw, run.variant)

	run, err = resolveOffline(cfg, "play", changedSet())
	require.NoError(t, err)
	assert.Equal(t, cfg.Replay.Port, run.port)
	assert.Equal(t, cfg.Replay.Host, run.host)
	assert.Equal(t, replay.Options{SpinThreshold: 2 * time.Millisecond, Speed: 1}, run.replay)

	run, err = resolveOffline(cfg, "import", changedSet())
	require.NoError(t, err)
	assert.Zero(t, run.port)
}

func TestResolveOfflineFlags(t *testing.T) {
	cfg := config.Default()
	offline.variant = "osc"
	offline.port = 4000
	offline.host = "10.1.1.1"
	offline.speed = 2
	offline.spin = time.Millisecond
	t.Cleanup(func() { offline.variant, offline.port, offline.host, offline.speed, offline.spin = "", 0, "", 0, 0 })

	run, err := resolveOffline(cfg, "play", changedSet("variant", "port", "host", "speed", "spin"))
	require.NoError(t, err)
	assert.Equal(t, trace.VariantMessage, run.variant)
	assert.Equal(t, 4000, run.port)
	assert.Equal(t, "10.1.1.1", run.host)
	assert.Equal(t, replay.Options{SpinThreshold: time.Millisecond, Speed: 2}, run.replay)

	offline.speed = 0
	_, err = resolveOffline(cfg, "play", changedSet("speed"))
	assert.Error(t, err)

	offline.port = 70000
	_, err = resolveOffline(cfg, "play", changedSet("port"))
	assert.Error(t, err)

	offline.variant = "json"
	_, err = resolveOffline(cfg, "play", changedSet("variant"))
	assert.Error(t, err)
}

func writeTrace(t *testing.T, path string, entries ...trace.Entry) trace.Trace {
	t.Helper()
	tr, err := trace.New(entries)
	require.NoError(t, err)
	require.NoError(t, trace.Save(path, tr))
	return tr
}

func TestExportImportInspect(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.trace")
	pcap := filepath.Join(dir, "out.pcap")
	dst := filepath.Join(dir, "back.trace")
	tr := writeTrace(t, src,
		trace.Entry{Timestamp: 0, Payload: trace.Raw("hello")},
		trace.Entry{Timestamp: 3 * time.Millisecond, Payload: trace.Raw("world")},
		trace.Entry{Timestamp: 3 * time.Millisecond, Payload: trace.Raw{0xde, 0xad}},
	)

	var buf bytes.Buffer
	opts := offlineRun{variant: trace.VariantRaw, port: 39539}
	require.NoError(t, runExport(&buf, opts, src, pcap))
	assert.Contains(t, buf.String(), "Exported 3 entries")

	opts.port = 0
	assert.Error(t, runExport(&buf, opts, src, pcap))

	require.NoError(t, runImport(&buf, opts, pcap, dst))
	back, err := trace.Load(dst, trace.VariantRaw)
	require.NoError(t, err)
	assert.Equal(t, tr.Entries(), back.Entries())

	buf.Reset()
	opts.entries = 2
	opts.output = "json"
	require.NoError(t, runInspect(&buf, opts, dst))
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res))
	assert.EqualValues(t, 3, res["entries"])
	assert.EqualValues(t, 1, res["bursts"])
	assert.Equal(t, dst, res["path"])
	first := res["first"].([]interface{})
	require.Len(t, first, 2)
	assert.Equal(t, "68 65 6c 6c 6f", first[0].(map[string]interface{})["payload"])

	buf.Reset()
	opts.output = "text"
	require.NoError(t, runInspect(&buf, opts, dst))
	assert.Contains(t, buf.String(), "Entries:   3")
	assert.Contains(t, buf.String(), "77 6f 72 6c 64")
}

func TestInspectMessageTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg.trace")
	writeTrace(t, path, trace.Entry{Payload: trace.Message{
		Address: "/VMC/Ext/Blend/Val",
		Args:    []trace.Arg{trace.Text("A"), trace.Float32(0.5)},
	}})

	var buf bytes.Buffer
	opts := offlineRun{variant: trace.VariantMessage, entries: 1, output: "text"}
	require.NoError(t, runInspect(&buf, opts, path))
	assert.Contains(t, buf.String(), `/VMC/Ext/Blend/Val -> ["A", 0.5]`)
}

func TestRunPlay(t *testing.T) {
	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	path := filepath.Join(t.TempDir(), "play.trace")
	writeTrace(t, path,
		trace.Entry{Timestamp: 0, Payload: trace.Raw("a")},
		trace.Entry{Timestamp: 5 * time.Millisecond, Payload: trace.Raw("b")},
	)

	opts := offlineRun{
		variant: trace.VariantRaw,
		host:    "127.0.0.1",
		port:    sink.LocalAddr().(*net.UDPAddr).Port,
		replay:  replay.Options{SpinThreshold: 2 * time.Millisecond, Speed: 1},
	}
	var buf bytes.Buffer
	require.NoError(t, runPlay(context.Background(), &buf, opts, path))
	assert.Contains(t, buf.String(), "Sent 2 datagrams")

	b := make([]byte, 16)
	sink.SetReadDeadline(time.Now().Add(time.Second))
	for _, want := range []string{"a", "b"} {
		n, _, err := sink.ReadFrom(b)
		require.NoError(t, err)
		assert.Equal(t, want, string(b[:n]))
	}
}

func TestRunPlayInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long.trace")
	writeTrace(t, path,
		trace.Entry{Timestamp: 0, Payload: trace.Raw("a")},
		trace.Entry{Timestamp: time.Minute, Payload: trace.Raw("b")},
	)
	opts := offlineRun{
		variant: trace.VariantRaw,
		host:    "127.0.0.1",
		port:    9,
		replay:  replay.Options{SpinThreshold: 2 * time.Millisecond, Speed: 1},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var buf bytes.Buffer
	start := time.Now()
	require.NoError(t, runPlay(ctx, &buf, opts, path))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, buf.String(), "Interrupted after 1/2 datagrams")
}

func TestRunPlayEmptyTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.trace")
	writeTrace(t, path)

	var buf bytes.Buffer
	require.NoError(t, runPlay(context.Background(), &buf, offlineRun{host: "127.0.0.1", port: 9}, path))
	assert.Contains(t, buf.String(), "nothing to replay")
}

func TestRunRecordForDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.trace")
	opts := offlineRun{variant: trace.VariantRaw, port: 0, address: "127.0.0.1", duration: 50 * time.Millisecond}

	var buf bytes.Buffer
	require.NoError(t, runRecord(context.Background(), &buf, opts, path))
	assert.Contains(t, buf.String(), "Saved 0 entries")

	tr, err := trace.Load(path, trace.VariantRaw)
	require.NoError(t, err)
	assert.Zero(t, tr.Len())
}
