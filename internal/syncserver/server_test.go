package syncserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/sketchsync/internal/config"
	"github.com/codefionn/sketchsync/internal/logger"
	"github.com/codefionn/sketchsync/internal/merge"
	"github.com/codefionn/sketchsync/internal/protocol"
)

const waitTimeout = 5 * time.Second

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newTestServer(t *testing.T, root string, mutate ...func(*Options)) *Server {
	t.Helper()
	opts := Options{
		Addr:             "127.0.0.1:0",
		Debounce:         20 * time.Millisecond,
		HandshakeTimeout: waitTimeout,
		DefaultImports:   config.DefaultImports(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv := New(opts)
	require.NoError(t, srv.Start(root))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func connect(t *testing.T, srv *Server, files ...string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	if files != nil {
		line, err := protocol.EncodeHandshake(files)
		require.NoError(t, err)
		require.NoError(t, protocol.WriteLine(conn, line))
	}
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) next() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	msg, err := protocol.DecodeMessage(line)
	require.NoError(c.t, err)
	return msg.Content
}

// expectSilence asserts nothing arrives within d
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	line, err := c.reader.ReadString('\n')
	var netErr net.Error
	require.Error(c.t, err, "unexpected push: %q", line)
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err := c.reader.ReadString('\n')
	require.Error(c.t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(c.t, netErr.Timeout(), "connection was not closed")
	}
}

func TestInitialLoadStripsNamespace(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.cs", "using System;\nnamespace N {\n    class A { }\n}\n")

	srv := newTestServer(t, root)
	client := connect(t, srv, "A.cs")

	content := client.next()
	assert.Equal(t, 1, strings.Count(content, "using System;"))
	assert.Contains(t, content, "return new A();\n")
	assert.Contains(t, content, "class A { }")
	assert.NotContains(t, content, "namespace")
	assert.Contains(t, content, "using SkiaSharp;")
}

func TestEditTriggersPush(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "Sketch.cs", "class Sketch { int v = 1; }\n")

	srv := newTestServer(t, root)
	client := connect(t, srv, "Sketch.cs")
	assert.Contains(t, client.next(), "int v = 1;")

	require.NoError(t, os.WriteFile(path, []byte("class Sketch { int v = 2; }\n"), 0644))
	assert.Contains(t, client.next(), "int v = 2;")
}

func TestOverlappingSessionsGetOnePushEach(t *testing.T) {
	root := t.TempDir()
	shared := writeFile(t, root, "Shared.cs", "class Shared { }\n")
	writeFile(t, root, "OnlyA.cs", "class OnlyA { }\n")
	writeFile(t, root, "OnlyB.cs", "class OnlyB { }\n")

	srv := newTestServer(t, root)
	a := connect(t, srv, "OnlyA.cs", "Shared.cs")
	a.next()
	b := connect(t, srv, "OnlyB.cs", "Shared.cs")
	b.next()

	require.NoError(t, os.WriteFile(shared, []byte("class Shared { int edited; }\n"), 0644))

	contentA := a.next()
	contentB := b.next()
	assert.Contains(t, contentA, "int edited;")
	assert.Contains(t, contentA, "class OnlyA")
	assert.NotContains(t, contentA, "class OnlyB")
	assert.Contains(t, contentA, "return new OnlyA();")

	assert.Contains(t, contentB, "int edited;")
	assert.Contains(t, contentB, "class OnlyB")
	assert.NotContains(t, contentB, "class OnlyA")

	a.expectSilence(300 * time.Millisecond)
	b.expectSilence(10 * time.Millisecond)

	for _, info := range srv.Sessions() {
		assert.Equal(t, 2, info.Pushes, "session %s", info.ID)
		assert.NotZero(t, info.LastDigest)
	}
}

func TestEditOfUnrelatedFileDoesNotPush(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.cs", "class A { }\n")
	b := writeFile(t, root, "B.cs", "class B { }\n")

	srv := newTestServer(t, root)
	client := connect(t, srv, "A.cs")
	client.next()

	require.NoError(t, os.WriteFile(b, []byte("class B { int x; }\n"), 0644))
	client.expectSilence(300 * time.Millisecond)
}

func TestDisconnectReleasesWatches(t *testing.T) {
	root := t.TempDir()
	shared := writeFile(t, root, "Shared.cs", "class Shared { }\n")
	onlyA := writeFile(t, root, "OnlyA.cs", "class OnlyA { }\n")
	writeFile(t, root, "OnlyB.cs", "class OnlyB { }\n")

	srv := newTestServer(t, root)
	a := connect(t, srv, "OnlyA.cs", "Shared.cs")
	a.next()
	b := connect(t, srv, "OnlyB.cs", "Shared.cs")
	b.next()

	assert.Equal(t, 2, srv.registry.Refs(shared))
	require.NoError(t, a.conn.Close())

	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, 1, srv.registry.Refs(shared))
	assert.Equal(t, 0, srv.registry.Refs(onlyA))
	assert.NotContains(t, srv.WatchedFiles(), onlyA)

	// the remaining session is still served
	require.NoError(t, os.WriteFile(shared, []byte("class Shared { int y; }\n"), 0644))
	assert.Contains(t, b.next(), "int y;")
}

func TestInvalidHandshakeRegistersNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.cs", "class A { }\n")

	srv := newTestServer(t, root)
	client := connect(t, srv)
	_, err := client.conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	client.expectSilence(200 * time.Millisecond)
	assert.Equal(t, 1, srv.SessionCount())
	assert.Empty(t, srv.WatchedFiles())

	// further lines are drained, the connection stays open
	_, err = client.conn.Write([]byte("[\"A.cs\"]\n"))
	require.NoError(t, err)
	client.expectSilence(200 * time.Millisecond)
}

func TestMissingAndInvalidEntriesAreDropped(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "A.cs", "class A { }\n")
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir.cs"), 0755))
	outside := writeFile(t, t.TempDir(), "Outside.cs", "class Outside { }\n")

	srv := newTestServer(t, root)
	client := connect(t, srv, "", "missing.cs", "A.cs", "dir.cs", "./A.cs", outside, "../Outside.cs")

	content := client.next()
	assert.Contains(t, content, "class A { }")
	assert.NotContains(t, content, "Outside")
	assert.Equal(t, []string{a}, srv.WatchedFiles())

	infos := srv.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, []string{a}, infos[0].Files)
}

func TestEmptyWatchListNeverPushes(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, root)
	client := connect(t, srv, "missing.cs")

	client.expectSilence(200 * time.Millisecond)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestLockedFileStillPushesOthers(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "Main.cs", "class Main { }\n")
	locked := writeFile(t, root, "Locked.cs", "class Locked { }\n")

	srv := newTestServer(t, root, func(o *Options) {
		o.mergeOptions = merge.Options{
			MaxAttempts: 2,
			RetryDelay:  time.Millisecond,
			Open: func(p string) (io.ReadCloser, error) {
				if p == locked {
					return nil, errors.New("sharing violation")
				}
				return os.Open(p)
			},
		}
	})
	client := connect(t, srv, "Main.cs", "Locked.cs")

	content := client.next()
	assert.Contains(t, content, "return new Main();")
	assert.Contains(t, content, "class Main { }")
	assert.NotContains(t, content, "class Locked")
}

func TestHandshakeTimeout(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, root, func(o *Options) {
		o.HandshakeTimeout = 100 * time.Millisecond
	})
	client := connect(t, srv)

	client.expectClosed()
	require.Eventually(t, func() bool { return srv.SessionCount() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestConnectionLimit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.cs", "class A { }\n")
	srv := newTestServer(t, root, func(o *Options) { o.MaxConnections = 1 })

	first := connect(t, srv, "A.cs")
	first.next()

	second := connect(t, srv, "A.cs")
	second.expectClosed()
	assert.Equal(t, 1, srv.SessionCount())
}

func TestStopDisconnectsClients(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.cs", "class A { }\n")
	srv := newTestServer(t, root)

	client := connect(t, srv, "A.cs")
	client.next()

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	assert.Nil(t, srv.Addr())
	assert.Empty(t, srv.WatchedFiles())
	assert.Equal(t, 0, srv.SessionCount())
	client.expectClosed()

	// stopping twice is harmless
	require.NoError(t, srv.Stop())
	assert.ErrorIs(t, srv.Reload(), ErrNotRunning)
}

func TestStartIsIdempotent(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, root)
	addr := srv.Addr().String()

	require.NoError(t, srv.Start(t.TempDir()))
	assert.Equal(t, addr, srv.Addr().String())
	assert.Equal(t, root, srv.Root())
}

func TestStartRejectsInvalidDirectory(t *testing.T) {
	srv := New(Options{Addr: "127.0.0.1:0"})
	err := srv.Start(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, config.ErrInvalidProjectDir)
	assert.False(t, srv.IsRunning())
}

func TestRestartFreshRegistry(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.cs", "class A { }\n")
	srv := newTestServer(t, root)

	client := connect(t, srv, "A.cs")
	client.next()
	require.Len(t, srv.WatchedFiles(), 1)

	require.NoError(t, srv.Restart(root))
	assert.True(t, srv.IsRunning())
	assert.Empty(t, srv.WatchedFiles())
	client.expectClosed()

	again := connect(t, srv, "A.cs")
	assert.Contains(t, again.next(), "class A { }")
}

func TestClearWatchedFilesKeepsConnections(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "A.cs", "class A { }\n")
	srv := newTestServer(t, root)

	client := connect(t, srv, "A.cs")
	client.next()

	srv.ClearWatchedFiles()
	assert.Empty(t, srv.WatchedFiles())
	assert.Equal(t, 1, srv.SessionCount())

	require.NoError(t, os.WriteFile(path, []byte("class A { int z; }\n"), 0644))
	client.expectSilence(300 * time.Millisecond)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestChangeProjectDirectory(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, second, "B.cs", "class B { }\n")

	srv := newTestServer(t, first)
	stale := connect(t, srv, "B.cs")

	require.NoError(t, srv.ChangeProjectDirectory(second))
	assert.Equal(t, second, srv.Root())
	assert.True(t, srv.IsRunning())
	stale.expectClosed()

	client := connect(t, srv, "B.cs")
	assert.Contains(t, client.next(), "class B { }")

	assert.ErrorIs(t, srv.ChangeProjectDirectory(filepath.Join(second, "nope")), config.ErrInvalidProjectDir)
	assert.Equal(t, second, srv.Root())
}

func TestChangeProjectDirectoryWhileStopped(t *testing.T) {
	dir := t.TempDir()
	srv := New(Options{Addr: "127.0.0.1:0"})

	require.NoError(t, srv.ChangeProjectDirectory(dir))
	assert.Equal(t, dir, srv.Root())
	assert.False(t, srv.IsRunning())
}

func TestReloadPushesEverySession(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.cs", "class A { }\n")
	writeFile(t, root, "B.cs", "class B { }\n")
	srv := newTestServer(t, root)

	a := connect(t, srv, "A.cs")
	a.next()
	b := connect(t, srv, "B.cs")
	b.next()

	require.NoError(t, srv.Reload())
	assert.Contains(t, a.next(), "class A")
	assert.Contains(t, b.next(), "class B")
}

func TestOnFileChangedIgnoresSwapFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.cs", "class A { }\n")
	srv := newTestServer(t, root)

	client := connect(t, srv, "A.cs")
	client.next()

	srv.OnFileChanged(filepath.Join(root, "A.cs~"))
	srv.OnFileChanged(filepath.Join(root, "A.cs.tmp"))
	client.expectSilence(200 * time.Millisecond)
}

func TestResolveFilesKeepsOrderWithoutDuplicates(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a.cs", "")
	b := writeFile(t, root, "sub/b.cs", "")

	got := resolveFiles(root, []string{"sub/b.cs", "a.cs", "sub/../a.cs", " sub/b.cs "}, logger.Discard())
	assert.Equal(t, []string{b, a}, got)
}
