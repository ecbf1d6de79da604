package file

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/sessions"
)

// recordConn is an in-memory net.Conn registered on the control plane; it
// records envelope writes so announcement fan-out can be asserted.
type recordConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	remote net.Addr
}

func newRecordConn(ip string) *recordConn {
	return &recordConn{remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: 50123}}
}

func (c *recordConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *recordConn) Close() error { return nil }

func (c *recordConn) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	data := c.buf.Bytes()
	c.buf = bytes.Buffer{}
	c.mu.Unlock()

	var out []*protocol.Envelope
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		env, err := protocol.ReadEnvelope(r)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (c *recordConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
}
func (c *recordConn) RemoteAddr() net.Addr               { return c.remote }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

// fileClient drives one end of an in-memory transfer connection.
type fileClient struct {
	conn net.Conn
	envs chan *protocol.Envelope
	seq  uint16
}

func dialFile(t *testing.T, svc *Service) *fileClient {
	t.Helper()

	client, server := net.Pipe()
	go svc.handleConn(server)

	c := &fileClient{conn: client, envs: make(chan *protocol.Envelope, 64)}
	go func() {
		defer close(c.envs)
		for {
			env, err := protocol.ReadEnvelope(client)
			if err != nil {
				return
			}
			c.envs <- env
		}
	}()
	t.Cleanup(func() { client.Close() })

	return c
}

func (c *fileClient) send(t *testing.T, typ protocol.MessageType, payload []byte) {
	t.Helper()
	c.seq++
	frame, err := protocol.Encode(typ, c.seq, payload)
	require.NoError(t, err)
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = c.conn.Write(frame)
	require.NoError(t, err)
}

func (c *fileClient) sendJSON(t *testing.T, typ protocol.MessageType, v any) {
	t.Helper()
	payload, err := protocol.MarshalPayload(v)
	require.NoError(t, err)
	c.send(t, typ, payload)
}

func (c *fileClient) expect(t *testing.T, typ protocol.MessageType) *protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.envs:
		require.True(t, ok, "connection closed while waiting for %s", typ)
		require.Equal(t, typ, env.Type, "unexpected message")
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", typ)
		return nil
	}
}

func newTestService(t *testing.T, opts Options) (*Service, *sessions.Store) {
	t.Helper()
	store := sessions.NewStore(sessions.Options{})
	t.Cleanup(store.Close)

	if opts.StorageDir == "" {
		opts.StorageDir = t.TempDir()
	}
	svc, err := NewService(store, opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, store
}

func checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// testPayload builds a deterministic byte pattern whose period does not
// divide the chunk size, so misplaced chunk boundaries corrupt the digest.
func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func (c *fileClient) upload(t *testing.T, svc *Service, name string, data []byte) {
	t.Helper()
	c.sendJSON(t, protocol.FileMetadata, protocol.FileMetadataPayload{
		Name:     name,
		Size:     int64(len(data)),
		Checksum: checksum(data),
		Target:   "all",
	})
	for off := 0; off < len(data); off += svc.chunkSize {
		end := off + svc.chunkSize
		if end > len(data) {
			end = len(data)
		}
		c.send(t, protocol.FileChunk, data[off:end])
	}
}

func TestUploadRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	client := dialFile(t, svc)

	data := testPayload(100_000) // spans multiple 32 KiB chunks
	client.upload(t, svc, "report.pdf", data)

	env := client.expect(t, protocol.FileAckSuccess)
	ack, err := protocol.DecodeFileName(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", ack.Name)

	stored, err := os.ReadFile(filepath.Join(svc.StorageDir(), "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	data := testPayload(10 * 1024 * 1024)
	uploader := dialFile(t, svc)
	uploader.upload(t, svc, "dataset.bin", data)
	uploader.expect(t, protocol.FileAckSuccess)

	downloader := dialFile(t, svc)
	downloader.sendJSON(t, protocol.FileRequestDownload, protocol.FileNamePayload{Name: "dataset.bin"})

	env := downloader.expect(t, protocol.FileMetadata)
	meta, err := protocol.DecodeFileMetadata(env.Payload)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), meta.Size)
	require.Equal(t, checksum(data), meta.Checksum)

	var got bytes.Buffer
	got.Grow(len(data))
	for int64(got.Len()) < meta.Size {
		chunk := downloader.expect(t, protocol.FileChunk)
		got.Write(chunk.Payload)
	}
	assert.True(t, bytes.Equal(data, got.Bytes()), "downloaded bytes differ from the upload")
}

func TestUploadCorruptedLastChunk(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	client := dialFile(t, svc)

	data := testPayload(100_000)
	client.sendJSON(t, protocol.FileMetadata, protocol.FileMetadataPayload{
		Name:     "photo.jpg",
		Size:     int64(len(data)),
		Checksum: checksum(data),
		Target:   "all",
	})
	for off := 0; off < len(data); off += svc.chunkSize {
		end := off + svc.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if end == len(data) {
			chunk = append([]byte(nil), chunk...)
			chunk[len(chunk)-1] ^= 0xFF
		}
		client.send(t, protocol.FileChunk, chunk)
	}

	env := client.expect(t, protocol.FileAckFailure)
	fail, err := protocol.DecodeFileError(env.Payload)
	require.NoError(t, err)
	assert.Contains(t, fail.Reason, "checksum")

	entries, err := os.ReadDir(svc.StorageDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadProbeThenTransfer(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	client := dialFile(t, svc)

	client.sendJSON(t, protocol.FileRequestUpload, protocol.FileNamePayload{Name: "notes.txt"})
	env := client.expect(t, protocol.FileAckSuccess)
	ack, err := protocol.DecodeFileName(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", ack.Name)

	data := testPayload(1024)
	client.upload(t, svc, "notes.txt", data)
	client.expect(t, protocol.FileAckSuccess)

	stored, err := os.ReadFile(filepath.Join(svc.StorageDir(), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestUploadChecksumMismatchLeavesNothing(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	client := dialFile(t, svc)

	data := testPayload(4096)
	client.sendJSON(t, protocol.FileMetadata, protocol.FileMetadataPayload{
		Name:     "corrupt.bin",
		Size:     int64(len(data)),
		Checksum: checksum(append([]byte("x"), data...)), // wrong digest
		Target:   "all",
	})
	client.send(t, protocol.FileChunk, data)

	env := client.expect(t, protocol.FileAckFailure)
	fail, err := protocol.DecodeFileError(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "corrupt.bin", fail.Name)
	assert.Contains(t, fail.Reason, "checksum")

	// Neither the file nor any staging remnant survives.
	entries, err := os.ReadDir(svc.StorageDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadRejectsPathTraversal(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	for _, name := range []string{
		"../../etc/passwd",
		"..\\..\\windows\\system32",
		"sub/dir.txt",
		"..",
		"",
	} {
		client := dialFile(t, svc)
		client.sendJSON(t, protocol.FileMetadata, protocol.FileMetadataPayload{
			Name:     name,
			Size:     10,
			Checksum: "ffffffffffffffffffffffffffffffff",
			Target:   "all",
		})

		env := client.expect(t, protocol.FileAckFailure)
		fail, err := protocol.DecodeFileError(env.Payload)
		require.NoError(t, err)
		assert.Contains(t, fail.Reason, "invalid", "name %q must be rejected", name)
	}

	entries, err := os.ReadDir(svc.StorageDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadRejectsOversizedDeclaration(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxFileSize: 1024})
	client := dialFile(t, svc)

	client.sendJSON(t, protocol.FileMetadata, protocol.FileMetadataPayload{
		Name:     "huge.iso",
		Size:     2048,
		Checksum: "ffffffffffffffffffffffffffffffff",
		Target:   "all",
	})

	env := client.expect(t, protocol.FileAckFailure)
	fail, err := protocol.DecodeFileError(env.Payload)
	require.NoError(t, err)
	assert.Contains(t, fail.Reason, "too large")
}

func TestUploadAbortsOnUnexpectedMessage(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	client := dialFile(t, svc)

	client.sendJSON(t, protocol.FileMetadata, protocol.FileMetadataPayload{
		Name:     "half.bin",
		Size:     4096,
		Checksum: "ffffffffffffffffffffffffffffffff",
		Target:   "all",
	})
	client.send(t, protocol.FileChunk, testPayload(1024))
	client.send(t, protocol.Chat, []byte(`{}`))

	client.expect(t, protocol.FileAckFailure)

	entries, err := os.ReadDir(svc.StorageDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	data := testPayload(80_000)
	require.NoError(t, os.WriteFile(filepath.Join(svc.StorageDir(), "shared.zip"), data, 0o644))

	client := dialFile(t, svc)
	client.sendJSON(t, protocol.FileRequestDownload, protocol.FileNamePayload{Name: "shared.zip"})

	env := client.expect(t, protocol.FileMetadata)
	meta, err := protocol.DecodeFileMetadata(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "shared.zip", meta.Name)
	assert.Equal(t, int64(len(data)), meta.Size)
	assert.Equal(t, checksum(data), meta.Checksum)

	var got bytes.Buffer
	for int64(got.Len()) < meta.Size {
		chunk := client.expect(t, protocol.FileChunk)
		assert.LessOrEqual(t, len(chunk.Payload), protocol.MaxChunkSize)
		got.Write(chunk.Payload)
	}
	assert.Equal(t, data, got.Bytes())
}

func TestDownloadRefusesStagingFiles(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	// A half-finished upload is sitting in the storage root under its
	// staging name; it must not be addressable by download.
	staged := filepath.Join(svc.StorageDir(), stagingPrefix+"123456")
	require.NoError(t, os.WriteFile(staged, []byte("partial upload"), 0o644))

	client := dialFile(t, svc)
	client.sendJSON(t, protocol.FileRequestDownload, protocol.FileNamePayload{Name: stagingPrefix + "123456"})

	env := client.expect(t, protocol.FileAckFailure)
	fail, err := protocol.DecodeFileError(env.Payload)
	require.NoError(t, err)
	assert.Contains(t, fail.Reason, "invalid")
}

func TestDownloadMissingFile(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	client := dialFile(t, svc)

	client.sendJSON(t, protocol.FileRequestDownload, protocol.FileNamePayload{Name: "ghost.txt"})

	env := client.expect(t, protocol.FileAckFailure)
	fail, err := protocol.DecodeFileError(env.Payload)
	require.NoError(t, err)
	assert.Contains(t, fail.Reason, "not found")
}

func TestAnnounceBroadcastSkipsSender(t *testing.T) {
	svc, store := newTestService(t, Options{})

	aliceConn := newRecordConn("10.0.0.1")
	bobConn := newRecordConn("10.0.0.2")
	alice, err := store.Register("Alice", "standup", aliceConn)
	require.NoError(t, err)
	_, err = store.Register("Bob", "standup", bobConn)
	require.NoError(t, err)

	svc.announce(&transfer{
		id:     "t1",
		sender: alice,
		meta:   protocol.FileMetadataPayload{Name: "slides.pdf", Size: 10, Checksum: "ff", Target: "all"},
	})

	envs := bobConn.envelopes(t)
	require.Len(t, envs, 1)
	require.Equal(t, protocol.Chat, envs[0].Type)
	msg, err := protocol.DecodeChat(envs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ChatKindFileAnnounce, msg.Kind)
	assert.Equal(t, "slides.pdf", msg.Text)
	assert.Equal(t, "Alice", msg.Sender)

	assert.Empty(t, aliceConn.envelopes(t))
}

func TestAnnounceUnicastTarget(t *testing.T) {
	svc, store := newTestService(t, Options{})

	aliceConn := newRecordConn("10.0.0.1")
	bobConn := newRecordConn("10.0.0.2")
	carolConn := newRecordConn("10.0.0.3")
	alice, err := store.Register("Alice", "standup", aliceConn)
	require.NoError(t, err)
	_, err = store.Register("Bob", "standup", bobConn)
	require.NoError(t, err)
	_, err = store.Register("Carol", "standup", carolConn)
	require.NoError(t, err)

	svc.announce(&transfer{
		id:     "t1",
		sender: alice,
		meta:   protocol.FileMetadataPayload{Name: "slides.pdf", Size: 10, Checksum: "ff", Target: "bob"},
	})

	require.Len(t, bobConn.envelopes(t), 1)
	assert.Empty(t, carolConn.envelopes(t))
	assert.Empty(t, aliceConn.envelopes(t))
}

func TestResolvePathConfinesToStorageRoot(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	path, err := svc.resolvePath("plain.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(svc.StorageDir(), "plain.txt"), path)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "..hidden../x", "foo..bar", stagingPrefix + "abc"} {
		_, err := svc.resolvePath(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestIdleTimeoutScalesWithSize(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	assert.Equal(t, baseIdleTimeout, svc.idleTimeout(1024))
	assert.Equal(t, baseIdleTimeout+20*idleTimeoutPerMiB, svc.idleTimeout(20*1024*1024))
}
