// Package file implements chunked file transfer over the reliable channel
// with MD5 verification, size limits and storage-root confinement.
package file

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/lanmeet/lanmeet/internal/core"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/sessions"
	"github.com/lanmeet/lanmeet/internal/telemetry"
)

const (
	// baseIdleTimeout is the minimum read deadline between chunks; it is
	// stretched for large declared sizes so slow LAN links still finish.
	baseIdleTimeout   = 30 * time.Second
	idleTimeoutPerMiB = 2 * time.Second
)

var (
	errInvalidName   = errors.New("invalid filename")
	errFileTooLarge  = errors.New("file too large")
	errSizeMismatch  = errors.New("received size mismatch")
	errBadChecksum   = errors.New("checksum mismatch")
	errUnexpectedMsg = errors.New("unexpected message during transfer")
)

type Options struct {
	StorageDir  string
	MaxFileSize int64 // default 100 MiB
	ChunkSize   int   // default 32 KiB
}

type Service struct {
	store *sessions.Store
	clock func() time.Time

	storageDir  string
	maxFileSize int64
	chunkSize   int

	mu sync.Mutex
	ln net.Listener
}

func NewService(store *sessions.Store, opts Options) (*Service, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 100 * 1024 * 1024
	}
	if opts.ChunkSize <= 0 || opts.ChunkSize > protocol.MaxChunkSize {
		opts.ChunkSize = protocol.MaxChunkSize
	}
	if err := os.MkdirAll(opts.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("file: create storage dir: %w", err)
	}
	root, err := filepath.Abs(opts.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("file: resolve storage dir: %w", err)
	}

	return &Service{
		store:       store,
		clock:       time.Now,
		storageDir:  root,
		maxFileSize: opts.MaxFileSize,
		chunkSize:   opts.ChunkSize,
	}, nil
}

// StorageDir is the resolved storage root.
func (s *Service) StorageDir() string { return s.storageDir }

func (s *Service) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("service", "file").Str("addr", addr).Str("storage", s.storageDir).Msg("listening")

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Debug().Err(err).Str("service", "file").Msg("accept loop stopped")
				return
			}
			go s.handleConn(conn)
		}
	}()

	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
}

// handleConn serves one transfer connection. Uploads open with
// FILE_METADATA (optionally preceded by a FILE_REQUEST_UPLOAD probe);
// downloads open with FILE_REQUEST_DOWNLOAD. Every failure is reported with
// FILE_ACK_FAILURE and is local to this transfer.
func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()

	tc := &transferConn{conn: conn, reader: bufio.NewReader(conn)}

	for {
		conn.SetReadDeadline(s.clock().Add(baseIdleTimeout))
		env, err := protocol.ReadEnvelope(tc.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("service", "file").Str("remote", conn.RemoteAddr().String()).Msg("connection closed")
			}
			return
		}

		switch env.Type {
		case protocol.FileRequestUpload:
			req, err := protocol.DecodeFileName(env.Payload)
			if err != nil {
				tc.fail("", "malformed upload request")
				return
			}
			if _, err := s.resolvePath(req.Name); err != nil {
				telemetry.ServiceOperationCounter.WithLabelValues("file_upload", "error", "invalid_name").Add(1)
				tc.fail(req.Name, errInvalidName.Error())
				return
			}
			// Go-ahead; the transfer proper starts at FILE_METADATA.
			tc.ack(req.Name)

		case protocol.FileMetadata:
			s.handleUpload(tc, env.Payload)
			return

		case protocol.FileRequestDownload:
			s.handleDownload(tc, env.Payload)
			return

		default:
			log.Warn().Str("service", "file").Str("type", env.Type.String()).Msg("unexpected message on file channel")
			return
		}
	}
}

// handleUpload runs one upload to completion: validate the declaration,
// stage chunks into a temp file, verify the digest and only then move the
// file into the storage root. Partial data never survives a failure.
func (s *Service) handleUpload(tc *transferConn, rawMeta []byte) {
	meta, err := protocol.DecodeFileMetadata(rawMeta)
	if err != nil {
		tc.fail("", "malformed metadata")
		return
	}

	dest, err := s.resolvePath(meta.Name)
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("file_upload", "error", "invalid_name").Add(1)
		tc.fail(meta.Name, errInvalidName.Error())
		return
	}
	if meta.Size <= 0 || meta.Size > s.maxFileSize {
		telemetry.ServiceOperationCounter.WithLabelValues("file_upload", "error", "size").Add(1)
		tc.fail(meta.Name, errFileTooLarge.Error())
		return
	}

	xfer := &transfer{
		id:     uuid.NewString(),
		sender: s.senderOf(tc.conn),
		meta:   meta,
	}
	log.Info().Str("service", "file").Str("transfer", xfer.id).Str("name", meta.Name).Int64("size", meta.Size).Msg("upload started")

	if err := s.receiveChunks(tc, xfer, dest); err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("file_upload", "error", "transfer").Add(1)
		log.Warn().Err(err).Str("service", "file").Str("transfer", xfer.id).Msg("upload failed")
		tc.fail(meta.Name, err.Error())
		return
	}

	telemetry.ServiceOperationCounter.WithLabelValues("file_upload", "success", "").Add(1)
	log.Info().Str("service", "file").Str("transfer", xfer.id).Str("name", meta.Name).Msg("upload verified")
	tc.ack(meta.Name)

	s.announce(xfer)
}

type transfer struct {
	id     string
	sender core.Member // zero value when the uploader has no session
	meta   protocol.FileMetadataPayload
}

// receiveChunks stages the upload into a temp file next to the destination
// and renames it into place only after the checksum matches. The temp file
// is removed on every error path.
func (s *Service) receiveChunks(tc *transferConn, xfer *transfer, dest string) (err error) {
	tmp, err := os.CreateTemp(s.storageDir, stagingPrefix+"*")
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	defer func() {
		tmp.Close()
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	idle := s.idleTimeout(xfer.meta.Size)
	digest := md5.New()
	var received int64

	for received < xfer.meta.Size {
		tc.conn.SetReadDeadline(s.clock().Add(idle))
		env, rerr := protocol.ReadEnvelope(tc.reader)
		if rerr != nil {
			return fmt.Errorf("transfer aborted: %w", rerr)
		}
		if env.Type != protocol.FileChunk {
			return errUnexpectedMsg
		}
		if len(env.Payload) > s.chunkSize {
			return fmt.Errorf("chunk of %d bytes exceeds limit", len(env.Payload))
		}

		if _, werr := tmp.Write(env.Payload); werr != nil {
			return fmt.Errorf("write chunk: %w", werr)
		}
		digest.Write(env.Payload)
		received += int64(len(env.Payload))
	}

	if received != xfer.meta.Size {
		return errSizeMismatch
	}
	if got := hex.EncodeToString(digest.Sum(nil)); !strings.EqualFold(got, xfer.meta.Checksum) {
		return errBadChecksum
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}

func (s *Service) handleDownload(tc *transferConn, rawReq []byte) {
	req, err := protocol.DecodeFileName(rawReq)
	if err != nil {
		tc.fail("", "malformed download request")
		return
	}

	path, err := s.resolvePath(req.Name)
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("file_download", "error", "invalid_name").Add(1)
		tc.fail(req.Name, errInvalidName.Error())
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		telemetry.ServiceOperationCounter.WithLabelValues("file_download", "error", "not_found").Add(1)
		tc.fail(req.Name, "file not found")
		return
	}

	checksum, err := checksumFile(path)
	if err != nil {
		tc.fail(req.Name, "file unreadable")
		return
	}

	meta, err := protocol.MarshalPayload(protocol.FileMetadataPayload{
		Name:     req.Name,
		Size:     info.Size(),
		Checksum: checksum,
		Target:   "all",
	})
	if err != nil {
		return
	}
	if err := tc.send(protocol.FileMetadata, meta); err != nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		tc.fail(req.Name, "file unreadable")
		return
	}
	defer f.Close()

	buf := make([]byte, s.chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if serr := tc.send(protocol.FileChunk, buf[:n]); serr != nil {
				log.Debug().Err(serr).Str("service", "file").Str("name", req.Name).Msg("download aborted")
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			log.Warn().Err(rerr).Str("service", "file").Str("name", req.Name).Msg("download read failed")
			return
		}
	}

	telemetry.ServiceOperationCounter.WithLabelValues("file_download", "success", "").Add(1)
	log.Info().Str("service", "file").Str("name", req.Name).Int64("size", info.Size()).Msg("download served")
}

// announce notifies the upload's target through the control plane as a
// CHAT of kind "file_announce": the whole room, or one resolved username,
// never the sender itself.
func (s *Service) announce(xfer *transfer) {
	if xfer.sender.Key == "" {
		// Uploader has no control-channel session; nobody to notify.
		return
	}

	payload, err := protocol.MarshalPayload(protocol.ChatPayload{
		Sender:    xfer.sender.Username,
		Target:    xfer.meta.Target,
		Text:      xfer.meta.Name,
		RoomID:    xfer.sender.Room,
		Timestamp: float64(s.clock().UnixNano()) / float64(time.Second),
		Kind:      protocol.ChatKindFileAnnounce,
	})
	if err != nil {
		return
	}

	target := strings.ToLower(strings.TrimSpace(xfer.meta.Target))
	if target == "" || target == "all" || target == "everyone" {
		s.store.SendToRoom(xfer.sender.Room, xfer.sender.Key, protocol.Chat, payload)
		return
	}

	member, err := s.store.Resolve(xfer.meta.Target, xfer.sender.Room)
	if err != nil || member.Key == xfer.sender.Key {
		return
	}
	if err := s.store.Send(member.Key, protocol.Chat, payload); err != nil {
		log.Debug().Err(err).Str("service", "file").Str("target", member.Username).Msg("announce failed")
	}
}

func (s *Service) senderOf(conn net.Conn) core.Member {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return core.Member{}
	}
	member, err := s.store.MemberByIP(host)
	if err != nil {
		return core.Member{}
	}
	return member
}

// stagingPrefix marks in-progress upload temp files inside the storage
// root. They are not addressable by name: a download request must never
// stream another client's half-finished upload.
const stagingPrefix = ".upload-"

// resolvePath sanitizes a declared filename and confines it to the storage
// root. Names carrying path separators or parent-directory components are
// rejected outright, before any chunk is accepted.
func (s *Service) resolvePath(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", errInvalidName
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", errInvalidName
	}
	if strings.HasPrefix(name, stagingPrefix) {
		return "", errInvalidName
	}
	if filepath.Base(name) != name {
		return "", errInvalidName
	}

	path := filepath.Join(s.storageDir, name)
	if !strings.HasPrefix(path, s.storageDir+string(os.PathSeparator)) {
		return "", errInvalidName
	}
	return path, nil
}

func (s *Service) idleTimeout(size int64) time.Duration {
	extra := time.Duration(size/(1024*1024)) * idleTimeoutPerMiB
	return baseIdleTimeout + extra
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest := md5.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// transferConn wraps one file-channel connection with framed sends.
type transferConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	seq     atomic.Uint32
}

func (tc *transferConn) send(t protocol.MessageType, payload []byte) error {
	frame, err := protocol.Encode(t, uint16(tc.seq.Inc()), payload)
	if err != nil {
		return err
	}
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	_, err = tc.conn.Write(frame)
	return err
}

func (tc *transferConn) ack(name string) {
	if payload, err := protocol.MarshalPayload(protocol.FileNamePayload{Name: name}); err == nil {
		tc.send(protocol.FileAckSuccess, payload)
	}
}

func (tc *transferConn) fail(name, reason string) {
	if payload, err := protocol.MarshalPayload(protocol.FileErrorPayload{Name: name, Reason: reason}); err == nil {
		tc.send(protocol.FileAckFailure, payload)
	}
}
