package video

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/sessions"
	"github.com/lanmeet/lanmeet/internal/telemetry"
)

// writeTimeout bounds viewer writes; frame fan-out runs on the presenter's
// goroutine, so a stalled viewer must fail fast rather than stall the
// presentation for the rest of the room.
const writeTimeout = time.Second

// ScreenService relays screen-share frames over the reliable channel and
// tracks a single active presenter per room. A second concurrent
// SCREEN_START is rejected: the claimant receives SCREEN_STOP addressed to
// it alone while the presenter keeps the floor.
type ScreenService struct {
	store *sessions.Store

	mu         sync.Mutex
	ln         net.Listener
	conns      map[*screenConn]struct{}
	presenters map[string]*screenConn // room -> active presenter
}

type screenConn struct {
	conn    net.Conn
	ip      string
	writeMu sync.Mutex
	seq     atomic.Uint32
}

func (c *screenConn) send(t protocol.MessageType, payload []byte) error {
	frame, err := protocol.Encode(t, uint16(c.seq.Inc()), payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(frame)
	return err
}

func NewScreenService(store *sessions.Store) *ScreenService {
	return &ScreenService{
		store:      store,
		conns:      make(map[*screenConn]struct{}),
		presenters: make(map[string]*screenConn),
	}
}

func (s *ScreenService) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("service", "screen").Str("addr", addr).Msg("listening")

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Debug().Err(err).Str("service", "screen").Msg("accept loop stopped")
				return
			}
			go s.handleConn(conn)
		}
	}()

	return nil
}

func (s *ScreenService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
	for c := range s.conns {
		c.conn.Close()
	}
}

func (s *ScreenService) handleConn(conn net.Conn) {
	sc := &screenConn{conn: conn, ip: remoteIP(conn)}

	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	defer s.dropConn(sc)

	reader := bufio.NewReader(conn)
	for {
		env, err := protocol.ReadEnvelope(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("service", "screen").Str("remote", sc.ip).Msg("closing connection")
			}
			return
		}

		switch env.Type {
		case protocol.ScreenStart:
			s.claimPresenter(sc)
		case protocol.ScreenFrame:
			s.relayFrame(sc, env.Payload)
		case protocol.ScreenStop:
			s.releasePresenter(sc, true)
		default:
			log.Warn().Str("service", "screen").Str("type", env.Type.String()).Msg("unexpected message on screen channel")
			return
		}
	}
}

// claimPresenter takes the room's presenter slot if it is free.
func (s *ScreenService) claimPresenter(sc *screenConn) {
	room, ok := s.store.RoomByIP(sc.ip)
	if !ok {
		// Not a registered session; refuse the claim.
		sc.send(protocol.ScreenStop, nil)
		return
	}

	s.mu.Lock()
	current, taken := s.presenters[room]
	if taken && current != sc {
		s.mu.Unlock()
		telemetry.ServiceOperationCounter.WithLabelValues("screen_start", "error", "presenter_taken").Add(1)
		sc.send(protocol.ScreenStop, nil)
		return
	}
	s.presenters[room] = sc
	s.mu.Unlock()

	telemetry.ServiceOperationCounter.WithLabelValues("screen_start", "success", "").Add(1)
	log.Info().Str("service", "screen").Str("room", room).Str("presenter", sc.ip).Msg("presenter claimed")
}

// relayFrame fans a presenter frame out to every other screen connection in
// the same room. Frames from non-presenters are dropped.
func (s *ScreenService) relayFrame(sc *screenConn, payload []byte) {
	room, ok := s.store.RoomByIP(sc.ip)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.presenters[room] != sc {
		s.mu.Unlock()
		return
	}
	viewers := s.viewersLocked(room, sc)
	s.mu.Unlock()

	for _, v := range viewers {
		if err := v.send(protocol.ScreenFrame, payload); err != nil {
			log.Debug().Err(err).Str("service", "screen").Str("viewer", v.ip).Msg("frame relay failed")
		}
	}
}

// releasePresenter frees the slot held by sc, notifying viewers when asked.
// Presenter disconnect and explicit SCREEN_STOP share this path.
func (s *ScreenService) releasePresenter(sc *screenConn, notify bool) {
	room, ok := s.store.RoomByIP(sc.ip)

	s.mu.Lock()
	var viewers []*screenConn
	if ok && s.presenters[room] == sc {
		delete(s.presenters, room)
		if notify {
			viewers = s.viewersLocked(room, sc)
		}
		log.Info().Str("service", "screen").Str("room", room).Msg("presenter released")
	}
	s.mu.Unlock()

	for _, v := range viewers {
		v.send(protocol.ScreenStop, nil)
	}
}

func (s *ScreenService) dropConn(sc *screenConn) {
	s.releasePresenter(sc, true)

	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()

	sc.conn.Close()
}

// viewersLocked snapshots the other connections in the room. Callers hold
// s.mu; room membership is still resolved fresh from the store, so a
// concurrently evicted session drops out here.
func (s *ScreenService) viewersLocked(room string, except *screenConn) []*screenConn {
	viewers := make([]*screenConn, 0, len(s.conns))
	for c := range s.conns {
		if c == except {
			continue
		}
		if r, ok := s.store.RoomByIP(c.ip); ok && r == room {
			viewers = append(viewers, c)
		}
	}
	return viewers
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
