// Package control implements the reliable control channel: registration,
// heartbeats, user-list broadcasts and chat routing.
package control

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lanmeet/lanmeet/internal/core"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/sessions"
	"github.com/lanmeet/lanmeet/internal/telemetry"
)

// Targets accepted as room-wide broadcast addresses.
func isBroadcastTarget(target string) bool {
	switch target {
	case "", "all", "everyone":
		return true
	}
	return false
}

type Service struct {
	store *sessions.Store
	clock func() time.Time

	mu sync.Mutex
	ln net.Listener
}

func NewService(store *sessions.Store) *Service {
	s := &Service{store: store, clock: time.Now}

	// Membership changes, whichever service caused them, surface to clients
	// as USER_LIST broadcasts.
	store.OnRosterChange(func(room string, members []core.Member) {
		s.broadcastUserList(room, members)
	})

	return s
}

// Listen accepts control connections until Close, one goroutine each.
func (s *Service) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("service", "control").Str("addr", addr).Msg("listening")

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Debug().Err(err).Str("service", "control").Msg("accept loop stopped")
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

// handleConn drives one connection through UNREGISTERED -> ACTIVE ->
// DISCONNECTED. A malformed envelope closes the connection; it never takes
// the service down.
func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	member, err := s.awaitRegister(conn, reader)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Warn().Err(err).Str("service", "control").Str("remote", conn.RemoteAddr().String()).Msg("registration failed")
		}
		return
	}
	defer s.store.Evict(member.Key)

	for {
		env, err := protocol.ReadEnvelope(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("service", "control").Str("username", member.Username).Msg("closing connection")
			}
			return
		}

		s.store.Touch(member.Key)

		switch env.Type {
		case protocol.Heartbeat:
			// Touch above is the whole job; no reply required.
		case protocol.Chat:
			s.routeChat(member, env.Payload)
		case protocol.Disconnect:
			log.Info().Str("service", "control").Str("username", member.Username).Msg("client disconnect")
			return
		default:
			log.Warn().Str("service", "control").Str("type", env.Type.String()).Str("username", member.Username).Msg("unexpected message on control channel")
			return
		}
	}
}

// awaitRegister reads until a REGISTER arrives. Pre-registration heartbeats
// are tolerated; anything else closes the connection. On a name collision
// the client gets a SYSTEM rejection before the close and no session
// exists.
func (s *Service) awaitRegister(conn net.Conn, reader *bufio.Reader) (core.Member, error) {
	for {
		env, err := protocol.ReadEnvelope(reader)
		if err != nil {
			return core.Member{}, err
		}

		switch env.Type {
		case protocol.Heartbeat:
			continue
		case protocol.Register:
		default:
			return core.Member{}, errors.New("control: message before registration")
		}

		reg, err := protocol.DecodeRegister(env.Payload)
		if err != nil {
			return core.Member{}, err
		}
		if reg.Username == "" {
			return core.Member{}, errors.New("control: empty username")
		}

		member, err := s.store.Register(reg.Username, reg.RoomID, conn)
		if err != nil {
			if errors.Is(err, core.ErrDuplicateName) {
				telemetry.ServiceOperationCounter.WithLabelValues("register", "error", "duplicate_name").Add(1)
				s.rejectRegistration(conn, reg)
			}
			return core.Member{}, err
		}

		telemetry.ServiceOperationCounter.WithLabelValues("register", "success", "").Add(1)
		return member, nil
	}
}

// rejectRegistration tells the client why it is being dropped. The protocol
// has no register-ack type; rejections ride a SYSTEM chat payload.
func (s *Service) rejectRegistration(conn net.Conn, reg protocol.RegisterPayload) {
	payload, err := protocol.MarshalPayload(protocol.ChatPayload{
		Sender:    protocol.SystemSender,
		Target:    reg.Username,
		Text:      `username "` + reg.Username + `" is already taken in this room`,
		RoomID:    reg.RoomID,
		Timestamp: unixSeconds(s.clock()),
		Kind:      protocol.ChatKindError,
	})
	if err != nil {
		return
	}
	if frame, err := protocol.Encode(protocol.Chat, 0, payload); err == nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.Write(frame)
	}
}

func (s *Service) broadcastUserList(room string, members []core.Member) {
	users := make([]protocol.UserEntry, 0, len(members))
	for _, m := range members {
		users = append(users, protocol.UserEntry{Username: m.Username, IP: m.IP})
	}

	payload, err := protocol.MarshalPayload(protocol.UserListPayload{Users: users})
	if err != nil {
		log.Error().Err(err).Str("service", "control").Msg("marshal user list")
		return
	}

	for _, m := range members {
		if err := s.store.Send(m.Key, protocol.UserList, payload); err != nil {
			log.Debug().Err(err).Str("service", "control").Str("username", m.Username).Msg("user list push failed")
		}
	}
}

// routeChat delivers a chat message within the sender's room. Broadcast
// targets reach every other member; unicast targets are resolved
// case-insensitively. The sender always learns the outcome: a delivery
// confirmation or an explicit failure, never silence.
func (s *Service) routeChat(sender core.Member, raw []byte) {
	msg, err := protocol.DecodeChat(raw)
	if err != nil {
		log.Warn().Err(err).Str("service", "control").Str("username", sender.Username).Msg("malformed chat payload")
		s.systemReply(sender, protocol.ChatKindError, "malformed chat message")
		return
	}

	// The server is authoritative for attribution; a claimed sender or room
	// is always overwritten. The timestamp is the client's when it sent one,
	// filled in otherwise.
	msg.Sender = sender.Username
	msg.RoomID = sender.Room
	if msg.Timestamp <= 0 {
		msg.Timestamp = unixSeconds(s.clock())
	}

	payload, err := protocol.MarshalPayload(msg)
	if err != nil {
		log.Error().Err(err).Str("service", "control").Msg("marshal chat")
		return
	}

	if isBroadcastTarget(msg.Target) {
		members := s.store.MembersOf(sender.Room)
		delivered := 0
		for _, m := range members {
			if m.Key == sender.Key {
				continue
			}
			if err := s.store.Send(m.Key, protocol.Chat, payload); err == nil {
				delivered++
			}
		}
		telemetry.ServiceOperationCounter.WithLabelValues("chat", "success", "").Add(1)
		s.systemReply(sender, protocol.ChatKindDeliveryConfirm, "message delivered to room")
		log.Debug().Str("service", "control").Str("username", sender.Username).Int("recipients", delivered).Msg("chat broadcast")
		return
	}

	target, err := s.store.Resolve(msg.Target, sender.Room)
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("chat", "error", "target_not_found").Add(1)
		s.systemReply(sender, protocol.ChatKindError, `user "`+msg.Target+`" not found in this room`)
		return
	}

	if err := s.store.Send(target.Key, protocol.Chat, payload); err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("chat", "error", "send_failed").Add(1)
		s.systemReply(sender, protocol.ChatKindError, `delivery to "`+target.Username+`" failed`)
		return
	}

	telemetry.ServiceOperationCounter.WithLabelValues("chat", "success", "").Add(1)
	s.systemReply(sender, protocol.ChatKindDeliveryConfirm, "message delivered to "+target.Username)
}

func (s *Service) systemReply(to core.Member, kind, text string) {
	payload, err := protocol.MarshalPayload(protocol.ChatPayload{
		Sender:    protocol.SystemSender,
		Target:    to.Username,
		Text:      text,
		RoomID:    to.Room,
		Timestamp: unixSeconds(s.clock()),
		Kind:      kind,
	})
	if err != nil {
		return
	}
	if err := s.store.Send(to.Key, protocol.Chat, payload); err != nil {
		log.Debug().Err(err).Str("service", "control").Str("username", to.Username).Msg("system reply failed")
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
