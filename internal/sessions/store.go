// Package sessions owns every connected client's state: identity, room
// membership, media endpoints and liveness. All services read and mutate
// shared state exclusively through the store, which serializes access with
// one coarse lock — client counts on a LAN are tens, not thousands.
package sessions

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lanmeet/lanmeet/internal/core"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/telemetry"
)

// session is owned exclusively by the store. Identity fields are written
// once at registration; mutable fields are guarded by the store lock, conn
// writes by writeMu.
type session struct {
	key      core.SessionKey
	username string
	room     string
	ip       string

	conn      net.Conn
	writeMu   sync.Mutex
	seq       uint16
	audioAddr *net.UDPAddr
	videoAddr *net.UDPAddr
	lastSeen  time.Time
	state     core.Liveness
}

func (s *session) member() core.Member {
	return core.Member{Key: s.key, Username: s.username, Room: s.room, IP: s.ip, State: s.state}
}

// writeTimeout bounds every reliable-channel write. A receiver that stops
// draining its socket must fail fast here, not stall the caller: the
// heartbeat monitor and roster broadcasts run these writes on shared
// goroutines, and a timed-out write is treated as a dead connection.
const writeTimeout = time.Second

// send packs and writes one envelope on the reliable channel. Sequence
// numbers are per-sender monotonic.
func (s *session) send(t protocol.MessageType, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.seq++
	frame, err := protocol.Encode(t, s.seq, payload)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = s.conn.Write(frame)
	return err
}

// RosterFunc observes membership changes of a room. Callbacks run outside
// the store lock and receive a snapshot of the remaining members.
type RosterFunc func(room string, members []core.Member)

// MediaTarget is a snapshot of one registered media endpoint.
type MediaTarget struct {
	Key  core.SessionKey
	Room string
	IP   string
	Addr *net.UDPAddr
}

// Options configures a Store. The zero value of each field falls back to
// the production default; Clock is injectable for tests.
type Options struct {
	HeartbeatInterval time.Duration // monitor period, default 3s
	IdleTimeout       time.Duration // eviction threshold, default 15s
	Clock             func() time.Time
}

type Store struct {
	mu     sync.RWMutex
	byKey  map[core.SessionKey]*session
	byIP   map[string]core.SessionKey
	rooms  map[string]map[core.SessionKey]struct{}
	roster []RosterFunc

	clock             func() time.Time
	heartbeatInterval time.Duration
	idleTimeout       time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewStore(opts Options) *Store {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 3 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		byKey:             make(map[core.SessionKey]*session),
		byIP:              make(map[string]core.SessionKey),
		rooms:             make(map[string]map[core.SessionKey]struct{}),
		clock:             opts.Clock,
		heartbeatInterval: opts.HeartbeatInterval,
		idleTimeout:       opts.IdleTimeout,
		done:              make(chan struct{}),
	}
}

// OnRosterChange registers a callback fired after every membership change.
// Register all callbacks before traffic starts.
func (s *Store) OnRosterChange(fn RosterFunc) {
	s.mu.Lock()
	s.roster = append(s.roster, fn)
	s.mu.Unlock()
}

// Register allocates a session for the connection. The duplicate-name check
// is case-insensitive and scoped to the room; on collision no partial
// session is created.
func (s *Store) Register(username, room string, conn net.Conn) (core.Member, error) {
	room = normalizeRoom(room)
	folded := foldName(username)

	s.mu.Lock()
	for key := range s.rooms[room] {
		if foldName(s.byKey[key].username) == folded {
			s.mu.Unlock()
			return core.Member{}, core.ErrDuplicateName
		}
	}

	sess := &session{
		key:      core.NewSessionKey(),
		username: username,
		room:     room,
		ip:       remoteIP(conn),
		conn:     conn,
		lastSeen: s.clock(),
		state:    core.LivenessActive,
	}
	s.byKey[sess.key] = sess
	s.byIP[sess.ip] = sess.key
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[core.SessionKey]struct{})
		s.rooms[room] = members
	}
	members[sess.key] = struct{}{}
	snapshot := s.membersLocked(room)
	s.mu.Unlock()

	telemetry.SessionStarted()
	log.Info().Str("service", "sessions").Str("username", username).Str("room", room).Str("ip", sess.ip).Msg("session registered")

	s.notifyRoster(room, snapshot)

	return sess.member(), nil
}

// BindMedia attaches an unreliable-channel endpoint to the session owned by
// the source IP. Unknown sources are ignored: media packets may race ahead
// of control registration.
func (s *Store) BindMedia(ip string, kind core.MediaKind, addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byIP[ip]
	if !ok {
		return
	}
	sess := s.byKey[key]
	switch kind {
	case core.AudioMedia:
		sess.audioAddr = addr
	case core.VideoMedia:
		sess.videoAddr = addr
	}
	sess.lastSeen = s.clock()
}

// Touch records heartbeat activity for a session.
func (s *Store) Touch(key core.SessionKey) {
	s.mu.Lock()
	if sess, ok := s.byKey[key]; ok {
		sess.lastSeen = s.clock()
		sess.state = core.LivenessActive
	}
	s.mu.Unlock()
}

// TouchByIP records activity observed on an unreliable channel.
func (s *Store) TouchByIP(ip string) {
	s.mu.Lock()
	if key, ok := s.byIP[ip]; ok {
		s.byKey[key].lastSeen = s.clock()
	}
	s.mu.Unlock()
}

// Evict removes a session and closes its connection. Explicit disconnect
// and heartbeat-timeout share this single cleanup path; calling it twice is
// harmless. Reports whether the session was still present.
func (s *Store) Evict(key core.SessionKey) bool {
	s.mu.Lock()
	sess, ok := s.byKey[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.byKey, key)
	if s.byIP[sess.ip] == key {
		delete(s.byIP, sess.ip)
	}
	room := sess.room
	if members, ok := s.rooms[room]; ok {
		delete(members, key)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	sess.state = core.LivenessDisconnected
	snapshot := s.membersLocked(room)
	s.mu.Unlock()

	sess.conn.Close()

	telemetry.SessionStopped()
	log.Info().Str("service", "sessions").Str("username", sess.username).Str("room", room).Msg("session evicted")

	s.notifyRoster(room, snapshot)

	return true
}

// Resolve finds a room member by case-insensitive username.
func (s *Store) Resolve(username, room string) (core.Member, error) {
	room = normalizeRoom(room)
	folded := foldName(username)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for key := range s.rooms[room] {
		if sess := s.byKey[key]; foldName(sess.username) == folded {
			return sess.member(), nil
		}
	}
	return core.Member{}, core.ErrNotFound
}

// MembersOf snapshots the room's membership.
func (s *Store) MembersOf(room string) []core.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.membersLocked(normalizeRoom(room))
}

// Rooms snapshots every room with its members.
func (s *Store) Rooms() map[string][]core.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]core.Member, len(s.rooms))
	for room := range s.rooms {
		out[room] = s.membersLocked(room)
	}
	return out
}

// MemberByIP resolves the session registered from the given address.
func (s *Store) MemberByIP(ip string) (core.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.byIP[ip]; ok {
		return s.byKey[key].member(), nil
	}
	return core.Member{}, core.ErrNotFound
}

// RoomByIP reports the room of the session registered from the address.
func (s *Store) RoomByIP(ip string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.byIP[ip]; ok {
		return s.byKey[key].room, true
	}
	return "", false
}

// MediaTargets snapshots every session with a bound endpoint of the kind.
func (s *Store) MediaTargets(kind core.MediaKind) []MediaTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make([]MediaTarget, 0, len(s.byKey))
	for _, sess := range s.byKey {
		var addr *net.UDPAddr
		switch kind {
		case core.AudioMedia:
			addr = sess.audioAddr
		case core.VideoMedia:
			addr = sess.videoAddr
		}
		if addr != nil {
			targets = append(targets, MediaTarget{Key: sess.key, Room: sess.room, IP: sess.ip, Addr: addr})
		}
	}
	return targets
}

// Send resolves the key fresh and writes one envelope on the session's
// reliable channel. A concurrently evicted session yields ErrNotFound.
func (s *Store) Send(key core.SessionKey, t protocol.MessageType, payload []byte) error {
	s.mu.RLock()
	sess, ok := s.byKey[key]
	s.mu.RUnlock()

	if !ok {
		return core.ErrNotFound
	}
	return sess.send(t, payload)
}

// SendToRoom fans an envelope out to every room member except the excluded
// key. Dead connections are logged, not fatal.
func (s *Store) SendToRoom(room string, except core.SessionKey, t protocol.MessageType, payload []byte) {
	for _, m := range s.MembersOf(room) {
		if m.Key == except {
			continue
		}
		if err := s.Send(m.Key, t, payload); err != nil {
			log.Debug().Err(err).Str("service", "sessions").Str("username", m.Username).Msg("room fan-out write failed")
		}
	}
}

// Close stops the heartbeat monitor.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Store) membersLocked(room string) []core.Member {
	members := make([]core.Member, 0, len(s.rooms[room]))
	for key := range s.rooms[room] {
		members = append(members, s.byKey[key].member())
	}
	return members
}

func (s *Store) notifyRoster(room string, members []core.Member) {
	s.mu.RLock()
	callbacks := make([]RosterFunc, len(s.roster))
	copy(callbacks, s.roster)
	s.mu.RUnlock()

	for _, fn := range callbacks {
		fn(room, members)
	}
}

func normalizeRoom(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return core.DefaultRoom
	}
	return room
}

func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
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
