package audio

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/lanmeet/lanmeet/internal/core"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/sessions"
	"github.com/lanmeet/lanmeet/internal/telemetry"
)

const (
	// contributorIdleTimeout reaps jitter buffers of senders gone quiet.
	contributorIdleTimeout = 5 * time.Second

	udpReadBuffer = 64 * 1024
)

// Options sizes the relay's chunk cadence. Chunks carry raw mono s16 PCM.
type Options struct {
	SampleRate   int           // default 44100
	ChunkFrames  int           // default 1024
	JitterWindow time.Duration // default 200ms
}

// Relay receives STREAM_AUDIO datagrams, buffers them per contributor and
// broadcasts per-recipient mixes on a fixed tick aligned to the chunk
// duration. A recipient's own contribution is never part of its mix.
type Relay struct {
	store *sessions.Store
	clock func() time.Time

	chunkBytes int
	capacity   int
	tick       time.Duration

	mu      sync.Mutex
	buffers map[string]*contributor // keyed by source address

	conn   *net.UDPConn
	sendTo func(addr *net.UDPAddr, frame []byte)
	seq    atomic.Uint32

	closeOnce sync.Once
	done      chan struct{}
}

type contributor struct {
	ip     string
	buffer *jitterBuffer
}

func NewRelay(store *sessions.Store, opts Options) *Relay {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = 1024
	}
	if opts.JitterWindow <= 0 {
		opts.JitterWindow = 200 * time.Millisecond
	}

	tick := time.Duration(float64(opts.ChunkFrames) / float64(opts.SampleRate) * float64(time.Second))
	capacity := int(opts.JitterWindow / tick)
	if capacity < 1 {
		capacity = 1
	}

	r := &Relay{
		store:      store,
		clock:      time.Now,
		chunkBytes: opts.ChunkFrames * 2, // mono, 2 bytes per sample
		capacity:   capacity,
		tick:       tick,
		buffers:    make(map[string]*contributor),
		done:       make(chan struct{}),
	}
	r.sendTo = r.writeDatagram
	return r
}

// Listen binds the audio port and starts the receive loop and mixing tick.
func (r *Relay) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	r.conn = conn

	log.Info().Str("service", "audio").Str("addr", addr).Dur("tick", r.tick).Int("jitterChunks", r.capacity).Msg("listening")

	go r.readLoop()
	go r.mixLoop()

	return nil
}

func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.conn != nil {
			r.conn.Close()
		}
	})
}

func (r *Relay) readLoop() {
	buf := make([]byte, udpReadBuffer)
	for {
		n, sender, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			log.Debug().Err(err).Str("service", "audio").Msg("receive loop stopped")
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		r.handleDatagram(data, sender)
	}
}

// handleDatagram demultiplexes one datagram by source address. Malformed
// datagrams are dropped silently; they must not affect other packets.
func (r *Relay) handleDatagram(data []byte, sender *net.UDPAddr) {
	env, err := protocol.DecodeDatagram(data)
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("audio_rx", "error", "malformed").Add(1)
		return
	}

	ip := sender.IP.String()
	// Any valid envelope registers the sender as an audio endpoint; chunks
	// may race ahead of the control-channel registration.
	r.store.BindMedia(ip, core.AudioMedia, sender)

	switch env.Type {
	case protocol.StreamAudio:
		r.buffer(sender, ip, env.Payload)
	case protocol.Register:
		r.store.TouchByIP(ip)
	default:
		telemetry.ServiceOperationCounter.WithLabelValues("audio_rx", "error", "unexpected_type").Add(1)
	}
}

func (r *Relay) buffer(sender *net.UDPAddr, ip string, payload []byte) {
	now := r.clock()
	key := sender.String()

	r.mu.Lock()
	c, ok := r.buffers[key]
	if !ok {
		c = &contributor{ip: ip, buffer: newJitterBuffer(r.capacity)}
		r.buffers[key] = c
	}
	r.mu.Unlock()

	c.buffer.push(payload, now)
}

func (r *Relay) mixLoop() {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mixOnce()
		}
	}
}

// mixOnce drains at most one chunk per contributor and sends every
// recipient a mix of its room's other contributors. Contributors with no
// chunk ready are excluded from this tick, not padded with silence.
func (r *Relay) mixOnce() {
	now := r.clock()

	type contribution struct {
		ip   string
		room string
		data []byte
	}

	r.mu.Lock()
	contributions := make([]contribution, 0, len(r.buffers))
	for key, c := range r.buffers {
		if c.buffer.idleSince(now) > contributorIdleTimeout {
			delete(r.buffers, key)
			continue
		}
		if data, ok := c.buffer.pop(); ok {
			contributions = append(contributions, contribution{ip: c.ip, data: data})
		}
	}
	r.mu.Unlock()

	if len(contributions) == 0 {
		return
	}

	// Room membership is resolved fresh every tick; an evicted contributor
	// drops out here rather than being relayed stale.
	for i := range contributions {
		room, ok := r.store.RoomByIP(contributions[i].ip)
		if !ok {
			contributions[i].data = nil
			continue
		}
		contributions[i].room = room
	}

	scratch := make([][]byte, 0, len(contributions))
	for _, target := range r.store.MediaTargets(core.AudioMedia) {
		scratch = scratch[:0]
		for _, c := range contributions {
			if c.data == nil || c.room != target.Room || c.ip == target.IP {
				continue
			}
			scratch = append(scratch, c.data)
		}
		if len(scratch) == 0 {
			// Only the recipient's own voice (or nothing) this tick.
			continue
		}

		mixed := mix(scratch, r.chunkBytes)
		if mixed == nil {
			continue
		}

		frame, err := protocol.Encode(protocol.StreamAudio, uint16(r.seq.Inc()), mixed)
		if err != nil {
			log.Error().Err(err).Str("service", "audio").Msg("encode mixed chunk")
			continue
		}
		r.sendTo(target.Addr, frame)
	}
}

func (r *Relay) writeDatagram(addr *net.UDPAddr, frame []byte) {
	if _, err := r.conn.WriteToUDP(frame, addr); err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("audio_tx", "error", "send_failed").Add(1)
	}
}
