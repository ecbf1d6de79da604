// Package video implements the lossy video frame relay and the reliable
// screen-share channel. Frames are opaque compressed payloads: no
// reordering, no buffering, no decoding — only room-scoped fan-out with
// sender exclusion.
package video

import (
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lanmeet/lanmeet/internal/core"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/sessions"
	"github.com/lanmeet/lanmeet/internal/telemetry"
)

const udpReadBuffer = 64 * 1024

// Relay forwards each STREAM_VIDEO datagram verbatim to every other
// video-registered member of the sender's room.
type Relay struct {
	store *sessions.Store

	conn   *net.UDPConn
	sendTo func(addr *net.UDPAddr, frame []byte)

	closeOnce sync.Once
}

func NewRelay(store *sessions.Store) *Relay {
	r := &Relay{store: store}
	r.sendTo = r.writeDatagram
	return r
}

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

	log.Info().Str("service", "video").Str("addr", addr).Msg("listening")

	go r.readLoop()

	return nil
}

func (r *Relay) Close() {
	r.closeOnce.Do(func() {
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
			log.Debug().Err(err).Str("service", "video").Msg("receive loop stopped")
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		r.handleDatagram(data, sender)
	}
}

func (r *Relay) handleDatagram(data []byte, sender *net.UDPAddr) {
	env, err := protocol.DecodeDatagram(data)
	if err != nil {
		// Malformed datagrams are dropped without affecting other packets.
		telemetry.ServiceOperationCounter.WithLabelValues("video_rx", "error", "malformed").Add(1)
		return
	}

	ip := sender.IP.String()
	r.store.BindMedia(ip, core.VideoMedia, sender)

	switch env.Type {
	case protocol.StreamVideo:
		r.fanOut(data, sender, ip)
	case protocol.Register:
		r.store.TouchByIP(ip)
	default:
		telemetry.ServiceOperationCounter.WithLabelValues("video_rx", "error", "unexpected_type").Add(1)
	}
}

// fanOut resends the raw datagram to the sender's room, excluding the
// sender. Room membership comes fresh from the store on every frame.
func (r *Relay) fanOut(frame []byte, sender *net.UDPAddr, senderIP string) {
	room, ok := r.store.RoomByIP(senderIP)
	if !ok {
		return
	}

	for _, target := range r.store.MediaTargets(core.VideoMedia) {
		if target.Room != room || target.IP == senderIP {
			continue
		}
		r.sendTo(target.Addr, frame)
	}
}

func (r *Relay) writeDatagram(addr *net.UDPAddr, frame []byte) {
	if _, err := r.conn.WriteToUDP(frame, addr); err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("video_tx", "error", "send_failed").Add(1)
	}
}
