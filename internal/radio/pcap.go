package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

const pcapSnapLen = 65535

// ReplayOptions controls Replay.
type ReplayOptions struct {
	// Port keeps only UDP frames to this destination port. Zero keeps all.
	Port int
	// Realtime paces delivery by capture timestamps, divided by Speed.
	Realtime bool
	Speed    float64
}

// ReplayStats summarises a Replay run.
type ReplayStats struct {
	Packets   int
	Delivered int
	Skipped   int
}

// Replay reads a capture of UDP bridge traffic from r and delivers each
// frame's payload to h as if it had arrived on a UDP bridge. Received is
// the capture timestamp.
func Replay(ctx context.Context, r io.Reader, opts ReplayOptions, h Handler) (ReplayStats, error) {
	var stats ReplayStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("open capture: %w", err)
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	var first, startWall time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read capture packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (opts.Port != 0 && int(udp.DstPort) != opts.Port) || len(udp.Payload) < sensor.IdentityLen {
			stats.Skipped++
			continue
		}

		if opts.Realtime {
			if first.IsZero() {
				first, startWall = ci.Timestamp, time.Now()
			}
			due := startWall.Add(time.Duration(float64(ci.Timestamp.Sub(first)) / speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		from, _ := sensor.FromBytes(udp.Payload[:sensor.IdentityLen])
		h(ctx, Datagram{
			From:     from,
			Data:     append([]byte(nil), udp.Payload[sensor.IdentityLen:]...),
			Received: ci.Timestamp,
		})
		stats.Delivered++
	}
}

// Recorder writes bridge frames to a pcap stream as Ethernet/IPv4/UDP so
// standard tools can open it. Install Tap on a UDP transport.
type Recorder struct {
	mu    sync.Mutex
	w     *pcapgo.Writer
	local *net.UDPAddr
	now   func() time.Time
}

// NewRecorder writes the capture header to w. local is the bridge socket
// address used as one end of every recorded frame.
func NewRecorder(w io.Writer, local *net.UDPAddr) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &Recorder{w: pw, local: local, now: time.Now}, nil
}

// Tap returns a UDP Tap writing into the recorder. Errors are dropped.
func (r *Recorder) Tap() Tap {
	return func(inbound bool, remote *net.UDPAddr, frame []byte) {
		src, dst := remote, r.local
		if !inbound {
			src, dst = r.local, remote
		}
		_ = r.Write(r.now(), src, dst, frame)
	}
}

// Write records one UDP datagram from src to dst.
func (r *Recorder) Write(ts time.Time, src, dst *net.UDPAddr, payload []byte) error {
	data, err := encodeUDP(src, dst, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func ipv4(a *net.UDPAddr) net.IP {
	if a != nil {
		if ip := a.IP.To4(); ip != nil && !ip.IsUnspecified() {
			return ip
		}
	}
	return net.IPv4(127, 0, 0, 1).To4()
}

func port(a *net.UDPAddr) layers.UDPPort {
	if a == nil {
		return 0
	}
	return layers.UDPPort(a.Port)
}

func encodeUDP(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ipv4(src),
		DstIP:    ipv4(dst),
	}
	udp := &layers.UDP{SrcPort: port(src), DstPort: port(dst)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
