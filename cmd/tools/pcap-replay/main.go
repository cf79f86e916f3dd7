// Command pcap-replay summarises a capture of relay bridge traffic and can
// resend its frames to a running relay.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// Config holds the replay options.
type Config struct {
	PCAPFile   string
	Port       int
	WireFormat string
	SendTo     string
	Speed      float64
}

// SequenceSummary counts the data packets seen for one sequence.
type SequenceSummary struct {
	Sensor     string `json:"sensor"`
	SequenceID uint16 `json:"sequence_id"`
	Total      uint16 `json:"total"`
	Packets    int    `json:"packets"`
	Distinct   int    `json:"distinct"`
	Rotations  int    `json:"rotations"`
}

// Result is the JSON report written to stdout.
type Result struct {
	PCAPFile  string            `json:"pcap_file"`
	Frames    int               `json:"frames"`
	Delivered int               `json:"delivered"`
	Skipped   int               `json:"skipped"`
	Malformed int               `json:"malformed"`
	Sent      int               `json:"sent,omitempty"`
	Kinds     map[string]int    `json:"kinds"`
	Sensors   []string          `json:"sensors"`
	Sequences []SequenceSummary `json:"sequences"`
}

type seqKey struct {
	id  sensor.Identity
	seq uint16
}

type analyzer struct {
	codec   wire.Codec
	result  Result
	sensors map[sensor.Identity]bool
	seqs    map[seqKey]*SequenceSummary
	nums    map[seqKey]map[uint8]bool
	send    func(from sensor.Identity, data []byte) error
}

func newAnalyzer(codec wire.Codec) *analyzer {
	return &analyzer{
		codec:   codec,
		result:  Result{Kinds: map[string]int{}},
		sensors: map[sensor.Identity]bool{},
		seqs:    map[seqKey]*SequenceSummary{},
		nums:    map[seqKey]map[uint8]bool{},
	}
}

func (a *analyzer) sequence(k seqKey) *SequenceSummary {
	s, ok := a.seqs[k]
	if !ok {
		s = &SequenceSummary{Sensor: k.id.String(), SequenceID: k.seq}
		a.seqs[k] = s
		a.nums[k] = map[uint8]bool{}
	}
	return s
}

func (a *analyzer) handle(_ context.Context, dg radio.Datagram) {
	if a.send != nil {
		if err := a.send(dg.From, dg.Data); err != nil {
			log.Printf("resend failed: %v", err)
		} else {
			a.result.Sent++
		}
	}
	rec, err := a.codec.Decode(dg.Data)
	if err != nil {
		a.result.Malformed++
		return
	}
	a.result.Kinds[rec.Kind().String()]++
	a.sensors[dg.From] = true

	switch r := rec.(type) {
	case wire.DataPacket:
		k := seqKey{dg.From, r.SequenceID}
		s := a.sequence(k)
		s.Packets++
		s.Total = r.Total
		a.nums[k][r.PacketNum] = true
		s.Distinct = len(a.nums[k])
	case wire.Rotate:
		a.sequence(seqKey{dg.From, r.SequenceID}).Rotations++
	}
}

func (a *analyzer) finish(stats radio.ReplayStats) Result {
	res := a.result
	res.Frames = stats.Packets
	res.Delivered = stats.Delivered
	res.Skipped = stats.Skipped
	for id := range a.sensors {
		res.Sensors = append(res.Sensors, id.String())
	}
	sort.Strings(res.Sensors)
	for _, s := range a.seqs {
		res.Sequences = append(res.Sequences, *s)
	}
	sort.Slice(res.Sequences, func(i, j int) bool {
		if res.Sequences[i].Sensor != res.Sequences[j].Sensor {
			return res.Sequences[i].Sensor < res.Sequences[j].Sensor
		}
		return res.Sequences[i].SequenceID < res.Sequences[j].SequenceID
	})
	return res
}

// udpSender resends each frame, identity prefix included, to addr.
func udpSender(addr string) (func(sensor.Identity, []byte) error, io.Closer, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	send := func(from sensor.Identity, data []byte) error {
		frame := append(append(make([]byte, 0, sensor.IdentityLen+len(data)), from[:]...), data...)
		_, err := conn.Write(frame)
		return err
	}
	return send, conn, nil
}

func run(ctx context.Context, cfg Config, out io.Writer) error {
	codec, err := wire.NewCodec(cfg.WireFormat)
	if err != nil {
		return err
	}
	f, err := os.Open(cfg.PCAPFile)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	a := newAnalyzer(codec)
	if cfg.SendTo != "" {
		send, conn, err := udpSender(cfg.SendTo)
		if err != nil {
			return err
		}
		defer conn.Close()
		a.send = send
	}

	stats, err := radio.Replay(ctx, f, radio.ReplayOptions{
		Port:     cfg.Port,
		Realtime: cfg.SendTo != "" && cfg.Speed > 0,
		Speed:    cfg.Speed,
	}, a.handle)
	if err != nil {
		return err
	}
	res := a.finish(stats)
	res.PCAPFile = cfg.PCAPFile

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.PCAPFile, "pcap", "", "Capture file to read (required)")
	flag.IntVar(&cfg.Port, "port", 4210, "Keep only frames sent to this UDP port (0 = all)")
	flag.StringVar(&cfg.WireFormat, "wire-format", wire.FormatTagged, "Wire framing: tagged or legacy")
	flag.StringVar(&cfg.SendTo, "send", "", "Resend frames to this relay address")
	flag.Float64Var(&cfg.Speed, "speed", 1, "Pace resends at this multiple of capture time (0 = as fast as possible)")
	flag.Parse()

	if cfg.PCAPFile == "" {
		log.Fatal("-pcap is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("replay failed: %v", err)
	}
}
