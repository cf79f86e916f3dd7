package radio

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/serialmux"
)

// Serial bridge line protocol. The bridge firmware prints one line per
// received frame and accepts one command per line.
const (
	lineRX   = "RX"   // RX <mac> <hex>   inbound frame
	lineTX   = "TX"   // TX <mac> <hex>   unicast
	lineBC   = "BC"   // BC <hex>         broadcast
	linePeer = "PEER" // PEER <mac>       register a peer
	lineErr  = "ERR"
)

// Serial is a Transport over a serial-attached radio bridge.
type Serial struct {
	mux   serialmux.SerialMuxInterface
	peers *PeerTable
	log   zerolog.Logger
}

var _ Transport = (*Serial)(nil)

// NewSerial uses mux for bridge I/O. The caller runs mux.Monitor.
func NewSerial(mux serialmux.SerialMuxInterface, log zerolog.Logger) *Serial {
	return &Serial{mux: mux, peers: NewPeerTable(), log: log}
}

func (s *Serial) Peers() *PeerTable { return s.peers }

func (s *Serial) command(line string) error {
	if err := s.mux.SendCommand(line); err != nil {
		return fmt.Errorf("%w: serial write: %w", ErrTransport, err)
	}
	return nil
}

func (s *Serial) Send(_ context.Context, to sensor.Identity, data []byte) error {
	if !s.peers.Has(to) {
		return fmt.Errorf("%w: send to %s: %w", ErrTransport, to, ErrUnknownPeer)
	}
	return s.command(fmt.Sprintf("%s %s %s", lineTX, to, hex.EncodeToString(data)))
}

func (s *Serial) Broadcast(_ context.Context, data []byte) error {
	return s.command(fmt.Sprintf("%s %s", lineBC, hex.EncodeToString(data)))
}

func (s *Serial) EnsurePeer(_ context.Context, id sensor.Identity) (bool, error) {
	if s.peers.Has(id) {
		return false, nil
	}
	if err := s.command(fmt.Sprintf("%s %s", linePeer, id)); err != nil {
		return false, err
	}
	return s.peers.Add(id, time.Now()), nil
}

// ParseRX decodes an "RX <mac> <hex>" line. ok is false for any other line.
func ParseRX(line string) (from sensor.Identity, data []byte, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != lineRX {
		return from, nil, false, nil
	}
	if len(fields) != 3 {
		return from, nil, true, fmt.Errorf("malformed RX line: %d fields", len(fields))
	}
	from, err = sensor.Parse(fields[1])
	if err != nil {
		return from, nil, true, err
	}
	data, err = hex.DecodeString(fields[2])
	if err != nil {
		return from, nil, true, fmt.Errorf("malformed RX payload: %w", err)
	}
	return from, data, true, nil
}

func (s *Serial) Serve(ctx context.Context, h Handler) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			from, data, isRX, err := ParseRX(line)
			switch {
			case err != nil:
				s.log.Warn().Err(err).Str("line", line).Msg("dropping bridge line")
			case isRX:
				h(ctx, Datagram{From: from, Data: data, Received: time.Now()})
			case strings.HasPrefix(line, lineErr):
				s.log.Warn().Str("line", line).Msg("bridge reported error")
			default:
				s.log.Debug().Str("line", line).Msg("bridge")
			}
		}
	}
}

func (s *Serial) Close() error { return s.mux.Close() }
