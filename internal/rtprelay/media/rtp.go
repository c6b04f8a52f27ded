package media

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// RTPHeaderSize is the fixed header length; CSRC lists and extensions are never emitted.
	RTPHeaderSize = 12

	// RTPVersion is the only protocol version produced and expected.
	RTPVersion = 2

	payloadTypeMask = 0x7F
)

// Header holds the fields of a fixed 12-byte RTP header.
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

// Packet is a decoded datagram. Payload aliases the buffer passed to DecodeRTP.
type Packet struct {
	Header
	Payload []byte
}

// EncodeRTP builds a version 2 RTP packet with no padding, extension, CSRCs or
// marker bit. The payload type is masked to 7 bits.
func EncodeRTP(payload []byte, seq uint16, ts, ssrc uint32, pt uint8) ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        RTPVersion,
			PayloadType:    pt & payloadTypeMask,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}

	buf := make([]byte, RTPHeaderSize+len(payload))
	n, err := pkt.MarshalTo(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	return buf[:n], nil
}

// DecodeRTP parses the fixed header and returns everything after byte 12 as
// the payload, regardless of the CSRC count or extension bit. A zero-length
// payload is valid.
func DecodeRTP(buf []byte) (Packet, error) {
	if len(buf) < RTPHeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidPacket, len(buf), RTPHeaderSize)
	}

	return Packet{
		Header: Header{
			Version:        (buf[0] >> 6) & 0x03,
			Padding:        (buf[0]>>5)&0x01 == 1,
			Extension:      (buf[0]>>4)&0x01 == 1,
			CSRCCount:      buf[0] & 0x0F,
			Marker:         buf[1]&0x80 != 0,
			PayloadType:    buf[1] & payloadTypeMask,
			SequenceNumber: binary.BigEndian.Uint16(buf[2:4]),
			Timestamp:      binary.BigEndian.Uint32(buf[4:8]),
			SSRC:           binary.BigEndian.Uint32(buf[8:12]),
		},
		Payload: buf[RTPHeaderSize:],
	}, nil
}

// GenerateSSRC generates a cryptographically random 32-bit SSRC.
func GenerateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// Packetizer encodes consecutive payloads of one outbound stream. The
// sequence number starts at 0 and advances by one per packet; the timestamp
// starts at 0 and advances by the number of samples in each payload.
type Packetizer struct {
	ssrc           uint32
	payloadType    uint8
	bytesPerSample int

	sequencer rtp.Sequencer
	lastSeq   uint16
	timestamp uint32
	packets   uint64
}

// NewPacketizer creates a packetizer. bytesPerSample below 1 is treated as 2 (16-bit PCM).
func NewPacketizer(ssrc uint32, pt uint8, bytesPerSample int) *Packetizer {
	if bytesPerSample < 1 {
		bytesPerSample = 2
	}
	return &Packetizer{
		ssrc:           ssrc,
		payloadType:    pt,
		bytesPerSample: bytesPerSample,
		sequencer:      rtp.NewFixedSequencer(0),
	}
}

// Packetize encodes payload with the next sequence number and current timestamp,
// then advances the timestamp. It returns the encoded packet and the sequence number used.
func (p *Packetizer) Packetize(payload []byte) ([]byte, uint16, error) {
	seq := p.sequencer.NextSequenceNumber()
	data, err := EncodeRTP(payload, seq, p.timestamp, p.ssrc, p.payloadType)
	if err != nil {
		return nil, seq, err
	}

	p.lastSeq = seq
	p.packets++
	p.timestamp += uint32(len(payload) / p.bytesPerSample)
	return data, seq, nil
}

// SSRC returns the stream's synchronization source.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// Timestamp returns the timestamp the next packet will carry.
func (p *Packetizer) Timestamp() uint32 {
	return p.timestamp
}

// LastSequence returns the sequence number of the most recent packet and
// false if nothing has been packetized yet.
func (p *Packetizer) LastSequence() (uint16, bool) {
	return p.lastSeq, p.packets > 0
}
