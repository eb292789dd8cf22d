// Package tds implements the TDS (Tabular Data Stream) wire protocol used
// by Microsoft SQL Server, from the client side: packet framing, the
// prelogin/login handshake, the token-stream response parser, and the
// fixed/variable-length type codec.
package tds

import (
	"encoding/binary"
	"fmt"
	"io"

	tdserrors "github.com/ha1tch/gotds/pkg/errors"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	// PacketSQLBatch carries an ad-hoc SQL batch.
	PacketSQLBatch PacketType = 1

	// PacketRPCRequest carries an RPC call (sp_prepare, sp_execute, ...).
	PacketRPCRequest PacketType = 3

	// PacketTabularResult is sent by the server in response to a request.
	PacketTabularResult PacketType = 4

	// PacketAttention cancels an outstanding request.
	PacketAttention PacketType = 6

	// PacketBulkLoad carries bulk insert data. Not used by this library.
	PacketBulkLoad PacketType = 7

	// PacketFedAuthToken carries a federated authentication token.
	PacketFedAuthToken PacketType = 8

	// PacketTransMgrReq carries distributed transaction management requests.
	PacketTransMgrReq PacketType = 14

	// PacketLogin7 carries the TDS 7.x login payload.
	PacketLogin7 PacketType = 16

	// PacketSSPIMessage carries SSPI/Windows authentication data.
	PacketSSPIMessage PacketType = 17

	// PacketPrelogin negotiates connection parameters before login.
	PacketPrelogin PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketTabularResult:
		return "TABULAR_RESULT"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketTransMgrReq:
		return "TRANS_MGR_REQ"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PacketStatus is the packet header's status bitfield.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow in this message.
	StatusNormal PacketStatus = 0x00

	// StatusEOM marks the last packet of a message.
	StatusEOM PacketStatus = 0x01

	// StatusIgnore marks a packet to be ignored (used during TLS negotiation).
	StatusIgnore PacketStatus = 0x02

	// StatusResetConnection requests connection reset before this message.
	StatusResetConnection PacketStatus = 0x08

	// StatusResetConnectionSkipTran is StatusResetConnection preserving the
	// current transaction.
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

// IsEOM reports whether the End Of Message bit is set.
func (s PacketStatus) IsEOM() bool { return s&StatusEOM != 0 }

const (
	// HeaderSize is the size of a TDS packet header in bytes.
	HeaderSize = 8

	// DefaultPacketSize is negotiated before any ENVCHANGE(PacketSize) token
	// raises it.
	DefaultPacketSize = 4096

	// MaxPacketSize is the largest packet size the wire format allows.
	MaxPacketSize = 32767

	// MinPacketSize is the smallest packet size this library will honor.
	MinPacketSize = 512

	// idWrap is the modulus for the rolling packet-id counter. TDS wraps
	// at 255, not 256: id 0 is never sent on the wire, the counter cycles
	// 1..255.
	idWrap = 255
)

// Header is the 8-byte TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // total length including header, big-endian on the wire
	SPID     uint16 // big-endian on the wire
	PacketID uint8  // sequence number, 1..255, wraps
	Window   uint8  // unused, always 0
}

// ReadHeader reads and validates a packet header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return Header{}, tdserrors.UnexpectedEOF()
		}
		return Header{}, tdserrors.IOError(err)
	}
	h := Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
	if h.Length < HeaderSize {
		return Header{}, tdserrors.ProtocolErrorf("packet length %d is smaller than header size %d", h.Length, HeaderSize)
	}
	return h, nil
}

// Write serializes the header to w.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	if _, err := w.Write(buf[:]); err != nil {
		return tdserrors.IOError(err)
	}
	return nil
}

// PayloadLength returns the number of payload bytes following the header.
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket reports whether this packet ends its logical message.
func (h Header) IsLastPacket() bool { return h.Status.IsEOM() }

// Framer reads and writes whole logical TDS messages over a transport,
// handling packet segmentation on write and reassembly on read. It owns
// the rolling packet-id counter for the session; it does not interpret
// message payloads, which is the token-stream parser's job.
type Framer struct {
	rw         io.ReadWriter
	packetSize int
	spid       uint16
	nextID     uint8
}

// NewFramer wraps rw with the given initial packet size. spid is echoed
// in outbound headers; the server ignores the client-supplied value, but
// byte-exact framing still requires one be sent.
func NewFramer(rw io.ReadWriter, packetSize int, spid uint16) *Framer {
	return &Framer{
		rw:         rw,
		packetSize: packetSize,
		spid:       spid,
		nextID:     1,
	}
}

// SetPacketSize updates the negotiated packet size, as happens after an
// ENVCHANGE(PacketSize) token during login.
func (f *Framer) SetPacketSize(n int) {
	if n >= MinPacketSize && n <= MaxPacketSize {
		f.packetSize = n
	}
}

// PacketSize returns the currently negotiated packet size.
func (f *Framer) PacketSize() int { return f.packetSize }

// LastPacketID returns the id most recently assigned to an outbound packet.
func (f *Framer) LastPacketID() uint8 {
	id := f.nextID - 1
	if id == 0 {
		return idWrap
	}
	return id
}

func (f *Framer) allocID() uint8 {
	id := f.nextID
	if f.nextID >= idWrap {
		f.nextID = 1
	} else {
		f.nextID++
	}
	return id
}

// WriteMessage segments body into packets of at most packet_size bytes
// (including the 8-byte header) and writes them as a single logical
// message of the given type. A body shorter than the limit is sent as a
// single EndOfMessage packet; an empty body still sends one empty packet.
func (f *Framer) WriteMessage(pktType PacketType, body []byte) error {
	maxPayload := f.packetSize - HeaderSize
	if maxPayload < 1 {
		return tdserrors.ProtocolErrorf("packet size %d leaves no room for payload", f.packetSize)
	}

	remaining := body
	for {
		isLast := len(remaining) <= maxPayload
		var chunk []byte
		if isLast {
			chunk = remaining
		} else {
			chunk = remaining[:maxPayload]
		}

		status := StatusNormal
		if isLast {
			status = StatusEOM
		}

		hdr := Header{
			Type:     pktType,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			SPID:     f.spid,
			PacketID: f.allocID(),
			Window:   0,
		}
		if err := hdr.Write(f.rw); err != nil {
			return err
		}
		if len(chunk) > 0 {
			if _, err := f.rw.Write(chunk); err != nil {
				return tdserrors.IOError(err)
			}
		}

		if isLast {
			return nil
		}
		remaining = remaining[maxPayload:]
	}
}

// ReadMessage reads packets until one with the EndOfMessage status is
// seen, concatenating their payloads, and returns the first packet's
// type along with the reassembled body.
func (f *Framer) ReadMessage() (PacketType, []byte, error) {
	hdr, err := ReadHeader(f.rw)
	if err != nil {
		return 0, nil, err
	}
	firstType := hdr.Type

	var body []byte
	for {
		n := hdr.PayloadLength()
		if n > 0 {
			chunk := make([]byte, n)
			if _, err := io.ReadFull(f.rw, chunk); err != nil {
				if err == io.ErrUnexpectedEOF || err == io.EOF {
					return 0, nil, tdserrors.UnexpectedEOF()
				}
				return 0, nil, tdserrors.IOError(err)
			}
			body = append(body, chunk...)
		}
		if hdr.IsLastPacket() {
			return firstType, body, nil
		}
		hdr, err = ReadHeader(f.rw)
		if err != nil {
			return 0, nil, err
		}
	}
}
