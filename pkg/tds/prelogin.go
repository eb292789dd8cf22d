package tds

import (
	"encoding/binary"
	"fmt"

	tdserrors "github.com/ha1tch/gotds/pkg/errors"
)

// TDS protocol versions.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS73B    uint32 = 0x730B0003
	VerTDS74     uint32 = 0x74000004
)

// VersionString returns a human-readable version string.
func VersionString(ver uint32) string {
	switch ver {
	case VerTDS70:
		return "7.0"
	case VerTDS71:
		return "7.1"
	case VerTDS71Rev1:
		return "7.1 Rev 1"
	case VerTDS72:
		return "7.2"
	case VerTDS73A:
		return "7.3A"
	case VerTDS73B:
		return "7.3B"
	case VerTDS74:
		return "7.4"
	default:
		return fmt.Sprintf("unknown (0x%08X)", ver)
	}
}

// Prelogin option tokens.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTraceID    uint8 = 0x05
	PreloginFedAuth    uint8 = 0x06
	PreloginNonceOpt   uint8 = 0x07
	PreloginTerminator uint8 = 0xFF
)

// Encryption options for prelogin.
const (
	EncryptOff    uint8 = 0x00
	EncryptOn     uint8 = 0x01
	EncryptNotSup uint8 = 0x02
	EncryptReq    uint8 = 0x03
)

// PreloginOptions are the client-advertised connection parameters sent in
// the PRELOGIN message. This library never negotiates TLS: Encryption is
// always EncryptNotSup.
type PreloginOptions struct {
	Version    uint32 // major<<24 | minor<<16 | build, BE on the wire
	SubBuild   uint16
	Instance   string
	ThreadID   uint32
	MARS       uint8
}

// DefaultPreloginOptions returns the client identity this library
// advertises: no instance name, MARS disabled, a zero thread id.
func DefaultPreloginOptions() PreloginOptions {
	return PreloginOptions{
		Version:  0x09000000,
		SubBuild: 0,
		Instance: "",
		ThreadID: 0,
		MARS:     0,
	}
}

// EncodePrelogin builds the outbound PRELOGIN message body: a sequence of
// {token, offset, length} headers terminated by 0xFF, followed by the
// packed option payloads. The byte length written as each option's
// length field is always the post-encoding payload length, including for
// Instance (the source this library was modeled on gets this wrong for
// Instance; this implementation does not repeat that bug).
func EncodePrelogin(opts PreloginOptions) []byte {
	versionPayload := make([]byte, 6)
	binary.BigEndian.PutUint32(versionPayload[0:4], opts.Version)
	binary.BigEndian.PutUint16(versionPayload[4:6], opts.SubBuild)

	encryptionPayload := []byte{EncryptNotSup}

	instancePayload := append([]byte(opts.Instance), 0)

	threadIDPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(threadIDPayload, opts.ThreadID)

	marsPayload := []byte{opts.MARS}

	payloads := [][]byte{versionPayload, encryptionPayload, instancePayload, threadIDPayload, marsPayload}
	tokens := []uint8{PreloginVersion, PreloginEncryption, PreloginInstOpt, PreloginThreadID, PreloginMARS}

	headerSize := len(tokens)*5 + 1
	offset := uint16(headerSize)

	var hdr []byte
	for i, tok := range tokens {
		length := uint16(len(payloads[i]))
		hdr = append(hdr, tok)
		var ob [2]byte
		binary.BigEndian.PutUint16(ob[:], offset)
		hdr = append(hdr, ob[:]...)
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], length)
		hdr = append(hdr, lb[:]...)
		offset += length
	}
	hdr = append(hdr, PreloginTerminator)

	body := hdr
	for _, p := range payloads {
		body = append(body, p...)
	}
	return body
}

// PreloginResponse is the server's decoded PRELOGIN reply.
type PreloginResponse struct {
	Version    ServerVersion
	Encryption uint8
	MARS       uint8
	FedAuth    uint8
}

// ServerVersion is the server's advertised product version.
type ServerVersion struct {
	Major    uint8
	Minor    uint8
	Build    uint16
	SubBuild uint16
}

// ParsePreloginResponse decodes the server's PRELOGIN reply body.
func ParsePreloginResponse(data []byte) (*PreloginResponse, error) {
	if len(data) == 0 {
		return nil, tdserrors.ProtocolError("empty prelogin response")
	}

	type optHeader struct {
		offset uint16
		length uint16
	}
	options := make(map[uint8]optHeader)
	offset := 0
	for {
		if offset >= len(data) {
			return nil, tdserrors.ProtocolError("prelogin response truncated reading option headers")
		}
		token := data[offset]
		if token == PreloginTerminator {
			break
		}
		if offset+5 > len(data) {
			return nil, tdserrors.ProtocolError("prelogin response option header truncated")
		}
		options[token] = optHeader{
			offset: binary.BigEndian.Uint16(data[offset+1 : offset+3]),
			length: binary.BigEndian.Uint16(data[offset+3 : offset+5]),
		}
		offset += 5
	}

	resp := &PreloginResponse{}
	for token, opt := range options {
		start := int(opt.offset)
		end := start + int(opt.length)
		if end > len(data) || start < 0 {
			return nil, tdserrors.ProtocolErrorf("prelogin response option %d data out of bounds", token)
		}
		value := data[start:end]

		switch token {
		case PreloginVersion:
			if len(value) >= 6 {
				resp.Version = ServerVersion{
					Major:    value[0],
					Minor:    value[1],
					Build:    binary.BigEndian.Uint16(value[2:4]),
					SubBuild: binary.BigEndian.Uint16(value[4:6]),
				}
			}
		case PreloginEncryption:
			if len(value) >= 1 {
				resp.Encryption = value[0]
			}
		case PreloginMARS:
			if len(value) >= 1 {
				resp.MARS = value[0]
			}
		case PreloginFedAuth:
			if len(value) >= 1 {
				resp.FedAuth = value[0]
			}
		}
	}
	return resp, nil
}
