// Package session drives the TDS client state machine: dial, the
// prelogin/login handshake, and the single in-flight request/response
// cycle a statement needs.
package session

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/ha1tch/gotds/pkg/log"
	"github.com/ha1tch/gotds/pkg/tds"

	tdserrors "github.com/ha1tch/gotds/pkg/errors"
)

// State is the session's position in the connection lifecycle.
type State int

const (
	StateInitial State = iota
	StatePreloginSent
	StateLoginSent
	StateReady
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StatePreloginSent:
		return "PreloginSent"
	case StateLoginSent:
		return "LoginSent"
	case StateReady:
		return "Ready"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	default:
		return "Unknown"
	}
}

// Options configures a session's handshake.
type Options struct {
	Credentials tds.Credentials
	PacketSize  int
	AppName     string
	HostName    string
	ServerName  string

	// ReadTimeout/WriteTimeout, if non-zero, are applied as a deadline via
	// SetReadDeadline/SetWriteDeadline before every ReadMessage/WriteMessage,
	// when the transport implements net.Conn. No-op otherwise.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Session owns the transport, the framer, and the connection's state. It
// is not safe for concurrent use: request/response is strictly serialized,
// matching the single in-flight-request model the statement surface relies
// on.
type Session struct {
	transport    io.ReadWriteCloser
	framer       *tds.Framer
	state        State
	logger       *log.Logger
	packetSize   int
	database     string
	collation    [5]byte
	lastDone     *tds.DoneResult
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New wraps transport for the handshake. No bytes are sent until Connect
// is called.
func New(transport io.ReadWriteCloser, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		transport:  transport,
		framer:     tds.NewFramer(transport, tds.DefaultPacketSize, 0),
		state:      StateInitial,
		logger:     logger,
		packetSize: tds.DefaultPacketSize,
	}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// PacketSize returns the negotiated packet size.
func (s *Session) PacketSize() int { return s.packetSize }

// Close releases the underlying transport.
func (s *Session) Close() error { return s.transport.Close() }

// applyWriteDeadline sets a write deadline on the transport if it is a
// net.Conn and a write timeout is configured. No-op otherwise.
func (s *Session) applyWriteDeadline() {
	if s.writeTimeout <= 0 {
		return
	}
	if conn, ok := s.transport.(net.Conn); ok {
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
}

// applyReadDeadline sets a read deadline on the transport if it is a
// net.Conn and a read timeout is configured. No-op otherwise.
func (s *Session) applyReadDeadline() {
	if s.readTimeout <= 0 {
		return
	}
	if conn, ok := s.transport.(net.Conn); ok {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
}

// Connect drives Initial -> PreloginSent -> LoginSent -> Ready: sends
// PRELOGIN, reads the server's reply, sends LOGIN7, and consumes the
// response token stream until the login DONE.
func (s *Session) Connect(opts Options) error {
	if s.state != StateInitial {
		return tdserrors.Programming("Connect called outside Initial state")
	}

	if opts.PacketSize == 0 {
		opts.PacketSize = tds.DefaultPacketSize
	}
	s.readTimeout = opts.ReadTimeout
	s.writeTimeout = opts.WriteTimeout

	preOpts := tds.DefaultPreloginOptions()
	body := tds.EncodePrelogin(preOpts)
	s.applyWriteDeadline()
	if err := s.framer.WriteMessage(tds.PacketPrelogin, body); err != nil {
		return err
	}
	s.state = StatePreloginSent
	s.logger.Connection().Debug("PRELOGIN sent")

	s.applyReadDeadline()
	pktType, data, err := s.framer.ReadMessage()
	if err != nil {
		s.state = StateInitial
		return err
	}
	if pktType != tds.PacketTabularResult {
		s.state = StateInitial
		return tdserrors.ProtocolErrorf("expected prelogin response, got packet type %v", pktType)
	}
	preResp, err := tds.ParsePreloginResponse(data)
	if err != nil {
		s.state = StateInitial
		return err
	}
	s.logger.Connection().Debug("PRELOGIN response received",
		"encryption", preResp.Encryption,
		"server_version", tds.VersionString(uint32(preResp.Version.Major)<<24|uint32(preResp.Version.Minor)<<16|uint32(preResp.Version.Build)))

	loginOpts := tds.DefaultLoginOptions(opts.Credentials)
	loginOpts.PacketSize = uint32(opts.PacketSize)
	if opts.AppName != "" {
		loginOpts.AppName = opts.AppName
	}
	if opts.HostName != "" {
		loginOpts.HostName = opts.HostName
	}
	if opts.ServerName != "" {
		loginOpts.ServerName = opts.ServerName
	}

	loginBody := tds.EncodeLogin7(loginOpts)
	s.applyWriteDeadline()
	if err := s.framer.WriteMessage(tds.PacketLogin7, loginBody); err != nil {
		return err
	}
	s.state = StateLoginSent
	s.logger.Connection().Debug("LOGIN7 sent", "user", opts.Credentials.Username, "database", opts.Credentials.Database)

	s.applyReadDeadline()
	pktType, data, err = s.framer.ReadMessage()
	if err != nil {
		s.state = StateInitial
		return err
	}
	if pktType != tds.PacketTabularResult {
		s.state = StateInitial
		return tdserrors.ProtocolErrorf("expected login response, got packet type %v", pktType)
	}

	r := tds.NewReader(bytes.NewReader(data))
	parser := tds.NewTokenParser(r, nil)
	for {
		tok, err := parser.Next()
		if err != nil {
			if isExhausted(err) {
				break
			}
			s.state = StateInitial
			return err
		}

		switch tok.Kind {
		case tds.TokenError:
			s.state = StateInitial
			return tok.Error
		case tds.TokenEnvChange:
			s.applyEnvChange(tok.EnvChange)
		case tds.TokenLoginAck:
			s.logger.Connection().Debug("LOGINACK received", "prog", tok.LoginAck.ProgName)
		case tds.TokenDone, tds.TokenDoneProc, tds.TokenDoneInProc:
			if tok.Done.HasError() {
				s.state = StateInitial
				return tdserrors.New(tdserrors.CodeServerError, "login failed")
			}
			s.state = StateReady
			return nil
		}
	}

	s.state = StateReady
	return nil
}

func (s *Session) applyEnvChange(ec *tds.EnvChange) {
	switch ec.Subtype {
	case tds.EnvPacketSize:
		var n int
		for _, c := range ec.NewValue {
			if c < '0' || c > '9' {
				n = 0
				break
			}
			n = n*10 + int(c-'0')
		}
		if n > 0 {
			s.packetSize = n
			s.framer.SetPacketSize(n)
			s.logger.Connection().Debug("packet size negotiated", "size", n)
		}
	case tds.EnvDatabase:
		s.database = ec.NewValue
	case tds.EnvSQLCollation:
		copy(s.collation[:], ec.NewValue)
	}
}

// Send transmits a fully built SQLBATCH or RPC request body and moves the
// session to AwaitingResponse. Sending while not Ready is a programming
// error: requests must be strictly serialized per session.
func (s *Session) Send(pktType tds.PacketType, body []byte) error {
	if s.state != StateReady {
		return tdserrors.Programming("Send called outside Ready state")
	}
	s.applyWriteDeadline()
	if err := s.framer.WriteMessage(pktType, body); err != nil {
		return err
	}
	s.state = StateAwaitingResponse
	return nil
}

// ReadResponse reads the complete response message for the last Send and
// returns a token parser over it with a fresh column cache, which
// COLMETADATA tokens in the response replace as they arrive. The session returns to Ready once the
// terminal DONE is consumed by the caller driving the parser; callers
// should invoke MarkReady once they observe DoneResult.More() == false on
// the outermost DONE/DONEPROC/DONEINPROC token.
func (s *Session) ReadResponse() (*tds.TokenParser, []byte, error) {
	if s.state != StateAwaitingResponse {
		return nil, nil, tdserrors.Programming("ReadResponse called outside AwaitingResponse state")
	}
	s.applyReadDeadline()
	pktType, data, err := s.framer.ReadMessage()
	if err != nil {
		s.state = StateInitial
		return nil, nil, err
	}
	if pktType != tds.PacketTabularResult {
		s.state = StateInitial
		return nil, nil, tdserrors.ProtocolErrorf("expected tabular result, got packet type %v", pktType)
	}
	r := tds.NewReader(bytes.NewReader(data))
	return tds.NewTokenParser(r, nil), data, nil
}

// MarkReady transitions AwaitingResponse back to Ready once the caller has
// observed the response's terminal DONE. Per spec.md's invariant, every
// completed statement leaves the session in Ready or a fatal error has
// already been surfaced.
func (s *Session) MarkReady() {
	if s.state == StateAwaitingResponse {
		s.state = StateReady
	}
}

// Invalidate forces the session out of Ready after a fatal protocol/IO
// error, per the propagation policy in the error handling design.
func (s *Session) Invalidate() {
	s.state = StateInitial
}

func isExhausted(err error) bool {
	return tdserrors.GetCode(err) == tdserrors.CodeIOUnexpectedEOF
}
