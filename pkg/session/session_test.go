package session

import (
	"bytes"
	"testing"

	"github.com/ha1tch/gotds/pkg/tds"
)

// fakeTransport is a pipe-like io.ReadWriteCloser: Write goes one way,
// Read drains a buffer pre-seeded with the fake server's canned response.
type fakeTransport struct {
	read  *bytes.Buffer
	write *bytes.Buffer
}

func (f *fakeTransport) Read(p []byte) (int, error)  { return f.read.Read(p) }
func (f *fakeTransport) Write(p []byte) (int, error) { return f.write.Write(p) }
func (f *fakeTransport) Close() error                { return nil }

func buildLoginAckBody() []byte {
	w := tds.NewWriter()
	progW := tds.NewWriter()
	progW.BVarchar("gotds-test")
	progBytes := progW.Bytes()

	payload := tds.NewWriter()
	payload.Byte(1) // interface: SQL_DFLT
	payload.Uint32BE(tds.VerTDS72)
	payload.Raw(progBytes)
	payload.Raw([]byte{1, 0, 0, 0}) // server version

	w.Byte(0xAD) // TokenLoginAck
	w.Uint16LE(uint16(payload.Len()))
	w.Raw(payload.Bytes())
	return w.Bytes()
}

func buildDoneBody() []byte {
	w := tds.NewWriter()
	w.Byte(0xFD) // TokenDone
	w.Uint16LE(0)
	w.Uint16LE(0)
	w.Uint64LE(0)
	return w.Bytes()
}

func newFakeSessionTransport(t *testing.T) *fakeTransport {
	t.Helper()
	serverBuf := &bytes.Buffer{}
	serverFramer := tds.NewFramer(serverBuf, tds.DefaultPacketSize, 0)

	preResp := tds.EncodePrelogin(tds.DefaultPreloginOptions())
	if err := serverFramer.WriteMessage(tds.PacketTabularResult, preResp); err != nil {
		t.Fatalf("writing fake prelogin response: %v", err)
	}

	loginStream := append(buildLoginAckBody(), buildDoneBody()...)
	if err := serverFramer.WriteMessage(tds.PacketTabularResult, loginStream); err != nil {
		t.Fatalf("writing fake login response: %v", err)
	}

	return &fakeTransport{read: serverBuf, write: &bytes.Buffer{}}
}

func TestSessionConnectReachesReady(t *testing.T) {
	transport := newFakeSessionTransport(t)
	sess := New(transport, nil)

	err := sess.Connect(Options{
		Credentials: tds.Credentials{Username: "sa", Password: "pw", Database: "master"},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("state = %v, want Ready", sess.State())
	}
}

func TestSendRequiresReadyState(t *testing.T) {
	transport := &fakeTransport{read: &bytes.Buffer{}, write: &bytes.Buffer{}}
	sess := New(transport, nil)

	err := sess.Send(tds.PacketSQLBatch, []byte("SELECT 1"))
	if err == nil {
		t.Fatal("expected error sending before Ready")
	}
}

func TestReadResponseRequiresAwaitingState(t *testing.T) {
	transport := &fakeTransport{read: &bytes.Buffer{}, write: &bytes.Buffer{}}
	sess := New(transport, nil)

	_, _, err := sess.ReadResponse()
	if err == nil {
		t.Fatal("expected error reading response outside AwaitingResponse")
	}
}

func TestMarkReadyOnlyTransitionsFromAwaiting(t *testing.T) {
	transport := &fakeTransport{read: &bytes.Buffer{}, write: &bytes.Buffer{}}
	sess := New(transport, nil)

	sess.MarkReady()
	if sess.State() != StateInitial {
		t.Fatalf("MarkReady changed state from Initial to %v", sess.State())
	}
}

func TestApplyEnvChangePacketSize(t *testing.T) {
	transport := &fakeTransport{read: &bytes.Buffer{}, write: &bytes.Buffer{}}
	sess := New(transport, nil)

	sess.applyEnvChange(&tds.EnvChange{Subtype: tds.EnvPacketSize, NewValue: "8192"})
	if sess.PacketSize() != 8192 {
		t.Fatalf("packet size = %d, want 8192", sess.PacketSize())
	}
}
