package statement

import (
	"bytes"
	"testing"

	"github.com/ha1tch/gotds/pkg/session"
	"github.com/ha1tch/gotds/pkg/tds"
)

type fakeTransport struct {
	read  *bytes.Buffer
	write *bytes.Buffer
}

func (f *fakeTransport) Read(p []byte) (int, error)  { return f.read.Read(p) }
func (f *fakeTransport) Write(p []byte) (int, error) { return f.write.Write(p) }
func (f *fakeTransport) Close() error                { return nil }

func buildLoginAckBody() []byte {
	progW := tds.NewWriter()
	progW.BVarchar("gotds-test")

	payload := tds.NewWriter()
	payload.Byte(1)
	payload.Uint32BE(tds.VerTDS72)
	payload.Raw(progW.Bytes())
	payload.Raw([]byte{1, 0, 0, 0})

	w := tds.NewWriter()
	w.Byte(0xAD)
	w.Uint16LE(uint16(payload.Len()))
	w.Raw(payload.Bytes())
	return w.Bytes()
}

func buildDoneBody(status uint16, rowCount uint64) []byte {
	w := tds.NewWriter()
	w.Byte(0xFD)
	w.Uint16LE(status)
	w.Uint16LE(0)
	w.Uint64LE(rowCount)
	return w.Bytes()
}

func buildColMetadataAndRow(name string, value int32) []byte {
	w := tds.NewWriter()
	w.Byte(0x81) // TokenColMetadata
	w.Uint16LE(1)
	w.Uint32LE(0) // userType
	w.Uint16LE(0) // flags
	ti := tds.TypeInfo{Tag: tds.TypeInt4, Kind: tds.KindFixed}
	ti.Encode(w)
	w.BVarchar(name)

	w.Byte(0xD1) // TokenRow
	w.Int32LE(value)
	return w.Bytes()
}

// queuedServer drives a *session.Session through handshake and queues
// additional canned response messages to be read by later Send/ReadResponse
// calls, simulating a server that replies once per request.
type queuedServer struct {
	buf    *bytes.Buffer
	framer *tds.Framer
}

func newQueuedServer() *queuedServer {
	buf := &bytes.Buffer{}
	return &queuedServer{buf: buf, framer: tds.NewFramer(buf, tds.DefaultPacketSize, 0)}
}

func (q *queuedServer) queue(body []byte) {
	q.framer.WriteMessage(tds.PacketTabularResult, body)
}

func connectedClient(t *testing.T) (*Client, *queuedServer, *fakeTransport) {
	t.Helper()
	server := newQueuedServer()
	server.queue(tds.EncodePrelogin(tds.DefaultPreloginOptions()))
	server.queue(append(buildLoginAckBody(), buildDoneBody(0, 0)...))

	transport := &fakeTransport{read: server.buf, write: &bytes.Buffer{}}
	sess := session.New(transport, nil)
	if err := sess.Connect(session.Options{Credentials: tds.Credentials{Username: "sa", Password: "pw", Database: "master"}}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return NewClient(sess, nil), server, transport
}

func TestClientQueryReturnsRows(t *testing.T) {
	client, server, _ := connectedClient(t)
	server.queue(append(buildColMetadataAndRow("id", 42), buildDoneBody(0, 1)...))

	result, err := client.Query("SELECT id FROM t")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(result.Rows))
	}
	if got := result.Rows[0].GetNamed("id").I64; got != 42 {
		t.Fatalf("id = %d, want 42", got)
	}
	if got := result.Rows[0].Get(0).I64; got != 42 {
		t.Fatalf("Get(0) = %d, want 42", got)
	}
}

func TestClientExecReturnsRowCount(t *testing.T) {
	client, server, _ := connectedClient(t)
	server.queue(buildDoneBody(tds.DoneCount, 3))

	res, err := client.Exec("DELETE FROM t")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.RowsAffected != 3 {
		t.Fatalf("RowsAffected = %d, want 3", res.RowsAffected)
	}
}

func TestClientQuerySurfacesServerError(t *testing.T) {
	client, server, _ := connectedClient(t)

	w := tds.NewWriter()
	payload := tds.NewWriter()
	payload.Uint32LE(208) // number
	payload.Byte(1)       // state
	payload.Byte(16)      // class
	payload.USVarchar("Invalid object name 't'.")
	payload.BVarchar("testserver")
	payload.BVarchar("")
	payload.Uint32LE(1)
	w.Byte(0xAA) // TokenError
	w.Uint16LE(uint16(payload.Len()))
	w.Raw(payload.Bytes())
	errBody := append(w.Bytes(), buildDoneBody(tds.DoneError, 0)...)
	server.queue(errBody)

	_, err := client.Query("SELECT * FROM t")
	if err == nil {
		t.Fatal("expected a server error")
	}
	serverErr, ok := err.(*tds.ServerError)
	if !ok {
		t.Fatalf("error type = %T, want *tds.ServerError", err)
	}
	if serverErr.Number != 208 {
		t.Fatalf("error number = %d, want 208", serverErr.Number)
	}
}

func TestRowGetNamedUnknownColumnIsNull(t *testing.T) {
	row := Row{values: []tds.ColumnValue{{Kind: tds.KindValI64, I64: 1}}, columns: []tds.ColumnInfo{{Name: "id"}}}
	v := row.GetNamed("missing")
	if !v.IsNull() {
		t.Fatal("expected NULL for unknown column")
	}
}
