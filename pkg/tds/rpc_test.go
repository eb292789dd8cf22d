package tds

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
)

func TestBuildSpPrepare(t *testing.T) {
	body := BuildSpPrepare("@P1 int", "SELECT * FROM test WHERE id=@P1")
	if len(body) == 0 {
		t.Fatal("BuildSpPrepare returned empty body")
	}

	r := NewReader(bytes.NewReader(body))
	totalLen, err := r.Uint32LE()
	if err != nil {
		t.Fatalf("read ALL_HEADERS total length: %v", err)
	}
	if totalLen != 4+4+2+8+4 {
		t.Errorf("ALL_HEADERS total length = %d, want %d", totalLen, 4+4+2+8+4)
	}
	if err := r.Skip(int(totalLen) - 4); err != nil {
		t.Fatalf("skip ALL_HEADERS sub-header: %v", err)
	}

	sentinel, err := r.Uint16LE()
	if err != nil || sentinel != 0xFFFF {
		t.Fatalf("ProcIdOrName sentinel = %d, want 0xFFFF (err=%v)", sentinel, err)
	}
	procID, err := r.Uint16LE()
	if err != nil || procID != ProcIDPrepare {
		t.Fatalf("procID = %d, want %d (err=%v)", procID, ProcIDPrepare, err)
	}
	if _, err := r.Uint16LE(); err != nil { // option flags
		t.Fatalf("read option flags: %v", err)
	}

	name, err := r.BVarchar()
	if err != nil || name != "@handle" {
		t.Fatalf("first param name = %q, want @handle (err=%v)", name, err)
	}
	status, err := r.Byte()
	if err != nil || status&ParamByRefValue == 0 {
		t.Fatalf("@handle status = 0x%02X, want ParamByRefValue set (err=%v)", status, err)
	}
}

func TestBuildSpExecuteReusesHandle(t *testing.T) {
	w := NewWriter()
	EncodeI32(w, 3)
	body := BuildSpExecute(7, []Param{{Name: "@P1", Encoded: w.Bytes()}})

	r := NewReader(bytes.NewReader(body))
	totalLen, err := r.Uint32LE()
	if err != nil {
		t.Fatalf("read ALL_HEADERS total length: %v", err)
	}
	if err := r.Skip(int(totalLen) - 4); err != nil {
		t.Fatalf("skip ALL_HEADERS sub-header: %v", err)
	}
	if _, err := r.Uint16LE(); err != nil { // sentinel
		t.Fatalf("read sentinel: %v", err)
	}
	procID, err := r.Uint16LE()
	if err != nil || procID != ProcIDExecute {
		t.Fatalf("procID = %d, want %d (err=%v)", procID, ProcIDExecute, err)
	}
}

func TestPacketSegmentationRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte{0x42}, 5000)

	var transport bytes.Buffer
	framer := NewFramer(&transport, 512, 0)
	if err := framer.WriteMessage(PacketSQLBatch, body); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	readFramer := NewFramer(&transport, 512, 0)
	typ, got, err := readFramer.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if typ != PacketSQLBatch {
		t.Errorf("packet type = %v, want %v", typ, PacketSQLBatch)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("reassembled body mismatch: got %d bytes, want %d bytes", len(got), len(body))
	}
}

func TestPacketIDWrapsAt255(t *testing.T) {
	var transport bytes.Buffer
	framer := NewFramer(&transport, MinPacketSize, 0)
	for i := 0; i < 300; i++ {
		if err := framer.WriteMessage(PacketSQLBatch, []byte("x")); err != nil {
			t.Fatalf("WriteMessage #%d: %v", i, err)
		}
	}
	// After 300 single-packet messages, ids have cycled 1..255 more than
	// once; verify the wrap lands where the spec's %255 quirk requires.
	want := uint8(300 % 255)
	if want > idWrap {
		want = 1
	}
	if got := framer.LastPacketID(); got == 0 {
		t.Errorf("LastPacketID returned 0, id 0 must never be sent")
	}
	if got := framer.LastPacketID(); got != want {
		t.Errorf("LastPacketID = %d, want %d", got, want)
	}
}

func TestDecodeValueInt4(t *testing.T) {
	w := NewWriter()
	w.Int32LE(-42)
	r := NewReader(bytes.NewReader(w.Bytes()))
	v, err := DecodeValue(r, TypeInfo{Tag: TypeInt4, Kind: KindFixed, Length: 4})
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if v.Kind != KindValI64 || v.I64 != -42 {
		t.Errorf("got %+v, want I64=-42", v)
	}
}

func TestDecodeValueGUIDCanonicalString(t *testing.T) {
	// e40c4fdc-2420-49a7-ab63-c0d51e9eb7f4 in its wire (first-segment
	// little-endian) layout.
	wire := []byte{
		0xdc, 0x4f, 0x0c, 0xe4,
		0x20, 0x24,
		0xa7, 0x49,
		0xab, 0x63,
		0xc0, 0xd5, 0x1e, 0x9e, 0xb7, 0xf4,
	}
	w := NewWriter()
	w.Byte(16)
	w.Raw(wire)
	r := NewReader(bytes.NewReader(w.Bytes()))
	v, err := DecodeValue(r, TypeInfo{Tag: TypeGUID, Kind: KindVarLen, Length: 16})
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if v.Kind != KindValGUID {
		t.Fatalf("got kind %v, want KindValGUID", v.Kind)
	}
	want := "E40C4FDC-2420-49A7-AB63-C0D51E9EB7F4"
	if v.GUIDString() != want {
		t.Errorf("GUIDString() = %q, want %q", v.GUIDString(), want)
	}
}

func TestDecodeDecimalScaleZero(t *testing.T) {
	w := NewWriter()
	w.Byte(5) // total length: sign + 4-byte magnitude
	w.Byte(1) // positive
	w.Uint32LE(12345)
	r := NewReader(bytes.NewReader(w.Bytes()))
	v, err := DecodeValue(r, TypeInfo{Tag: TypeDecimalN, Kind: KindVarLenPrecision, Precision: 10, Scale: 0})
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	want := decimal.NewFromInt(12345)
	if !v.Decimal.Equal(want) {
		t.Errorf("Decimal = %s, want %s", v.Decimal, want)
	}
}

func TestDecodeMoney8Boundary(t *testing.T) {
	// 42.66 as a money8 value: scaled by 10^4 = 426600.
	scaled := int64(426600)
	w := NewWriter()
	w.Int32LE(int32(scaled >> 32))
	w.Uint32LE(uint32(scaled))
	r := NewReader(bytes.NewReader(w.Bytes()))
	v, err := DecodeValue(r, TypeInfo{Tag: TypeMoney, Kind: KindFixed, Length: 8})
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	diff := v.F64 - 42.66
	if diff < 0 {
		diff = -diff
	}
	if diff > 1e-9 {
		t.Errorf("F64 = %v, want within 1e-9 of 42.66", v.F64)
	}
}

func TestTokenParserErrorThenDone(t *testing.T) {
	w := NewWriter()
	// ERROR token
	w.Byte(byte(TokenError))
	msg := EncodeUTF16LE("bad syntax")
	errBody := NewWriter()
	errBody.Int32LE(102)
	errBody.Byte(1)
	errBody.Byte(15)
	errBody.Uint16LE(uint16(len(msg) / 2))
	errBody.Raw(msg)
	errBody.Byte(0) // server name length 0
	errBody.Byte(0) // proc name length 0
	errBody.Int32LE(1)
	w.Uint16LE(uint16(errBody.Len()))
	w.Raw(errBody.Bytes())

	// DONE token
	w.Byte(byte(TokenDone))
	w.Uint16LE(DoneError)
	w.Uint16LE(0)
	w.Uint64LE(0)

	r := NewReader(bytes.NewReader(w.Bytes()))
	p := NewTokenParser(r, nil)

	tok1, err := p.Next()
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if tok1.Kind != TokenError || tok1.Error.Number != 102 {
		t.Fatalf("got %+v, want ERROR token with number 102", tok1)
	}

	tok2, err := p.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if tok2.Kind != TokenDone || !tok2.Done.HasError() {
		t.Fatalf("got %+v, want DONE with error bit set", tok2)
	}
}

func TestTokenParserColMetadataThenRow(t *testing.T) {
	w := NewWriter()
	w.Byte(byte(TokenColMetadata))
	w.Uint16LE(1)
	w.Uint32LE(0)            // user type
	w.Uint16LE(uint16(ColumnNullable))
	TypeInfo{Tag: TypeIntN, Kind: KindVarLen, Length: 4}.Encode(w)
	w.BVarchar("id")

	w.Byte(byte(TokenRow))
	w.Byte(4)
	w.Int32LE(7)

	r := NewReader(bytes.NewReader(w.Bytes()))
	p := NewTokenParser(r, nil)

	colTok, err := p.Next()
	if err != nil {
		t.Fatalf("COLMETADATA: %v", err)
	}
	if len(colTok.Columns) != 1 || colTok.Columns[0].Name != "id" {
		t.Fatalf("got %+v, want one column named id", colTok.Columns)
	}

	rowTok, err := p.Next()
	if err != nil {
		t.Fatalf("ROW: %v", err)
	}
	if len(rowTok.Row) != 1 || rowTok.Row[0].I64 != 7 {
		t.Fatalf("got %+v, want single value 7", rowTok.Row)
	}
}

func TestObfuscatePasswordRoundTrip(t *testing.T) {
	original := "Sup3r$ecret"
	once := obfuscatePassword(original)
	// Reverse the encoding the way the server does: XOR 0xA5, then swap
	// the nibbles back.
	back := make([]byte, len(once))
	for i, b := range once {
		x := b ^ 0xA5
		back[i] = (x << 4) | (x >> 4)
	}
	got, err := DecodeUTF16LE(back)
	if err != nil {
		t.Fatalf("DecodeUTF16LE: %v", err)
	}
	if got != original {
		t.Errorf("deobfuscated password = %q, want %q", got, original)
	}
}
