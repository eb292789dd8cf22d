package tds

// System stored procedure IDs this library invokes by numeric id rather
// than by name, per the RPC request's ProcIdOrName union.
const (
	ProcIDPrepare   uint16 = 11
	ProcIDExecute   uint16 = 12
	ProcIDUnprepare uint16 = 15
)

// RPC option flags (the u16 following ProcIdOrName in an RPC request).
const (
	RPCOptionWithRecomp  uint16 = 0x0001
	RPCOptionNoMetaData  uint16 = 0x0002
	RPCOptionReuseMeta   uint16 = 0x0004
)

// Parameter status flags.
const (
	ParamByRefValue uint8 = 0x01 // OUTPUT parameter
)

// Param is one outbound RPC parameter: a name, an encoded TYPE_INFO +
// TYPE_VARBYTE payload (already serialized via the Encode* helpers in
// types.go), and whether it is an OUTPUT parameter.
type Param struct {
	Name     string
	IsOutput bool
	Encoded  []byte // TYPE_INFO + TYPE_VARBYTE, pre-built by the caller
}

// EncodeAllHeaders builds the ALL_HEADERS block every SQLBATCH and RPC
// request is prefixed with: a single TransactionDescriptor sub-header.
// txDescriptor is 0 and outstandingRequests is 1 outside an explicit
// transaction, which is this library's only supported mode.
func EncodeAllHeaders(txDescriptor uint64, outstandingRequests uint32) []byte {
	const (
		headerTypeTransDescriptor = 2
	)
	// Sub-header: u32 total length (of this sub-header), u16 header type,
	// u64 tx descriptor, u32 outstanding request count.
	subHeaderLen := uint32(4 + 2 + 8 + 4)
	totalLen := uint32(4) + subHeaderLen // outer u32 total length + sub-header

	w := NewWriter()
	w.Uint32LE(totalLen)
	w.Uint32LE(subHeaderLen)
	w.Uint16LE(headerTypeTransDescriptor)
	w.Uint64LE(txDescriptor)
	w.Uint32LE(outstandingRequests)
	return w.Bytes()
}

// EncodeSQLBatch builds a full SQLBATCH message body: ALL_HEADERS followed
// by the SQL text as UTF-16LE with no terminator.
func EncodeSQLBatch(sql string) []byte {
	w := NewWriter()
	w.Raw(EncodeAllHeaders(0, 1))
	w.Raw(EncodeUTF16LE(sql))
	return w.Bytes()
}

// EncodeRPCRequest builds a full RPC request message body: ALL_HEADERS,
// ProcIdOrName (by numeric id), option flags, then each parameter's
// B_VARCHAR name, status byte, and pre-encoded TYPE_INFO+TYPE_VARBYTE.
func EncodeRPCRequest(procID uint16, options uint16, params []Param) []byte {
	w := NewWriter()
	w.Raw(EncodeAllHeaders(0, 1))
	w.Uint16LE(0xFFFF)
	w.Uint16LE(procID)
	w.Uint16LE(options)

	for _, p := range params {
		w.BVarchar(p.Name)
		var status uint8
		if p.IsOutput {
			status |= ParamByRefValue
		}
		w.Byte(status)
		w.Raw(p.Encoded)
	}
	return w.Bytes()
}

// encodeHandleParam builds the @handle INTN(4) parameter shared by
// sp_execute and sp_unprepare.
func encodeHandleParam(name string, handle int32, isOutput bool) Param {
	w := NewWriter()
	EncodeI32(w, handle)
	return Param{Name: name, IsOutput: isOutput, Encoded: w.Bytes()}
}

// BuildSpPrepare builds the sp_prepare RPC request used to compile sql with
// the given parameter-declaration string (e.g. "@P1 int,@P2 nvarchar(4000)").
// @handle is bound OUTPUT; the server's RETURNVALUE token carries the
// assigned handle.
func BuildSpPrepare(paramDecl, sql string) []byte {
	handleW := NewWriter()
	EncodeI32(handleW, 0)

	paramsW := NewWriter()
	EncodeString(paramsW, paramDecl)

	stmtW := NewWriter()
	EncodeString(stmtW, sql)

	params := []Param{
		{Name: "@handle", IsOutput: true, Encoded: handleW.Bytes()},
		{Name: "@params", Encoded: paramsW.Bytes()},
		{Name: "@stmt", Encoded: stmtW.Bytes()},
	}
	return EncodeRPCRequest(ProcIDPrepare, 0, params)
}

// BuildSpExecute builds the sp_execute RPC request: the previously
// assigned handle followed by the actual bound parameter values, each
// already encoded by the caller via the Encode* value helpers.
func BuildSpExecute(handle int32, values []Param) []byte {
	params := make([]Param, 0, len(values)+1)
	params = append(params, encodeHandleParam("@handle", handle, false))
	params = append(params, values...)
	return EncodeRPCRequest(ProcIDExecute, 0, params)
}

// BuildSpUnprepare builds the sp_unprepare RPC request sent when a
// PreparedStatement is closed, releasing the server-side handle.
func BuildSpUnprepare(handle int32) []byte {
	params := []Param{encodeHandleParam("@handle", handle, false)}
	return EncodeRPCRequest(ProcIDUnprepare, 0, params)
}
