package tds

import (
	"fmt"

	tdserrors "github.com/ha1tch/gotds/pkg/errors"
)

// TokenType identifies a response-stream token's discriminator byte.
type TokenType uint8

const (
	TokenReturnStatus  TokenType = 0x79
	TokenColMetadata   TokenType = 0x81
	TokenOrder         TokenType = 0xA9
	TokenError         TokenType = 0xAA
	TokenInfo          TokenType = 0xAB
	TokenReturnValue   TokenType = 0xAC
	TokenLoginAck      TokenType = 0xAD
	TokenFeatureExtAck TokenType = 0xAE
	TokenRow           TokenType = 0xD1
	TokenNBCRow        TokenType = 0xD2
	TokenEnvChange     TokenType = 0xE3
	TokenSSPI          TokenType = 0xED
	TokenFedAuthInfo   TokenType = 0xEE
	TokenDone          TokenType = 0xFD
	TokenDoneProc      TokenType = 0xFE
	TokenDoneInProc    TokenType = 0xFF
)

func (t TokenType) String() string {
	switch t {
	case TokenReturnStatus:
		return "RETURNSTATUS"
	case TokenColMetadata:
		return "COLMETADATA"
	case TokenOrder:
		return "ORDER"
	case TokenError:
		return "ERROR"
	case TokenInfo:
		return "INFO"
	case TokenReturnValue:
		return "RETURNVALUE"
	case TokenLoginAck:
		return "LOGINACK"
	case TokenFeatureExtAck:
		return "FEATUREEXTACK"
	case TokenRow:
		return "ROW"
	case TokenNBCRow:
		return "NBCROW"
	case TokenEnvChange:
		return "ENVCHANGE"
	case TokenSSPI:
		return "SSPI"
	case TokenFedAuthInfo:
		return "FEDAUTHINFO"
	case TokenDone:
		return "DONE"
	case TokenDoneProc:
		return "DONEPROC"
	case TokenDoneInProc:
		return "DONEINPROC"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// DONE status bits.
const (
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInxact   uint16 = 0x0004
	DoneCount    uint16 = 0x0010
	DoneAttn     uint16 = 0x0020
	DoneSrvError uint16 = 0x0100
)

// ENVCHANGE subtypes this library understands.
const (
	EnvDatabase     uint8 = 1
	EnvLanguage     uint8 = 2
	EnvCharset      uint8 = 3
	EnvPacketSize   uint8 = 4
	EnvSQLCollation uint8 = 7
	EnvBeginTran    uint8 = 8
	EnvCommitTran   uint8 = 9
	EnvRollbackTran uint8 = 10
	EnvRouting      uint8 = 20
)

// ColumnFlags bits on a COLMETADATA column.
type ColumnFlags uint16

const (
	ColumnNullable ColumnFlags = 0x0001
)

func (f ColumnFlags) Nullable() bool { return f&ColumnNullable != 0 }

// ColumnInfo describes one result-set column.
type ColumnInfo struct {
	UserType  uint32
	Flags     ColumnFlags
	TypeInfo  TypeInfo
	TableName string
	Name      string
}

// ServerError is a decoded ERROR token, surfaced to statement callers as a
// recoverable error.
type ServerError struct {
	Number   int32
	State    uint8
	Class    uint8
	Message  string
	Server   string
	Proc     string
	LineNo   int32
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mssql: %s (%d), class %d, state %d", e.Message, e.Number, e.Class, e.State)
}

// DoneResult is a decoded DONE/DONEPROC/DONEINPROC token.
type DoneResult struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (d DoneResult) More() bool { return d.Status&DoneMore != 0 }
func (d DoneResult) HasError() bool { return d.Status&DoneError != 0 || d.Status&DoneSrvError != 0 }
func (d DoneResult) HasCount() bool { return d.Status&DoneCount != 0 }
func (d DoneResult) InTran() bool { return d.Status&DoneInxact != 0 }

// EnvChange is a decoded ENVCHANGE token.
type EnvChange struct {
	Subtype  uint8
	NewValue string
	OldValue string
}

// LoginAck is a decoded LOGINACK token.
type LoginAck struct {
	Interface  uint8
	TDSVersion uint32
	ProgName   string
	ProgVer    [4]byte
}

// ReturnValue is a decoded RETURNVALUE token (an RPC OUTPUT parameter).
type ReturnValue struct {
	Ordinal  uint16
	Name     string
	Status   uint8
	UserType uint32
	Flags    uint16
	TypeInfo TypeInfo
	Value    ColumnValue
}

// Order is a decoded ORDER token: the column ordinals the result set is
// sorted by.
type Order struct {
	ColumnOrdinals []uint16
}

// Token is a decoded response-stream record. Exactly one of the typed
// fields is populated, matching Kind.
type Token struct {
	Kind        TokenType
	Error       *ServerError
	Done        *DoneResult
	EnvChange   *EnvChange
	LoginAck    *LoginAck
	Columns     []ColumnInfo
	Row         []ColumnValue
	ReturnValue *ReturnValue
	ReturnStat  int32
	Order       *Order
	Info        *ServerError
}

// columnCache is the statement-scoped schema the last COLMETADATA token
// established; ROW tokens decode against it.
type columnCache struct {
	columns []ColumnInfo
}

// TokenParser decodes a concatenated token-stream payload into an ordered
// sequence of Token values, consulting and mutating a columnCache across
// COLMETADATA/ROW pairs as the stream requires.
type TokenParser struct {
	r      *Reader
	cache  *columnCache
}

// NewTokenParser wraps a payload reader; cache is the statement's column
// cache, shared across calls so COLMETADATA set by one read remains valid
// for ROW tokens decoded on a later call within the same statement.
func NewTokenParser(r *Reader, cache *columnCache) *TokenParser {
	if cache == nil {
		cache = &columnCache{}
	}
	return &TokenParser{r: r, cache: cache}
}

// NewColumnCache returns an empty column cache for a fresh statement.
func NewColumnCache() *columnCache { return &columnCache{} }

// Next decodes and returns the next token. Once the payload is exhausted it
// returns the reader's UnexpectedEOF error (code CodeIOUnexpectedEOF), which
// callers in this module treat as the end of the stream; a token cut short
// mid-way returns the same error and is not distinguished from it.
func (p *TokenParser) Next() (Token, error) {
	tagByte, err := p.r.Byte()
	if err != nil {
		return Token{}, err
	}
	tag := TokenType(tagByte)

	switch tag {
	case TokenError, TokenInfo:
		return p.decodeErrorOrInfo(tag)
	case TokenLoginAck:
		return p.decodeLoginAck()
	case TokenEnvChange:
		return p.decodeEnvChange()
	case TokenDone, TokenDoneProc, TokenDoneInProc:
		return p.decodeDone(tag)
	case TokenColMetadata:
		return p.decodeColMetadata()
	case TokenRow:
		return p.decodeRow()
	case TokenNBCRow:
		return p.decodeNBCRow()
	case TokenReturnStatus:
		return p.decodeReturnStatus()
	case TokenReturnValue:
		return p.decodeReturnValue()
	case TokenOrder:
		return p.decodeOrder()
	case TokenFeatureExtAck:
		return p.skipFeatureExtAck()
	default:
		return Token{}, tdserrors.ProtocolErrorf("unknown token type 0x%02X", tagByte)
	}
}

func (p *TokenParser) decodeErrorOrInfo(tag TokenType) (Token, error) {
	if _, err := p.r.Uint16LE(); err != nil { // length, unused: fields are read exactly
		return Token{}, err
	}
	number, err := p.r.Int32LE()
	if err != nil {
		return Token{}, err
	}
	state, err := p.r.Byte()
	if err != nil {
		return Token{}, err
	}
	class, err := p.r.Byte()
	if err != nil {
		return Token{}, err
	}
	msg, err := p.r.USVarchar()
	if err != nil {
		return Token{}, err
	}
	server, err := p.r.BVarchar()
	if err != nil {
		return Token{}, err
	}
	proc, err := p.r.BVarchar()
	if err != nil {
		return Token{}, err
	}
	line, err := p.r.Int32LE()
	if err != nil {
		return Token{}, err
	}
	se := &ServerError{Number: number, State: state, Class: class, Message: msg, Server: server, Proc: proc, LineNo: line}
	if tag == TokenError {
		return Token{Kind: tag, Error: se}, nil
	}
	return Token{Kind: tag, Info: se}, nil
}

func (p *TokenParser) decodeLoginAck() (Token, error) {
	if _, err := p.r.Uint16LE(); err != nil {
		return Token{}, err
	}
	iface, err := p.r.Byte()
	if err != nil {
		return Token{}, err
	}
	tdsVersion, err := p.r.Uint32BE()
	if err != nil {
		return Token{}, err
	}
	prog, err := p.r.BVarchar()
	if err != nil {
		return Token{}, err
	}
	var ver [4]byte
	b, err := p.r.Bytes(4)
	if err != nil {
		return Token{}, err
	}
	copy(ver[:], b)
	return Token{Kind: TokenLoginAck, LoginAck: &LoginAck{Interface: iface, TDSVersion: tdsVersion, ProgName: prog, ProgVer: ver}}, nil
}

func (p *TokenParser) decodeEnvChange() (Token, error) {
	length, err := p.r.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	subtype, err := p.r.Byte()
	if err != nil {
		return Token{}, err
	}
	remaining := int(length) - 1

	switch subtype {
	case EnvSQLCollation:
		newLen, err := p.r.Byte()
		if err != nil {
			return Token{}, err
		}
		newVal, err := p.r.Bytes(int(newLen))
		if err != nil {
			return Token{}, err
		}
		oldLen, err := p.r.Byte()
		if err != nil {
			return Token{}, err
		}
		oldVal, err := p.r.Bytes(int(oldLen))
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenEnvChange, EnvChange: &EnvChange{Subtype: subtype, NewValue: string(newVal), OldValue: string(oldVal)}}, nil

	default:
		newVal, err := p.r.BVarchar()
		if err != nil {
			return Token{}, err
		}
		oldVal, err := p.r.BVarchar()
		if err != nil {
			return Token{}, err
		}
		_ = remaining
		return Token{Kind: TokenEnvChange, EnvChange: &EnvChange{Subtype: subtype, NewValue: newVal, OldValue: oldVal}}, nil
	}
}

func (p *TokenParser) decodeDone(tag TokenType) (Token, error) {
	status, err := p.r.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	curCmd, err := p.r.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	rowCount, err := p.r.Uint64LE()
	if err != nil {
		return Token{}, err
	}
	return Token{Kind: tag, Done: &DoneResult{Status: status, CurCmd: curCmd, RowCount: rowCount}}, nil
}

// decodeColMetadata reads a COLMETADATA token and mutates p.cache: a
// sentinel count of 0xFFFF is a no-op, any other count replaces the cache
// wholesale.
func (p *TokenParser) decodeColMetadata() (Token, error) {
	count, err := p.r.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	if count == 0xFFFF {
		return Token{Kind: TokenColMetadata, Columns: p.cache.columns}, nil
	}

	cols := make([]ColumnInfo, 0, count)
	for i := uint16(0); i < count; i++ {
		userType, err := p.r.Uint32LE()
		if err != nil {
			return Token{}, err
		}
		flags, err := p.r.Uint16LE()
		if err != nil {
			return Token{}, err
		}
		ti, err := DecodeTypeInfo(p.r)
		if err != nil {
			return Token{}, err
		}
		var tableName string
		if ti.Tag == TypeText || ti.Tag == TypeNText || ti.Tag == TypeImage {
			tableName, err = p.readTableName()
			if err != nil {
				return Token{}, err
			}
		}
		name, err := p.r.BVarchar()
		if err != nil {
			return Token{}, err
		}
		cols = append(cols, ColumnInfo{UserType: userType, Flags: ColumnFlags(flags), TypeInfo: ti, TableName: tableName, Name: name})
	}
	p.cache.columns = cols
	return Token{Kind: TokenColMetadata, Columns: cols}, nil
}

func (p *TokenParser) readTableName() (string, error) {
	numParts, err := p.r.Byte()
	if err != nil {
		return "", err
	}
	var last string
	for i := uint8(0); i < numParts; i++ {
		part, err := p.r.USVarchar()
		if err != nil {
			return "", err
		}
		last = part
	}
	return last, nil
}

// decodeRow decodes one ROW token against the last COLMETADATA's columns.
func (p *TokenParser) decodeRow() (Token, error) {
	if len(p.cache.columns) == 0 {
		return Token{}, tdserrors.ProtocolError("ROW token with no preceding COLMETADATA")
	}
	values := make([]ColumnValue, 0, len(p.cache.columns))
	for _, col := range p.cache.columns {
		v, err := DecodeValue(p.r, col.TypeInfo)
		if err != nil {
			return Token{}, err
		}
		values = append(values, v)
	}
	return Token{Kind: TokenRow, Row: values}, nil
}

// nullBitmapIsNull reports whether column i is marked NULL in an NBCRow
// bitmap, one bit per column, bit set meaning NULL.
func nullBitmapIsNull(bitmap []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(i%8)) != 0
}

// decodeNBCRow decodes a null-bitmap-compressed ROW: a bitmap of
// ceil(numColumns/8) bytes precedes the column data, and NULL columns
// are omitted from the wire entirely rather than encoded with a
// type-specific NULL marker.
func (p *TokenParser) decodeNBCRow() (Token, error) {
	if len(p.cache.columns) == 0 {
		return Token{}, tdserrors.ProtocolError("NBCROW token with no preceding COLMETADATA")
	}
	numColumns := len(p.cache.columns)
	bitmapLen := (numColumns + 7) / 8
	bitmap, err := p.r.Bytes(bitmapLen)
	if err != nil {
		return Token{}, err
	}

	values := make([]ColumnValue, numColumns)
	for i, col := range p.cache.columns {
		if nullBitmapIsNull(bitmap, i) {
			values[i] = nullValue()
			continue
		}
		v, err := DecodeValue(p.r, col.TypeInfo)
		if err != nil {
			return Token{}, err
		}
		values[i] = v
	}
	return Token{Kind: TokenRow, Row: values}, nil
}

func (p *TokenParser) decodeReturnStatus() (Token, error) {
	v, err := p.r.Int32LE()
	if err != nil {
		return Token{}, err
	}
	return Token{Kind: TokenReturnStatus, ReturnStat: v}, nil
}

func (p *TokenParser) decodeReturnValue() (Token, error) {
	ordinal, err := p.r.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	name, err := p.r.BVarchar()
	if err != nil {
		return Token{}, err
	}
	status, err := p.r.Byte()
	if err != nil {
		return Token{}, err
	}
	userType, err := p.r.Uint32LE()
	if err != nil {
		return Token{}, err
	}
	flags, err := p.r.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	ti, err := DecodeTypeInfo(p.r)
	if err != nil {
		return Token{}, err
	}
	val, err := DecodeValue(p.r, ti)
	if err != nil {
		return Token{}, err
	}
	rv := &ReturnValue{Ordinal: ordinal, Name: name, Status: status, UserType: userType, Flags: flags, TypeInfo: ti, Value: val}
	return Token{Kind: TokenReturnValue, ReturnValue: rv}, nil
}

func (p *TokenParser) decodeOrder() (Token, error) {
	length, err := p.r.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	n := int(length) / 2
	ordinals := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		v, err := p.r.Uint16LE()
		if err != nil {
			return Token{}, err
		}
		ordinals = append(ordinals, v)
	}
	return Token{Kind: TokenOrder, Order: &Order{ColumnOrdinals: ordinals}}, nil
}

// skipFeatureExtAck consumes a FEATUREEXTACK token without interpreting
// individual feature acknowledgements: this library negotiates no optional
// features, so the server's ack list is drained and discarded.
func (p *TokenParser) skipFeatureExtAck() (Token, error) {
	for {
		featureID, err := p.r.Byte()
		if err != nil {
			return Token{}, err
		}
		if featureID == 0xFF {
			break
		}
		n, err := p.r.Uint32LE()
		if err != nil {
			return Token{}, err
		}
		if err := p.r.Skip(int(n)); err != nil {
			return Token{}, err
		}
	}
	return Token{Kind: TokenFeatureExtAck}, nil
}
