package tds

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	tdserrors "github.com/ha1tch/gotds/pkg/errors"
)

func uint32ToFloat32(v uint32) float32 { return math.Float32frombits(v) }
func uint64ToFloat64(v uint64) float64 { return math.Float64frombits(v) }
func float32ToUint32(v float32) uint32 { return math.Float32bits(v) }
func float64ToUint64(v float64) uint64 { return math.Float64bits(v) }

// SQLType is the TYPE_INFO tag byte identifying a column or parameter type.
type SQLType uint8

const (
	TypeNull      SQLType = 0x1F // 31
	TypeInt1      SQLType = 0x30 // 48  - tinyint
	TypeBit       SQLType = 0x32 // 50
	TypeInt2      SQLType = 0x34 // 52  - smallint
	TypeInt4      SQLType = 0x38 // 56  - int
	TypeDateTime4 SQLType = 0x3A // 58  - smalldatetime
	TypeFloat4    SQLType = 0x3B // 59  - real
	TypeMoney     SQLType = 0x3C // 60
	TypeDateTime  SQLType = 0x3D // 61
	TypeFloat8    SQLType = 0x3E // 62  - float
	TypeMoney4    SQLType = 0x7A // 122 - smallmoney
	TypeInt8      SQLType = 0x7F // 127 - bigint

	TypeGUID            SQLType = 0x24 // 36
	TypeIntN            SQLType = 0x26 // 38
	TypeDecimal         SQLType = 0x37 // 55 (legacy)
	TypeNumeric         SQLType = 0x3F // 63 (legacy)
	TypeBitN            SQLType = 0x68 // 104
	TypeDecimalN        SQLType = 0x6A // 106
	TypeNumericN        SQLType = 0x6C // 108
	TypeFloatN          SQLType = 0x6D // 109
	TypeMoneyN          SQLType = 0x6E // 110
	TypeDateTimeN       SQLType = 0x6F // 111
	TypeDateN           SQLType = 0x28 // 40
	TypeTimeN           SQLType = 0x29 // 41
	TypeDateTime2N      SQLType = 0x2A // 42
	TypeDateTimeOffsetN SQLType = 0x2B // 43

	TypeChar      SQLType = 0x2F // 47
	TypeVarChar   SQLType = 0x27 // 39
	TypeBinary    SQLType = 0x2D // 45
	TypeVarBinary SQLType = 0x25 // 37

	TypeBigVarBin  SQLType = 0xA5 // 165
	TypeBigVarChar SQLType = 0xA7 // 167
	TypeBigBinary  SQLType = 0xAD // 173
	TypeBigChar    SQLType = 0xAF // 175
	TypeNVarChar   SQLType = 0xE7 // 231
	TypeNChar      SQLType = 0xEF // 239
	TypeXML        SQLType = 0xF1 // 241
	TypeUDT        SQLType = 0xF0 // 240

	TypeText      SQLType = 0x23 // 35
	TypeImage     SQLType = 0x22 // 34
	TypeNText     SQLType = 0x63 // 99
	TypeSSVariant SQLType = 0x62 // 98
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit, TypeBitN:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeIntN:
		return "INTN"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8:
		return "FLOAT"
	case TypeFloatN:
		return "FLOATN"
	case TypeDateTime:
		return "DATETIME"
	case TypeDateTime4:
		return "SMALLDATETIME"
	case TypeDateTimeN:
		return "DATETIMEN"
	case TypeMoney:
		return "MONEY"
	case TypeMoney4:
		return "SMALLMONEY"
	case TypeMoneyN:
		return "MONEYN"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeDateN:
		return "DATE"
	case TypeTimeN:
		return "TIME"
	case TypeDateTime2N:
		return "DATETIME2"
	case TypeDateTimeOffsetN:
		return "DATETIMEOFFSET"
	case TypeDecimal, TypeDecimalN, TypeNumeric, TypeNumericN:
		return "DECIMAL"
	case TypeChar:
		return "CHAR"
	case TypeVarChar:
		return "VARCHAR"
	case TypeBinary:
		return "BINARY"
	case TypeVarBinary:
		return "VARBINARY"
	case TypeBigVarBin:
		return "VARBINARY"
	case TypeBigVarChar:
		return "VARCHAR"
	case TypeBigBinary:
		return "BINARY"
	case TypeBigChar:
		return "CHAR"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	case TypeXML:
		return "XML"
	case TypeUDT:
		return "UDT"
	case TypeSSVariant:
		return "SQL_VARIANT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// TypeKind classifies a TypeInfo's shape, per the tagged-variant design:
// fixed-width, nullable variable-length, precision/scale-carrying
// (decimal/numeric), or scale-only (temporal v7.3 types).
type TypeKind uint8

const (
	KindFixed TypeKind = iota
	KindVarLen
	KindVarLenPrecision
	KindVarLenScale
)

// TypeInfo describes the wire type of a column or RPC parameter.
type TypeInfo struct {
	Tag          SQLType
	Kind         TypeKind
	Length       uint32 // byte length for Fixed/VarLen; max length for VarLenPrecision
	Precision    uint8  // VarLenPrecision only
	Scale        uint8  // VarLenPrecision, VarLenScale
	Collation    [5]byte
	HasCollation bool
}

// fixedWidth returns the byte width of a Fixed-kind type's payload.
func fixedWidth(tag SQLType) (uint32, bool) {
	switch tag {
	case TypeNull:
		return 0, true
	case TypeInt1, TypeBit:
		return 1, true
	case TypeInt2:
		return 2, true
	case TypeInt4, TypeFloat4, TypeMoney4, TypeDateTime4:
		return 4, true
	case TypeInt8, TypeFloat8, TypeMoney, TypeDateTime:
		return 8, true
	default:
		return 0, false
	}
}

// DecodeTypeInfo reads a TYPE_INFO structure: one tag byte, then a
// length/precision/scale/collation header whose shape depends on the tag.
func DecodeTypeInfo(r *Reader) (TypeInfo, error) {
	tagByte, err := r.Byte()
	if err != nil {
		return TypeInfo{}, err
	}
	tag := SQLType(tagByte)

	if width, ok := fixedWidth(tag); ok {
		return TypeInfo{Tag: tag, Kind: KindFixed, Length: width}, nil
	}

	ti := TypeInfo{Tag: tag}
	switch tag {
	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN, TypeGUID:
		n, err := r.Byte()
		if err != nil {
			return ti, err
		}
		ti.Kind = KindVarLen
		ti.Length = uint32(n)

	case TypeDateN:
		ti.Kind = KindVarLen
		ti.Length = 3

	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		scale, err := r.Byte()
		if err != nil {
			return ti, err
		}
		ti.Kind = KindVarLenScale
		ti.Scale = scale

	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		length, err := r.Byte()
		if err != nil {
			return ti, err
		}
		prec, err := r.Byte()
		if err != nil {
			return ti, err
		}
		scale, err := r.Byte()
		if err != nil {
			return ti, err
		}
		ti.Kind = KindVarLenPrecision
		ti.Length = uint32(length)
		ti.Precision = prec
		ti.Scale = scale

	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		n, err := r.Byte()
		if err != nil {
			return ti, err
		}
		ti.Kind = KindVarLen
		ti.Length = uint32(n)
		if tag == TypeChar || tag == TypeVarChar {
			coll, err := r.Bytes(5)
			if err != nil {
				return ti, err
			}
			copy(ti.Collation[:], coll)
			ti.HasCollation = true
		}

	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		n, err := r.Uint16LE()
		if err != nil {
			return ti, err
		}
		ti.Kind = KindVarLen
		ti.Length = uint32(n)
		coll, err := r.Bytes(5)
		if err != nil {
			return ti, err
		}
		copy(ti.Collation[:], coll)
		ti.HasCollation = true

	case TypeBigVarBin, TypeBigBinary:
		n, err := r.Uint16LE()
		if err != nil {
			return ti, err
		}
		ti.Kind = KindVarLen
		ti.Length = uint32(n)

	case TypeText, TypeNText:
		n, err := r.Uint32LE()
		if err != nil {
			return ti, err
		}
		ti.Kind = KindVarLen
		ti.Length = n
		coll, err := r.Bytes(5)
		if err != nil {
			return ti, err
		}
		copy(ti.Collation[:], coll)
		ti.HasCollation = true

	case TypeImage:
		n, err := r.Uint32LE()
		if err != nil {
			return ti, err
		}
		ti.Kind = KindVarLen
		ti.Length = n

	case TypeXML:
		ti.Kind = KindVarLen
		schemaPresent, err := r.Byte()
		if err != nil {
			return ti, err
		}
		if schemaPresent != 0 {
			if err := skipBVarcharField(r); err != nil {
				return ti, err
			}
			if err := skipBVarcharField(r); err != nil {
				return ti, err
			}
			n, err := r.Uint16LE()
			if err != nil {
				return ti, err
			}
			if err := r.Skip(int(n) * 2); err != nil {
				return ti, err
			}
		}

	default:
		return ti, tdserrors.ProtocolErrorf("unsupported TYPE_INFO tag 0x%02X", uint8(tag))
	}

	return ti, nil
}

func skipTableName(r *Reader) error {
	numParts, err := r.Byte()
	if err != nil {
		return err
	}
	for i := uint8(0); i < numParts; i++ {
		n, err := r.Uint16LE()
		if err != nil {
			return err
		}
		if err := r.Skip(int(n) * 2); err != nil {
			return err
		}
	}
	return nil
}

func skipBVarcharField(r *Reader) error {
	n, err := r.Byte()
	if err != nil {
		return err
	}
	return r.Skip(int(n) * 2)
}

// Encode writes the TYPE_INFO structure (tag + header) for ti.
func (ti TypeInfo) Encode(w *Writer) {
	w.Byte(byte(ti.Tag))
	switch ti.Kind {
	case KindFixed:
		// No additional header.
	case KindVarLen:
		switch ti.Tag {
		case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
			w.Uint16LE(uint16(ti.Length))
			w.Raw(ti.Collation[:])
		case TypeBigVarBin, TypeBigBinary:
			w.Uint16LE(uint16(ti.Length))
		case TypeText, TypeNText:
			w.Uint32LE(ti.Length)
			w.Raw(ti.Collation[:])
		case TypeImage:
			w.Uint32LE(ti.Length)
		case TypeDateN:
			// No additional header.
		default:
			w.Byte(byte(ti.Length))
			if ti.HasCollation {
				w.Raw(ti.Collation[:])
			}
		}
	case KindVarLenScale:
		w.Byte(ti.Scale)
	case KindVarLenPrecision:
		w.Byte(byte(ti.Length))
		w.Byte(ti.Precision)
		w.Byte(ti.Scale)
	}
}

// ValueKind discriminates ColumnValue's payload.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindValBool
	KindValI64
	KindValF64
	KindValString
	KindValBinary
	KindValGUID
	KindValDatetime
	KindValDate
	KindValTime
	KindValDecimal
)

// ColumnValue is a decoded TYPE_VARBYTE payload: either Null, or one of
// the typed alternatives named by Kind.
type ColumnValue struct {
	Kind     ValueKind
	Bool     bool
	I64      int64
	F64      float64
	Str      string
	Bin      []byte
	GUID     [16]byte
	Datetime civil.DateTime
	Date     civil.Date
	Time     civil.Time
	Decimal  decimal.Decimal
}

// IsNull reports whether the value is SQL NULL.
func (v ColumnValue) IsNull() bool { return v.Kind == KindNull }

func nullValue() ColumnValue { return ColumnValue{Kind: KindNull} }

// DecodeValue reads a TYPE_VARBYTE payload for ti from r.
func DecodeValue(r *Reader, ti TypeInfo) (ColumnValue, error) {
	switch ti.Tag {
	case TypeNull:
		return nullValue(), nil

	case TypeInt1:
		b, err := r.Byte()
		return ColumnValue{Kind: KindValI64, I64: int64(b)}, err

	case TypeBit:
		b, err := r.Byte()
		return ColumnValue{Kind: KindValBool, Bool: b != 0}, err

	case TypeInt2:
		v, err := r.Int16LE()
		return ColumnValue{Kind: KindValI64, I64: int64(v)}, err

	case TypeInt4:
		v, err := r.Int32LE()
		return ColumnValue{Kind: KindValI64, I64: int64(v)}, err

	case TypeInt8:
		v, err := r.Int64LE()
		return ColumnValue{Kind: KindValI64, I64: v}, err

	case TypeFloat4:
		return decodeFloat4(r)

	case TypeFloat8:
		return decodeFloat8(r)

	case TypeMoney4:
		v, err := r.Int32LE()
		if err != nil {
			return ColumnValue{}, err
		}
		return ColumnValue{Kind: KindValF64, F64: float64(v) / 10000.0}, nil

	case TypeMoney:
		return decodeMoney8(r)

	case TypeDateTime4:
		return decodeDateTime4(r)

	case TypeDateTime:
		return decodeDateTime8(r)

	case TypeIntN:
		return decodeIntN(r)

	case TypeBitN:
		return decodeBitN(r)

	case TypeFloatN:
		return decodeFloatN(r)

	case TypeMoneyN:
		return decodeMoneyN(r)

	case TypeDateTimeN:
		return decodeDateTimeN(r)

	case TypeDateN:
		return decodeDateN(r)

	case TypeTimeN:
		return decodeTimeN(r, ti.Scale)

	case TypeDateTime2N:
		return decodeDateTime2N(r, ti.Scale)

	case TypeDateTimeOffsetN:
		return decodeDateTimeOffsetN(r, ti.Scale)

	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		return decodeDecimalN(r, ti.Precision, ti.Scale)

	case TypeGUID:
		return decodeGUID(r)

	case TypeChar, TypeVarChar:
		return decodeShortVarChar(r)

	case TypeBigVarChar, TypeBigChar:
		return decodeLongVarChar(r)

	case TypeNVarChar, TypeNChar:
		return decodeNVarChar(r)

	case TypeBinary, TypeVarBinary:
		return decodeShortVarBinary(r)

	case TypeBigVarBin, TypeBigBinary:
		return decodeLongVarBinary(r)

	case TypeText, TypeNText, TypeImage:
		return decodeTextPointer(r, ti.Tag)

	default:
		return ColumnValue{}, tdserrors.ProtocolErrorf("cannot decode value for type 0x%02X", uint8(ti.Tag))
	}
}

func decodeFloat4(r *Reader) (ColumnValue, error) {
	v, err := r.Uint32LE()
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValF64, F64: float64(uint32ToFloat32(v))}, nil
}

func decodeFloat8(r *Reader) (ColumnValue, error) {
	v, err := r.Uint64LE()
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValF64, F64: uint64ToFloat64(v)}, nil
}

func decodeMoney8(r *Reader) (ColumnValue, error) {
	hi, err := r.Int32LE()
	if err != nil {
		return ColumnValue{}, err
	}
	lo, err := r.Uint32LE()
	if err != nil {
		return ColumnValue{}, err
	}
	v := int64(hi)<<32 | int64(lo)
	return ColumnValue{Kind: KindValF64, F64: float64(v) / 10000.0}, nil
}

func decodeIntN(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	switch size {
	case 1:
		b, err := r.Byte()
		return ColumnValue{Kind: KindValI64, I64: int64(b)}, err
	case 2:
		v, err := r.Int16LE()
		return ColumnValue{Kind: KindValI64, I64: int64(v)}, err
	case 4:
		v, err := r.Int32LE()
		return ColumnValue{Kind: KindValI64, I64: int64(v)}, err
	case 8:
		v, err := r.Int64LE()
		return ColumnValue{Kind: KindValI64, I64: v}, err
	default:
		return ColumnValue{}, tdserrors.ProtocolErrorf("invalid INTN size %d", size)
	}
}

func decodeBitN(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	b, err := r.Byte()
	return ColumnValue{Kind: KindValBool, Bool: b != 0}, err
}

func decodeFloatN(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	switch size {
	case 4:
		return decodeFloat4(r)
	case 8:
		return decodeFloat8(r)
	default:
		return ColumnValue{}, tdserrors.ProtocolErrorf("invalid FLOATN size %d", size)
	}
}

func decodeMoneyN(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	switch size {
	case 4:
		v, err := r.Int32LE()
		if err != nil {
			return ColumnValue{}, err
		}
		return ColumnValue{Kind: KindValF64, F64: float64(v) / 10000.0}, nil
	case 8:
		return decodeMoney8(r)
	default:
		return ColumnValue{}, tdserrors.ProtocolErrorf("invalid MONEYN size %d", size)
	}
}

var dateBase = civil.Date{Year: 1, Month: 1, Day: 1}

func addDays(base civil.Date, days int) civil.Date {
	return civil.DateOf(base.In(time.UTC).AddDate(0, 0, days))
}

func decodeDateTime4(r *Reader) (ColumnValue, error) {
	days, err := r.Uint16LE()
	if err != nil {
		return ColumnValue{}, err
	}
	mins, err := r.Uint16LE()
	if err != nil {
		return ColumnValue{}, err
	}
	return smallDateTimeValue(days, mins), nil
}

func smallDateTimeValue(days, mins uint16) ColumnValue {
	d := addDays(civil.Date{Year: 1900, Month: 1, Day: 1}, int(days))
	h := mins / 60
	m := mins % 60
	return ColumnValue{Kind: KindValDatetime, Datetime: civil.DateTime{Date: d, Time: civil.Time{Hour: int(h), Minute: int(m)}}}
}

func decodeDateTime8(r *Reader) (ColumnValue, error) {
	days, err := r.Int32LE()
	if err != nil {
		return ColumnValue{}, err
	}
	ticks, err := r.Uint32LE()
	if err != nil {
		return ColumnValue{}, err
	}
	return dateTimeValue(days, ticks), nil
}

func dateTimeValue(days int32, ticks uint32) ColumnValue {
	d := addDays(civil.Date{Year: 1900, Month: 1, Day: 1}, int(days))
	ns := int64(ticks) * 1000000000 / 300
	t := nsToTime(ns)
	return ColumnValue{Kind: KindValDatetime, Datetime: civil.DateTime{Date: d, Time: t}}
}

func nsToTime(ns int64) civil.Time {
	const nsPerSec = 1000000000
	totalSec := ns / nsPerSec
	frac := ns % nsPerSec
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	return civil.Time{Hour: int(h), Minute: int(m), Second: int(s), Nanosecond: int(frac)}
}

func decodeDateTimeN(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	switch size {
	case 4:
		return decodeDateTime4(r)
	case 8:
		return decodeDateTime8(r)
	default:
		return ColumnValue{}, tdserrors.ProtocolErrorf("invalid DATETIMEN size %d", size)
	}
}

func decodeDateN(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	b, err := r.Bytes(3)
	if err != nil {
		return ColumnValue{}, err
	}
	days := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	d := addDays(dateBase, int(days))
	return ColumnValue{Kind: KindValDate, Date: d}, nil
}

func readScaledTicks(b []byte, scale uint8) civil.Time {
	var ticks uint64
	for i := 0; i < len(b); i++ {
		ticks |= uint64(b[i]) << (uint(i) * 8)
	}
	var divisor uint64 = 1
	for i := uint8(0); i < 7-scale; i++ {
		divisor *= 10
	}
	ns := int64(ticks) * 100 * int64(divisor)
	return nsToTime(ns)
}

func timeByteCount(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func decodeTimeN(r *Reader, scale uint8) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValTime, Time: readScaledTicks(b, scale)}, nil
}

func decodeDateTime2N(r *Reader, scale uint8) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	timeLen := len(b) - 3
	t := readScaledTicks(b[:timeLen], scale)
	dateBytes := b[timeLen:]
	days := uint32(dateBytes[0]) | uint32(dateBytes[1])<<8 | uint32(dateBytes[2])<<16
	d := addDays(dateBase, int(days))
	return ColumnValue{Kind: KindValDatetime, Datetime: civil.DateTime{Date: d, Time: t}}, nil
}

func decodeDateTimeOffsetN(r *Reader, scale uint8) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	// Last two bytes are the UTC offset in minutes; decode and discard it,
	// since ColumnValue's Datetime carries no timezone component.
	dateTimeBytes := b[:len(b)-2]
	timeLen := len(dateTimeBytes) - 3
	t := readScaledTicks(dateTimeBytes[:timeLen], scale)
	dateBytes := dateTimeBytes[timeLen:]
	days := uint32(dateBytes[0]) | uint32(dateBytes[1])<<8 | uint32(dateBytes[2])<<16
	d := addDays(dateBase, int(days))
	return ColumnValue{Kind: KindValDatetime, Datetime: civil.DateTime{Date: d, Time: t}}, nil
}

func decodeDecimalN(r *Reader, precision, scale uint8) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValDecimal, Decimal: decodeDecimalBytes(b, scale)}, nil
}

// decodeDecimalBytes interprets the sign byte plus 4/8/12/16-byte
// little-endian unsigned magnitude per the DECIMAL/NUMERIC TYPE_VARBYTE
// layout: result = sign * magnitude / 10^scale.
func decodeDecimalBytes(b []byte, scale uint8) decimal.Decimal {
	if len(b) == 0 {
		return decimal.Zero
	}
	sign := b[0]
	magnitude := b[1:]

	mag := new(big.Int)
	for i := len(magnitude) - 1; i >= 0; i-- {
		mag.Lsh(mag, 8)
		mag.Or(mag, big.NewInt(int64(magnitude[i])))
	}
	if sign == 0 {
		mag.Neg(mag)
	}
	return decimal.NewFromBigInt(mag, -int32(scale))
}

func decodeGUID(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 {
		return nullValue(), nil
	}
	b, err := r.Bytes(16)
	if err != nil {
		return ColumnValue{}, err
	}
	var g [16]byte
	copy(g[:], b)
	return ColumnValue{Kind: KindValGUID, GUID: g}, nil
}

// GUIDString renders a GUID in its canonical hyphenated form, reversing
// the first-segment-little-endian layout SQL Server uses on the wire.
// Returns "" if Kind is not KindValGUID; callers after a string column
// want .Str, not this.
func (v ColumnValue) GUIDString() string {
	if v.Kind != KindValGUID {
		return ""
	}
	b := v.GUID
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15])
}

func decodeShortVarChar(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 || size == 0xFF {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValString, Str: string(b)}, nil
}

func decodeLongVarChar(r *Reader) (ColumnValue, error) {
	size, err := r.Uint16LE()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0xFFFF {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValString, Str: string(b)}, nil
}

func decodeNVarChar(r *Reader) (ColumnValue, error) {
	size, err := r.Uint16LE()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0xFFFF {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	s, err := DecodeUTF16LE(b)
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValString, Str: s}, nil
}

func decodeShortVarBinary(r *Reader) (ColumnValue, error) {
	size, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0 || size == 0xFF {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValBinary, Bin: b}, nil
}

func decodeLongVarBinary(r *Reader) (ColumnValue, error) {
	size, err := r.Uint16LE()
	if err != nil {
		return ColumnValue{}, err
	}
	if size == 0xFFFF {
		return nullValue(), nil
	}
	b, err := r.Bytes(int(size))
	if err != nil {
		return ColumnValue{}, err
	}
	return ColumnValue{Kind: KindValBinary, Bin: b}, nil
}

// decodeTextPointer reads the legacy TEXT/NTEXT/IMAGE envelope: a
// variable-length text pointer, an 8-byte timestamp, then the payload
// length and bytes.
func decodeTextPointer(r *Reader, tag SQLType) (ColumnValue, error) {
	tpLen, err := r.Byte()
	if err != nil {
		return ColumnValue{}, err
	}
	if tpLen == 0 {
		return nullValue(), nil
	}
	if err := r.Skip(int(tpLen) + 8); err != nil {
		return ColumnValue{}, err
	}
	dataLen, err := r.Uint32LE()
	if err != nil {
		return ColumnValue{}, err
	}
	b, err := r.Bytes(int(dataLen))
	if err != nil {
		return ColumnValue{}, err
	}
	switch tag {
	case TypeNText:
		s, err := DecodeUTF16LE(b)
		if err != nil {
			return ColumnValue{}, err
		}
		return ColumnValue{Kind: KindValString, Str: s}, nil
	case TypeImage:
		return ColumnValue{Kind: KindValBinary, Bin: b}, nil
	default:
		return ColumnValue{Kind: KindValString, Str: string(b)}, nil
	}
}

// --- Outbound parameter encoding -------------------------------------
//
// Minimum table required by sp_prepare/sp_execute, extended per the
// library's ToColumnType surface to cover Bit, Int1/2/4/8, Float4/8,
// Money, DateTime2, and Decimal/Numeric.

// EncodeI32 builds the TYPE_INFO + TYPE_VARBYTE for an INTN(4) parameter.
func EncodeI32(w *Writer, v int32) {
	ti := TypeInfo{Tag: TypeIntN, Kind: KindVarLen, Length: 4}
	ti.Encode(w)
	w.Byte(4)
	w.Int32LE(v)
}

// EncodeString builds the TYPE_INFO + TYPE_VARBYTE for an NVARCHAR
// parameter, using the hardcoded default collation this library sends on
// outbound metadata.
func EncodeString(w *Writer, s string) {
	u := EncodeUTF16LE(s)
	ti := TypeInfo{Tag: TypeNVarChar, Kind: KindVarLen, Length: uint32(len(u))}
	ti.Encode(w)
	w.Uint16LE(uint16(len(u)))
	w.Raw(u)
}

// EncodeBit builds the TYPE_INFO + TYPE_VARBYTE for a BITN parameter.
func EncodeBit(w *Writer, v bool) {
	ti := TypeInfo{Tag: TypeBitN, Kind: KindVarLen, Length: 1}
	ti.Encode(w)
	w.Byte(1)
	if v {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

// EncodeInt1 builds the TYPE_INFO + TYPE_VARBYTE for an INTN(1) parameter.
func EncodeInt1(w *Writer, v uint8) {
	ti := TypeInfo{Tag: TypeIntN, Kind: KindVarLen, Length: 1}
	ti.Encode(w)
	w.Byte(1)
	w.Byte(v)
}

// EncodeInt2 builds the TYPE_INFO + TYPE_VARBYTE for an INTN(2) parameter.
func EncodeInt2(w *Writer, v int16) {
	ti := TypeInfo{Tag: TypeIntN, Kind: KindVarLen, Length: 2}
	ti.Encode(w)
	w.Byte(2)
	w.Uint16LE(uint16(v))
}

// EncodeInt8 builds the TYPE_INFO + TYPE_VARBYTE for an INTN(8) parameter.
func EncodeInt8(w *Writer, v int64) {
	ti := TypeInfo{Tag: TypeIntN, Kind: KindVarLen, Length: 8}
	ti.Encode(w)
	w.Byte(8)
	w.Int64LE(v)
}

// EncodeFloat4 builds the TYPE_INFO + TYPE_VARBYTE for a FLOATN(4) parameter.
func EncodeFloat4(w *Writer, v float32) {
	ti := TypeInfo{Tag: TypeFloatN, Kind: KindVarLen, Length: 4}
	ti.Encode(w)
	w.Byte(4)
	w.Uint32LE(float32ToUint32(v))
}

// EncodeFloat8 builds the TYPE_INFO + TYPE_VARBYTE for a FLOATN(8) parameter.
func EncodeFloat8(w *Writer, v float64) {
	ti := TypeInfo{Tag: TypeFloatN, Kind: KindVarLen, Length: 8}
	ti.Encode(w)
	w.Byte(8)
	w.Uint64LE(float64ToUint64(v))
}

// EncodeMoney builds the TYPE_INFO + TYPE_VARBYTE for a MONEYN(8) parameter.
func EncodeMoney(w *Writer, v float64) {
	ti := TypeInfo{Tag: TypeMoneyN, Kind: KindVarLen, Length: 8}
	ti.Encode(w)
	w.Byte(8)
	scaled := int64(v * 10000)
	w.Int32LE(int32(scaled >> 32))
	w.Uint32LE(uint32(scaled))
}

// EncodeDateTime2 builds the TYPE_INFO + TYPE_VARBYTE for a
// DATETIME2(scale) parameter at the default scale of 7 (100ns ticks).
func EncodeDateTime2(w *Writer, dt civil.DateTime) {
	const scale = 7
	ti := TypeInfo{Tag: TypeDateTime2N, Kind: KindVarLenScale, Scale: scale}
	ti.Encode(w)

	ns := int64(dt.Time.Hour)*3600e9 + int64(dt.Time.Minute)*60e9 + int64(dt.Time.Second)*1e9 + int64(dt.Time.Nanosecond)
	ticks := uint64(ns / 100)

	days := int(dt.Date.In(time.UTC).Sub(dateBase.In(time.UTC)).Hours() / 24)

	w.Byte(byte(timeByteCount(scale) + 3))
	tb := make([]byte, timeByteCount(scale))
	for i := range tb {
		tb[i] = byte(ticks >> (uint(i) * 8))
	}
	w.Raw(tb)
	w.Byte(byte(days))
	w.Byte(byte(days >> 8))
	w.Byte(byte(days >> 16))
}

// EncodeDecimal builds the TYPE_INFO + TYPE_VARBYTE for a DECIMALN
// parameter with the given precision.
func EncodeDecimal(w *Writer, v decimal.Decimal, precision uint8) {
	scale := uint8(-v.Exponent())
	coeff := v.Coefficient()

	mag := new(big.Int).Abs(coeff)
	magBytes := mag.Bytes() // big-endian
	for i, j := 0, len(magBytes)-1; i < j; i, j = i+1, j-1 {
		magBytes[i], magBytes[j] = magBytes[j], magBytes[i]
	}
	width := decimalByteWidth(precision)
	padded := make([]byte, width)
	copy(padded, magBytes)

	ti := TypeInfo{Tag: TypeDecimalN, Kind: KindVarLenPrecision, Length: uint32(width + 1), Precision: precision, Scale: scale}
	ti.Encode(w)

	w.Byte(byte(width + 1))
	if coeff.Sign() < 0 {
		w.Byte(0)
	} else {
		w.Byte(1)
	}
	w.Raw(padded)
}

func decimalByteWidth(precision uint8) int {
	switch {
	case precision <= 9:
		return 4
	case precision <= 19:
		return 8
	case precision <= 28:
		return 12
	default:
		return 16
	}
}

// ColumnTypeName returns the server type-name fragment used in
// sp_prepare's parameter-declaration string for a given ColumnValue kind.
func ColumnTypeName(v ColumnValue) string {
	switch v.Kind {
	case KindValBool:
		return "bit"
	case KindValI64:
		return "bigint"
	case KindValF64:
		return "float(53)"
	case KindValString:
		return "nvarchar(4000)"
	case KindValBinary:
		return "varbinary(max)"
	case KindValDecimal:
		return fmt.Sprintf("decimal(38,%d)", uint8(-v.Decimal.Exponent()))
	case KindValDatetime:
		return "datetime2"
	case KindValDate:
		return "date"
	case KindValTime:
		return "time"
	case KindValGUID:
		return "uniqueidentifier"
	default:
		return "sql_variant"
	}
}
