package tds

import (
	"encoding/binary"
)

// Login7 option flags.
const (
	FlagByteOrder uint8 = 0x01
	FlagChar      uint8 = 0x02
	FlagFloat     uint8 = 0x0C
	FlagDumpLoad  uint8 = 0x10
	FlagUseDB     uint8 = 0x20
	FlagDatabase  uint8 = 0x40
	FlagSetLang   uint8 = 0x80

	FlagLanguage      uint8 = 0x01
	FlagODBC          uint8 = 0x02
	FlagTransBoundary uint8 = 0x04
	FlagCacheConnect  uint8 = 0x08
	FlagIntSecurity   uint8 = 0x80

	FlagChangePassword   uint8 = 0x01
	FlagBinaryXML        uint8 = 0x02
	FlagUserInstance     uint8 = 0x04
	FlagUnknownCollation uint8 = 0x08
	FlagExtension        uint8 = 0x10

	FlagReadOnlyIntent uint8 = 0x20
)

// Login7HeaderSize is the fixed size of the LOGIN7 preamble, before the
// variable-length field block.
const Login7HeaderSize = 94

// Credentials carries the library's only supported authentication method:
// a SQL Server username/password pair plus an optional initial database.
type Credentials struct {
	Username string
	Password string
	Database string
}

// LoginOptions configures the outbound LOGIN7 record. Fields left zero get
// this library's default identity (see DefaultLoginOptions).
type LoginOptions struct {
	Credentials
	HostName    string
	AppName     string
	ServerName  string
	LibraryName string
	Language    string
	ClientID    [6]byte
	PacketSize  uint32
	TDSVersion  uint32
}

// DefaultLoginOptions returns the library's default outbound identity:
// empty hostname/server name, the library's own name as both app and
// library name, TDS 7.2, and the default packet size.
func DefaultLoginOptions(creds Credentials) LoginOptions {
	return LoginOptions{
		Credentials: creds,
		AppName:     "gotds",
		LibraryName: "gotds",
		Language:    "",
		ClientID:    [6]byte{1, 2, 3, 4, 5, 6},
		PacketSize:  DefaultPacketSize,
		TDSVersion:  VerTDS72,
	}
}

// EncodeLogin7 builds the full LOGIN7 message body: the fixed 94-byte
// preamble with its thirteen offset/length pairs, followed by the
// variable-length fields in wire order. Password is obfuscated per the
// protocol's nibble-swap-then-XOR-0xA5 scheme; no change-password value is
// sent (its length field is 0).
func EncodeLogin7(opts LoginOptions) []byte {
	hostName := EncodeUTF16LE(opts.HostName)
	userName := EncodeUTF16LE(opts.Credentials.Username)
	password := obfuscatePassword(opts.Credentials.Password)
	appName := EncodeUTF16LE(opts.AppName)
	serverName := EncodeUTF16LE(opts.ServerName)
	libraryName := EncodeUTF16LE(opts.LibraryName)
	language := EncodeUTF16LE(opts.Language)
	database := EncodeUTF16LE(opts.Credentials.Database)

	offset := uint16(Login7HeaderSize)

	hostNameOff := offset
	offset += uint16(len(hostName))
	userNameOff := offset
	offset += uint16(len(userName))
	passwordOff := offset
	offset += uint16(len(password))
	appNameOff := offset
	offset += uint16(len(appName))
	serverNameOff := offset
	offset += uint16(len(serverName))
	unusedOff := offset // extension block offset, unused: this library negotiates no extensions
	libraryNameOff := offset
	offset += uint16(len(libraryName))
	languageOff := offset
	offset += uint16(len(language))
	databaseOff := offset
	offset += uint16(len(database))
	sspiOff := offset
	atchDBOff := offset
	changePwdOff := offset

	totalLength := uint32(offset)

	buf := make([]byte, Login7HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], totalLength)
	binary.LittleEndian.PutUint32(buf[4:8], opts.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], opts.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], 0) // ClientProgVer
	binary.LittleEndian.PutUint32(buf[16:20], 0) // ClientPID
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ConnectionID

	// Option flags: little-endian byte order, ASCII charset, IEEE float,
	// USE DATABASE in login; ODBC set in the second flag byte. SSPI and
	// user-type bits left unset.
	buf[24] = FlagUseDB
	buf[25] = FlagODBC
	buf[26] = 0
	buf[27] = 0

	binary.LittleEndian.PutUint32(buf[28:32], 0)          // ClientTimeZone
	binary.LittleEndian.PutUint32(buf[32:36], 0x00000409) // ClientLCID: en-US

	binary.LittleEndian.PutUint16(buf[36:38], hostNameOff)
	binary.LittleEndian.PutUint16(buf[38:40], uint16(len(hostName)/2))
	binary.LittleEndian.PutUint16(buf[40:42], userNameOff)
	binary.LittleEndian.PutUint16(buf[42:44], uint16(len(userName)/2))
	binary.LittleEndian.PutUint16(buf[44:46], passwordOff)
	binary.LittleEndian.PutUint16(buf[46:48], uint16(len(password)/2))
	binary.LittleEndian.PutUint16(buf[48:50], appNameOff)
	binary.LittleEndian.PutUint16(buf[50:52], uint16(len(appName)/2))
	binary.LittleEndian.PutUint16(buf[52:54], serverNameOff)
	binary.LittleEndian.PutUint16(buf[54:56], uint16(len(serverName)/2))
	binary.LittleEndian.PutUint16(buf[56:58], unusedOff)
	binary.LittleEndian.PutUint16(buf[58:60], 0)
	binary.LittleEndian.PutUint16(buf[60:62], libraryNameOff)
	binary.LittleEndian.PutUint16(buf[62:64], uint16(len(libraryName)/2))
	binary.LittleEndian.PutUint16(buf[64:66], languageOff)
	binary.LittleEndian.PutUint16(buf[66:68], uint16(len(language)/2))
	binary.LittleEndian.PutUint16(buf[68:70], databaseOff)
	binary.LittleEndian.PutUint16(buf[70:72], uint16(len(database)/2))
	copy(buf[72:78], opts.ClientID[:])
	binary.LittleEndian.PutUint16(buf[78:80], sspiOff)
	binary.LittleEndian.PutUint16(buf[80:82], 0)
	binary.LittleEndian.PutUint16(buf[82:84], atchDBOff)
	binary.LittleEndian.PutUint16(buf[84:86], 0)
	binary.LittleEndian.PutUint16(buf[86:88], changePwdOff)
	binary.LittleEndian.PutUint16(buf[88:90], 0)
	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPILongLength

	body := buf
	body = append(body, hostName...)
	body = append(body, userName...)
	body = append(body, password...)
	body = append(body, appName...)
	body = append(body, serverName...)
	body = append(body, libraryName...)
	body = append(body, language...)
	body = append(body, database...)
	return body
}

// obfuscatePassword applies the LOGIN7 password obfuscation: swap the
// nibbles of each UTF-16LE byte, then XOR with 0xA5. It is not its own
// inverse (applying it twice complements every byte); the reverse is XOR
// with 0xA5, then swap the nibbles back.
func obfuscatePassword(pw string) []byte {
	b := EncodeUTF16LE(pw)
	for i, c := range b {
		swapped := (c << 4) | (c >> 4)
		b[i] = swapped ^ 0xA5
	}
	return b
}
