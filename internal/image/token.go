package image

import "fmt"

// Table identifies a metadata table. Values match the table byte stored in
// the high 8 bits of a token.
type Table uint8

const (
	TableTypeRef       Table = 0x01
	TableTypeDef       Table = 0x02
	TableField         Table = 0x04
	TableMethod        Table = 0x06
	TableMemberRef     Table = 0x0A
	TableStandAloneSig Table = 0x11
	TableTypeSpec      Table = 0x1B
	TableAssemblyRef   Table = 0x23
	TableMethodSpec    Table = 0x2B
	TableUserString    Table = 0x70
)

// String returns the table name.
func (t Table) String() string {
	switch t {
	case TableTypeRef:
		return "TypeRef"
	case TableTypeDef:
		return "TypeDef"
	case TableField:
		return "Field"
	case TableMethod:
		return "Method"
	case TableMemberRef:
		return "MemberRef"
	case TableStandAloneSig:
		return "StandAloneSig"
	case TableTypeSpec:
		return "TypeSpec"
	case TableAssemblyRef:
		return "AssemblyRef"
	case TableMethodSpec:
		return "MethodSpec"
	case TableUserString:
		return "UserString"
	default:
		return fmt.Sprintf("Table(0x%02X)", uint8(t))
	}
}

// Token is a metadata token: table in the high byte, 1-based row id below.
type Token uint32

// NoToken is the zero token; it never names a row.
const NoToken Token = 0

// NewToken builds a token from a table and a row id.
func NewToken(t Table, rid uint32) Token {
	return Token(uint32(t)<<24 | rid&0x00FFFFFF)
}

// Table returns the table part of the token.
func (t Token) Table() Table { return Table(uint32(t) >> 24) }

// Rid returns the row id part of the token.
func (t Token) Rid() uint32 { return uint32(t) & 0x00FFFFFF }

// IsNil reports whether the token names no row.
func (t Token) IsNil() bool { return t.Rid() == 0 }

// Int32 returns the token reinterpreted as the signed value the runtime
// resolution APIs take.
func (t Token) Int32() int32 { return int32(uint32(t)) } //nolint:gosec // bit reinterpretation

func (t Token) String() string {
	return fmt.Sprintf("0x%08X", uint32(t))
}
