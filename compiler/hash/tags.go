package hash

// ---------------------------------------------------------------------------
// Frozen tag bytes for the template hashing serialization format.
//
// IMPORTANT: These tags are FROZEN. Once assigned, a tag byte must never
// change meaning. Adding new tags is fine; changing existing ones breaks
// all previously computed structure hashes.
// ---------------------------------------------------------------------------

// HashVersion is the version prefix for the serialization format.
// Bumping this invalidates all existing structure hashes.
const HashVersion byte = 1

// Template node tags.
const (
	TagReservedZero byte = 0x00 // version prefix / reserved

	TagText    byte = 0x01 // literal output; adjacent text and raw runs are merged
	TagOutput  byte = 0x02
	TagIf      byte = 0x03
	TagLoop    byte = 0x04
	TagForEach byte = 0x05
	TagSet     byte = 0x06
	TagInclude byte = 0x07
	TagParse   byte = 0x08
	TagMacro   byte = 0x09
	TagBody    byte = 0x0A // node list: count then nodes
)

// Expression tags. Groupings are transparent and carry no tag.
const (
	TagVariable   byte = 0x20
	TagProperty   byte = 0x21
	TagIndex      byte = 0x22
	TagMethodCall byte = 0x23
	TagCall       byte = 0x24
	TagUnary      byte = 0x25
	TagBinary     byte = 0x26
	TagAnd        byte = 0x27
	TagOr         byte = 0x28
	TagInterp     byte = 0x29
	TagBad        byte = 0x2A
)

// Literal tags.
const (
	TagNull    byte = 0x40
	TagBool    byte = 0x41
	TagInt     byte = 0x42
	TagUint    byte = 0x43
	TagDouble  byte = 0x44
	TagDecimal byte = 0x45
	TagString  byte = 0x46
)

// TagAbsent marks an optional child that is not present (a loop without a
// step or separator, an #if without #else).
const TagAbsent byte = 0xFD

// allTags lists every defined tag for uniqueness verification in tests.
var allTags = []byte{
	TagReservedZero,
	TagText, TagOutput, TagIf, TagLoop, TagForEach, TagSet, TagInclude,
	TagParse, TagMacro, TagBody,
	TagVariable, TagProperty, TagIndex, TagMethodCall, TagCall, TagUnary,
	TagBinary, TagAnd, TagOr, TagInterp, TagBad,
	TagNull, TagBool, TagInt, TagUint, TagDouble, TagDecimal, TagString,
	TagAbsent,
}
