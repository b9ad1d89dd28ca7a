package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cockroachdb/apd/v3"
	"github.com/fxamacker/cbor/v2"
)

// AssemblyVersion is the current binary format version. Increment when making
// incompatible changes to the format.
const AssemblyVersion uint16 = 1

// AssemblyMagic starts every serialized assembly.
var AssemblyMagic = []byte{'Q', 'A', 'S', 'M'}

// maxBodyLen bounds the body a reader will allocate.
const maxBodyLen = 64 << 20

const headerLen = 12

var (
	// ErrBadMagic is returned when a stream does not start with AssemblyMagic.
	ErrBadMagic = errors.New("vm: not a quill assembly")
	// ErrUnsupportedVersion is returned for assemblies written by a newer format.
	ErrUnsupportedVersion = errors.New("vm: unsupported assembly version")
	// ErrTruncated is returned when the stream ends early.
	ErrTruncated = errors.New("vm: truncated assembly")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// assemblyBody is the CBOR payload following the header.
type assemblyBody struct {
	Name      string           `cbor:"1,keyasint"`
	Level     uint8            `cbor:"2,keyasint"`
	SlotCount uint32           `cbor:"3,keyasint"`
	Code      []byte           `cbor:"4,keyasint"`
	Constants []wireConstant   `cbor:"5,keyasint"`
	SourceMap []SourceLocation `cbor:"6,keyasint"`
}

// wireConstant is a constant tagged by kind. Doubles, integers and booleans
// travel in Bits; strings and decimals in Str.
type wireConstant struct {
	_    struct{} `cbor:",toarray"`
	Kind uint8
	Bits uint64
	Str  string
}

func toWire(v Value) wireConstant {
	w := wireConstant{Kind: uint8(v.kind), Bits: v.bits, Str: v.str}
	if v.kind == KindDecimal {
		w.Bits = 0
		w.Str = v.Decimal().String()
	}
	return w
}

func fromWire(w wireConstant) (Value, error) {
	switch Kind(w.Kind) {
	case KindNull:
		return Null, nil
	case KindBool:
		return FromBool(w.Bits != 0), nil
	case KindInt, KindUint, KindDouble:
		return Value{kind: Kind(w.Kind), bits: w.Bits}, nil
	case KindString:
		return FromString(w.Str), nil
	case KindDecimal:
		d, _, err := apd.NewFromString(w.Str)
		if err != nil {
			return Null, fmt.Errorf("decimal constant %q: %w", w.Str, err)
		}
		return FromDecimal(d), nil
	}
	return Null, fmt.Errorf("invalid constant kind %d", w.Kind)
}

// MarshalBinary encodes the assembly. Slot contents are not included.
//
// Format:
//
//	[magic:4] [version:2] [flags:2] [body_len:4] [body: canonical CBOR]
func (a *Assembly) MarshalBinary() ([]byte, error) {
	body := assemblyBody{
		Name:      a.Name,
		Level:     uint8(a.Level),
		SlotCount: uint32(a.SlotCount),
		Code:      a.Code,
		Constants: make([]wireConstant, len(a.Constants)),
		SourceMap: a.SourceMap,
	}
	for i, c := range a.Constants {
		if c.kind == KindHost {
			return nil, fmt.Errorf("vm: constant %d is a host value", i)
		}
		body.Constants[i] = toWire(c)
	}
	payload, err := cborEncMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("vm: encode assembly: %w", err)
	}
	if len(payload) > math.MaxUint32 {
		return nil, fmt.Errorf("vm: assembly body too large")
	}

	buf := make([]byte, 0, headerLen+len(payload))
	buf = append(buf, AssemblyMagic...)
	buf = binary.BigEndian.AppendUint16(buf, AssemblyVersion)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// Write serializes the assembly to w.
func (a *Assembly) Write(w io.Writer) error {
	data, err := a.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadAssembly decodes an assembly written by Write. The result starts with
// empty callsite caches.
func ReadAssembly(r io.Reader) (*Assembly, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading header", ErrTruncated)
		}
		return nil, err
	}
	if !bytes.Equal(header[0:4], AssemblyMagic) {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, header[0:4])
	}
	if version := binary.BigEndian.Uint16(header[4:6]); version > AssemblyVersion {
		return nil, fmt.Errorf("%w: %d is newer than %d", ErrUnsupportedVersion, version, AssemblyVersion)
	}
	bodyLen := binary.BigEndian.Uint32(header[8:12])
	if bodyLen > maxBodyLen {
		return nil, fmt.Errorf("vm: assembly body of %d bytes exceeds limit", bodyLen)
	}
	payload := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body needs %d bytes", ErrTruncated, bodyLen)
		}
		return nil, err
	}

	var body assemblyBody
	if err := cbor.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("vm: decode assembly: %w", err)
	}
	if body.Level > uint8(OptimizeAll) {
		return nil, fmt.Errorf("vm: invalid optimize level %d", body.Level)
	}
	if body.SlotCount > uint32(NoSlot) {
		return nil, fmt.Errorf("vm: slot count %d out of range", body.SlotCount)
	}

	a := &Assembly{
		Name:      body.Name,
		Level:     OptimizeLevel(body.Level),
		Code:      body.Code,
		SlotCount: int(body.SlotCount),
		SourceMap: body.SourceMap,
		Constants: make([]Value, len(body.Constants)),
	}
	for i, w := range body.Constants {
		v, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("vm: constant %d: %w", i, err)
		}
		a.Constants[i] = v
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("vm: invalid assembly: %w", err)
	}
	return a, nil
}

// UnmarshalAssembly decodes an assembly from bytes.
func UnmarshalAssembly(data []byte) (*Assembly, error) {
	return ReadAssembly(bytes.NewReader(data))
}
