package graph

import (
	"encoding/binary"
	"fmt"
	"hash"
	"slices"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Type tag of a [Value]. Tags are hashed and must stay stable.
type ValueType byte

const (
	ValueString  ValueType = 's' // Single string.
	ValueStrings ValueType = 'l' // Ordered string list.
	ValueInt     ValueType = 'i' // Signed integer.
	ValueBool    ValueType = 'b' // Boolean.
	ValueDigest  ValueType = 'd' // Content digest.
)

// Typed operation parameter.
type Value struct {
	typ  ValueType
	str  string
	list []string
	num  int64
}

// Returns a string parameter.
func String(s string) Value {
	return Value{typ: ValueString, str: s}
}

// Returns a string list parameter.
func Strings(l ...string) Value {
	return Value{typ: ValueStrings, list: slices.Clone(l)}
}

// Returns an integer parameter.
func Int(n int64) Value {
	return Value{typ: ValueInt, num: n}
}

// Returns a boolean parameter.
func Bool(b bool) Value {
	v := Value{typ: ValueBool}
	if b {
		v.num = 1
	}
	return v
}

// Returns a digest parameter.
func Digest(d digest.Digest) Value {
	return Value{typ: ValueDigest, str: string(d)}
}

// Returns the type tag.
func (v Value) Type() ValueType {
	return v.typ
}

// Returns the string held by a string parameter.
func (v Value) Str() string {
	return v.str
}

// Returns a copy of the list held by a string list parameter.
func (v Value) List() []string {
	return slices.Clone(v.list)
}

// Returns the integer held by an integer parameter.
func (v Value) Int() int64 {
	return v.num
}

// Returns the boolean held by a boolean parameter.
func (v Value) Bool() bool {
	return v.num != 0
}

// Returns the digest held by a digest parameter.
func (v Value) Digest() digest.Digest {
	return digest.Digest(v.str)
}

// Implements [fmt.Stringer].
func (v Value) String() string {
	switch v.typ {
	case ValueStrings:
		return "[" + strings.Join(v.list, " ") + "]"
	case ValueInt:
		return strconv.FormatInt(v.num, 10)
	case ValueBool:
		return strconv.FormatBool(v.Bool())
	default:
		return v.str
	}
}

// Writes the canonical encoding of the value.
//
// Every variable-length field is prefixed with its length so that no two
// distinct values share an encoding.
func (v Value) encode(h hash.Hash) {
	h.Write([]byte{byte(v.typ)})
	switch v.typ {
	case ValueString, ValueDigest:
		writeString(h, v.str)
	case ValueStrings:
		writeUvarint(h, uint64(len(v.list)))
		for _, s := range v.list {
			writeString(h, s)
		}
	case ValueInt, ValueBool:
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutVarint(buf[:], v.num)
		h.Write(buf[:n])
	default:
		panic(fmt.Sprintf("graph: unknown value type %q", v.typ))
	}
}

func writeString(h hash.Hash, s string) {
	writeUvarint(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeUvarint(h hash.Hash, n uint64) {
	var buf [binary.MaxVarintLen64]byte
	h.Write(buf[:binary.PutUvarint(buf[:], n)])
}
