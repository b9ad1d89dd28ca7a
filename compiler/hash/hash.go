// Package hash computes content hashes for templates: a SHA-256 of the
// source text, used to validate stored assemblies, and a structure hash over
// the parsed AST that ignores positions and spelling.
package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/chazu/quill/compiler"
)

// Source returns the SHA-256 of a template's source text.
func Source(source string) [32]byte {
	return sha256.Sum256([]byte(source))
}

// SourceHex returns Source as lowercase hex, the form kept in the store.
func SourceHex(source string) string {
	h := Source(source)
	return hex.EncodeToString(h[:])
}

// Template computes the structure hash of a parsed template.
//
// Two templates hash equally when they have the same nodes and expressions
// after parsing: source positions, pragma nodes, redundant groupings and the
// split between text and raw runs are ignored. The template name is not
// part of the hash.
func Template(tpl *compiler.Template) [32]byte {
	return sha256.Sum256(Serialize(tpl.Nodes))
}
