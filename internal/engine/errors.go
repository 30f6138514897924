package engine

import "errors"

// Protocol-level sentinel errors, grounded on the teacher's
// internal/meta/metainfo.go sentinel-error-block idiom (spec.md §7's
// ProtocolError kind).
var (
	errProtocolMalformed      = errors.New("engine: malformed frame")
	errProtocolLateBitfield   = errors.New("engine: bitfield sent after the first message")
	errProtocolBitfieldLength = errors.New("engine: bitfield length disagrees with piece count")
)
