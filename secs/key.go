package secs

import "strconv"

// Key is the compact dispatch key of a message type. It packs the stream
// (message category) and function (subtype) as stream<<8 | function.
type Key int32

// NewKey packs a stream and function into a Key.
func NewKey(stream, function uint8) Key {
	return Key(int32(stream)<<8 | int32(function))
}

// Stream returns the message category.
func (k Key) Stream() uint8 { return uint8(k >> 8) }

// Function returns the message subtype.
func (k Key) Function() uint8 { return uint8(k) }

// Valid reports whether k was produced from a stream and function in [0,255].
func (k Key) Valid() bool { return k >= 0 && k <= 0xFFFF }

// String renders the key in the conventional SxFy notation.
func (k Key) String() string {
	if !k.Valid() {
		return "invalid(" + strconv.Itoa(int(k)) + ")"
	}
	return "S" + strconv.Itoa(int(k.Stream())) + "F" + strconv.Itoa(int(k.Function()))
}
