package secs

import (
	"fmt"
	"slices"
	"strings"
)

// Format identifies the data type of an Item.
type Format string

const (
	FormatList    Format = "L"
	FormatASCII   Format = "A"
	FormatBinary  Format = "B"
	FormatBoolean Format = "BOOLEAN"
	FormatU1      Format = "U1"
	FormatU2      Format = "U2"
	FormatU4      Format = "U4"
	FormatU8      Format = "U8"
	FormatI1      Format = "I1"
	FormatI2      Format = "I2"
	FormatI4      Format = "I4"
	FormatI8      Format = "I8"
	FormatF4      Format = "F4"
	FormatF8      Format = "F8"
)

// Item is one node of a message body. Exactly one of the value slices is
// meaningful, selected by Format.
type Item struct {
	Format Format    `json:"format" yaml:"format" cbor:"1,keyasint"`
	Items  []Item    `json:"items,omitempty" yaml:"items,omitempty" cbor:"2,keyasint,omitempty"`
	Text   string    `json:"text,omitempty" yaml:"text,omitempty" cbor:"3,keyasint,omitempty"`
	Binary []byte    `json:"binary,omitempty" yaml:"binary,omitempty" cbor:"4,keyasint,omitempty"`
	Bools  []bool    `json:"bools,omitempty" yaml:"bools,omitempty" cbor:"5,keyasint,omitempty"`
	Uints  []uint64  `json:"uints,omitempty" yaml:"uints,omitempty" cbor:"6,keyasint,omitempty"`
	Ints   []int64   `json:"ints,omitempty" yaml:"ints,omitempty" cbor:"7,keyasint,omitempty"`
	Floats []float64 `json:"floats,omitempty" yaml:"floats,omitempty" cbor:"8,keyasint,omitempty"`
}

// L builds a list item.
func L(items ...Item) Item { return Item{Format: FormatList, Items: items} }

// A builds an ASCII item.
func A(s string) Item { return Item{Format: FormatASCII, Text: s} }

func B(b ...byte) Item       { return Item{Format: FormatBinary, Binary: b} }
func Boolean(v ...bool) Item { return Item{Format: FormatBoolean, Bools: v} }
func U1(v ...uint64) Item    { return Item{Format: FormatU1, Uints: v} }
func U2(v ...uint64) Item    { return Item{Format: FormatU2, Uints: v} }
func U4(v ...uint64) Item    { return Item{Format: FormatU4, Uints: v} }
func U8(v ...uint64) Item    { return Item{Format: FormatU8, Uints: v} }
func I1(v ...int64) Item     { return Item{Format: FormatI1, Ints: v} }
func I2(v ...int64) Item     { return Item{Format: FormatI2, Ints: v} }
func I4(v ...int64) Item     { return Item{Format: FormatI4, Ints: v} }
func I8(v ...int64) Item     { return Item{Format: FormatI8, Ints: v} }
func F4(v ...float64) Item   { return Item{Format: FormatF4, Floats: v} }
func F8(v ...float64) Item   { return Item{Format: FormatF8, Floats: v} }

// Clone returns a deep copy of it that shares no slices with the original.
func (it Item) Clone() Item {
	out := Item{
		Format: it.Format,
		Text:   it.Text,
		Binary: slices.Clone(it.Binary),
		Bools:  slices.Clone(it.Bools),
		Uints:  slices.Clone(it.Uints),
		Ints:   slices.Clone(it.Ints),
		Floats: slices.Clone(it.Floats),
	}
	if it.Items != nil {
		out.Items = make([]Item, len(it.Items))
		for i, child := range it.Items {
			out.Items[i] = child.Clone()
		}
	}
	return out
}

// IsList reports whether the item is a list.
func (it Item) IsList() bool { return it.Format == FormatList }

// IsZero reports whether the item is the empty (absent) body.
func (it Item) IsZero() bool { return it.Format == "" }

// Len returns the number of children or values held by the item.
func (it Item) Len() int { return it.count() }

// Child returns the i-th list child, or the zero Item when absent.
func (it Item) Child(i int) Item {
	c, _ := it.At(i)
	return c
}

// At walks list children by index. At() returns the item itself.
func (it Item) At(path ...int) (Item, bool) {
	cur := it
	for _, i := range path {
		if !cur.IsList() || i < 0 || i >= len(cur.Items) {
			return Item{}, false
		}
		cur = cur.Items[i]
	}
	return cur, true
}

func (it Item) count() int {
	switch it.Format {
	case FormatList:
		return len(it.Items)
	case FormatASCII:
		return len(it.Text)
	case FormatBinary:
		return len(it.Binary)
	case FormatBoolean:
		return len(it.Bools)
	case FormatU1, FormatU2, FormatU4, FormatU8:
		return len(it.Uints)
	case FormatI1, FormatI2, FormatI4, FormatI8:
		return len(it.Ints)
	case FormatF4, FormatF8:
		return len(it.Floats)
	}
	return 0
}

// Scalar renders the first value of a non-list item as a string, which is
// what declarative filters compare against.
func (it Item) Scalar() (string, bool) {
	switch it.Format {
	case FormatASCII:
		return it.Text, true
	case FormatBinary:
		if len(it.Binary) == 0 {
			return "", false
		}
		return fmt.Sprint(it.Binary[0]), true
	case FormatBoolean:
		if len(it.Bools) == 0 {
			return "", false
		}
		return fmt.Sprint(it.Bools[0]), true
	case FormatU1, FormatU2, FormatU4, FormatU8:
		if len(it.Uints) == 0 {
			return "", false
		}
		return fmt.Sprint(it.Uints[0]), true
	case FormatI1, FormatI2, FormatI4, FormatI8:
		if len(it.Ints) == 0 {
			return "", false
		}
		return fmt.Sprint(it.Ints[0]), true
	case FormatF4, FormatF8:
		if len(it.Floats) == 0 {
			return "", false
		}
		return fmt.Sprint(it.Floats[0]), true
	}
	return "", false
}

// String renders the item in an SML-like notation, e.g. <L [2] <A "x"> <U4 1>>.
func (it Item) String() string {
	var sb strings.Builder
	it.write(&sb)
	return sb.String()
}

func (it Item) write(sb *strings.Builder) {
	if it.IsZero() {
		return
	}
	fmt.Fprintf(sb, "<%s [%d]", it.Format, it.count())
	switch it.Format {
	case FormatList:
		for _, c := range it.Items {
			sb.WriteByte(' ')
			c.write(sb)
		}
	case FormatASCII:
		fmt.Fprintf(sb, " %q", it.Text)
	case FormatBinary:
		for _, b := range it.Binary {
			fmt.Fprintf(sb, " 0x%02X", b)
		}
	case FormatBoolean:
		for _, b := range it.Bools {
			fmt.Fprintf(sb, " %t", b)
		}
	case FormatU1, FormatU2, FormatU4, FormatU8:
		for _, v := range it.Uints {
			fmt.Fprintf(sb, " %d", v)
		}
	case FormatI1, FormatI2, FormatI4, FormatI8:
		for _, v := range it.Ints {
			fmt.Fprintf(sb, " %d", v)
		}
	case FormatF4, FormatF8:
		for _, v := range it.Floats {
			fmt.Fprintf(sb, " %g", v)
		}
	}
	sb.WriteByte('>')
}
