// Package payload encodes and decodes the short text messages exchanged
// with the network server through fixed-size transmit/receive buffers.
package payload

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// BufferSize is the application payload budget. Messages are stored
// NUL-terminated, so the longest message is BufferSize-1 bytes.
const BufferSize = 30

// Control and data messages understood by both ends.
const (
	ClassCSwitch      = "ClassCSwitch"
	ClassASwitch      = "ClassASwitch"
	ClassAInit        = "ClassAInit"
	ClassCInit        = "ClassCInit"
	DataFromEndDevice = "DataFromEndDevice"
)

var ErrTooLong = errors.New("message does not fit the payload buffer")

type Buffer [BufferSize]byte

// Encode writes msg plus a terminator into b and returns the payload length
// (without terminator). A message that does not fit leaves b untouched.
func Encode(b *Buffer, msg string) (int, error) {
	if len(msg)+1 > len(b) {
		return 0, fmt.Errorf("%w: %d bytes, max %d", ErrTooLong, len(msg), len(b)-1)
	}
	n := copy(b[:], msg)
	clear(b[n:])
	return n, nil
}

// Decode returns the text in the first n bytes of b, stopped at the first NUL.
func Decode(b *Buffer, n int) string {
	if n < 0 {
		return ""
	}
	if n > len(b) {
		n = len(b)
	}
	data := b[:n]
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

func (b *Buffer) Clear() { clear(b[:]) }

// IsZero reports whether the buffer holds nothing.
func (b *Buffer) IsZero() bool { return *b == Buffer{} }

type Command uint8

const (
	CommandNone Command = iota
	CommandSwitchToC
	CommandSwitchToA
)

func ParseCommand(msg string) Command {
	switch msg {
	case ClassCSwitch:
		return CommandSwitchToC
	case ClassASwitch:
		return CommandSwitchToA
	default:
		return CommandNone
	}
}

// Dump renders bytes as "0a 1b 2c" for logs.
func Dump(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}
