// Package codec defines how messages become text on the wire.
//
// A Serializer turns a message and its runtime type into self-contained
// text. The framing protocol carries that text as UTF-16LE, see EncodeText.
package codec

import (
	"errors"
	"reflect"

	"golang.org/x/text/encoding/unicode"
)

var (
	ErrUnknownType     = errors.New("codec: type is not registered")
	ErrNotProtoMessage = errors.New("codec: value is not a proto.Message")
)

// Serializer must round-trip losslessly every message type the application
// sends across nodes.
type Serializer interface {
	Serialize(msg any) (string, error)
	Deserialize(text string, t reflect.Type) (any, error)
	SerializeType(t reflect.Type) (string, error)
	DeserializeType(name string) (reflect.Type, error)
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeText transcodes serializer output to UTF-16LE.
func EncodeText(text string) ([]byte, error) {
	return utf16le.NewEncoder().Bytes([]byte(text))
}

// DecodeText transcodes UTF-16LE bytes back to a Go string.
func DecodeText(buf []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(buf)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
