// Package wire implements the framing protocol spoken between courier nodes.
//
// Every integer is little-endian. A data packet is laid out as:
//
//	version   0x00 0x00 0x00
//	msgID     int32
//	sized     0x05 int32(len(payload))
//	payload   len(payload) bytes
//	end       0x0c
//
// Fault, ack and wait-time records travel on the same stream, outside of any
// data packet.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	RecordVersion  byte = 0x00
	RecordSized    byte = 0x05
	RecordWaitTime byte = 0x0a
	RecordFault    byte = 0x0b
	RecordEnd      byte = 0x0c
	RecordAck      byte = 0x0d
)

const (
	versionLen   = 3
	messageIDLen = 4
	sizedLen     = 5

	// HeaderLen is the length of a data packet header.
	HeaderLen   = versionLen + messageIDLen + sizedLen
	FaultLen    = 7
	WaitTimeLen = 6
	AckLen      = 5
	EndLen      = 1

	// MaxPayloadSize is the largest payload a node accepts, 40 MiB.
	MaxPayloadSize = 40 << 20
)

var ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")

// FaultCode is carried by fault records to explain why a message was
// rejected.
type FaultCode uint16

const (
	FaultUnknown FaultCode = iota
	FaultInvalidFormat
	FaultUnexpectedEnd
	FaultSizeOverflow
	FaultDeserialization
	FaultUnknownDestination
	FaultTransport
)

func (code FaultCode) String() string {
	switch code {
	case FaultInvalidFormat:
		return "invalid_format"
	case FaultUnexpectedEnd:
		return "unexpected_end"
	case FaultSizeOverflow:
		return "size_overflow"
	case FaultDeserialization:
		return "deserialization"
	case FaultUnknownDestination:
		return "unknown_destination"
	case FaultTransport:
		return "transport"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(code))
	}
}

// TimeUnit is the unit of a wait-time record.
type TimeUnit byte

const (
	UnitDays TimeUnit = iota + 1
	UnitHours
	UnitMinutes
	UnitSeconds
	UnitMilliseconds
)

func (u TimeUnit) Duration(count int32) (time.Duration, bool) {
	var base time.Duration
	switch u {
	case UnitDays:
		base = 24 * time.Hour
	case UnitHours:
		base = time.Hour
	case UnitMinutes:
		base = time.Minute
	case UnitSeconds:
		base = time.Second
	case UnitMilliseconds:
		base = time.Millisecond
	default:
		return 0, false
	}
	return time.Duration(count) * base, true
}

// AppendHeader appends a data packet header announcing a payload of size
// bytes. It does not check size against MaxPayloadSize.
func AppendHeader(dst []byte, msgID int32, size int) []byte {
	dst = append(dst, RecordVersion, 0x00, 0x00)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(msgID))
	dst = append(dst, RecordSized)
	return binary.LittleEndian.AppendUint32(dst, uint32(size))
}

// AppendPacket appends a complete data packet. Callers are expected to have
// validated the payload size.
func AppendPacket(dst []byte, msgID int32, payload []byte) []byte {
	dst = AppendHeader(dst, msgID, len(payload))
	dst = append(dst, payload...)
	return append(dst, RecordEnd)
}

// Packet encodes a complete data packet.
func Packet(msgID int32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return AppendPacket(make([]byte, 0, HeaderLen+len(payload)+EndLen), msgID, payload), nil
}

func AppendFault(dst []byte, code FaultCode, msgID int32) []byte {
	dst = append(dst, RecordFault)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(code))
	return binary.LittleEndian.AppendUint32(dst, uint32(msgID))
}

func Fault(code FaultCode, msgID int32) []byte {
	return AppendFault(make([]byte, 0, FaultLen), code, msgID)
}

func AppendWaitTime(dst []byte, unit TimeUnit, count int32) []byte {
	dst = append(dst, RecordWaitTime, byte(unit))
	return binary.LittleEndian.AppendUint32(dst, uint32(count))
}

func WaitTime(unit TimeUnit, count int32) []byte {
	return AppendWaitTime(make([]byte, 0, WaitTimeLen), unit, count)
}

// WaitTimeFor picks the coarsest unit representing d exactly, falling back
// to milliseconds.
func WaitTimeFor(d time.Duration) []byte {
	for _, unit := range []TimeUnit{UnitDays, UnitHours, UnitMinutes, UnitSeconds} {
		base, _ := unit.Duration(1)
		if d >= base && d%base == 0 {
			return WaitTime(unit, int32(d/base))
		}
	}
	return WaitTime(UnitMilliseconds, int32(d/time.Millisecond))
}

func AppendAck(dst []byte, msgID int32) []byte {
	dst = append(dst, RecordAck)
	return binary.LittleEndian.AppendUint32(dst, uint32(msgID))
}

func Ack(msgID int32) []byte {
	return AppendAck(make([]byte, 0, AckLen), msgID)
}

func End() []byte {
	return []byte{RecordEnd}
}
