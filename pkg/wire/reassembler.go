package wire

import (
	"encoding/binary"
	"time"
)

// Visitor receives the records decoded by a Reassembler.
//
// Implementations own the payload slice passed to OnPacket.
type Visitor interface {
	OnPacket(msgID int32, payload []byte)
	OnFault(code FaultCode, msgID int32)
	OnAck(msgID int32)
	OnWaitTime(d time.Duration)
	// OnProtocolError reports a malformed or rejected inbound message. The
	// caller is expected to send a fault record back to the peer.
	OnProtocolError(code FaultCode, msgID int32)
}

// Reassembler incrementally rebuilds records from a byte stream delivered
// in arbitrary chunks. It is not safe for concurrent use: each connection
// owns its own.
type Reassembler struct {
	maxPayload int

	hdr    [HeaderLen]byte
	hdrLen int

	headerReceived bool
	msgID          int32
	expectedSize   int
	accumulator    []byte

	// skip counts the bytes left of a message we refused to buffer.
	skip int
}

// NewReassembler returns a Reassembler rejecting payloads larger than
// maxPayload. A non-positive value means MaxPayloadSize.
func NewReassembler(maxPayload int) *Reassembler {
	if maxPayload <= 0 {
		maxPayload = MaxPayloadSize
	}
	return &Reassembler{maxPayload: maxPayload}
}

// Feed consumes chunk, invoking v for every complete record. The chunk is
// not retained.
func (r *Reassembler) Feed(chunk []byte, v Visitor) {
	for len(chunk) > 0 {
		switch {
		case r.skip > 0:
			n := min(r.skip, len(chunk))
			r.skip -= n
			chunk = chunk[n:]
		case r.headerReceived:
			chunk = r.feedBody(chunk, v)
		default:
			chunk = r.feedHeader(chunk, v)
		}
	}
}

// Pending reports whether a record is partially received.
func (r *Reassembler) Pending() bool {
	return r.hdrLen > 0 || r.headerReceived || r.skip > 0
}

// Reset drops any partially received record.
func (r *Reassembler) Reset() {
	r.hdrLen = 0
	r.headerReceived = false
	r.msgID = 0
	r.expectedSize = 0
	r.accumulator = nil
	r.skip = 0
}

func recordLen(lead byte) int {
	switch lead {
	case RecordVersion:
		return HeaderLen
	case RecordFault:
		return FaultLen
	case RecordAck:
		return AckLen
	case RecordWaitTime:
		return WaitTimeLen
	default:
		return 0
	}
}

func (r *Reassembler) feedHeader(chunk []byte, v Visitor) []byte {
	need := recordLen(r.lead(chunk))
	if need == 0 {
		// We cannot resynchronise on an unknown record, drop what we have.
		r.Reset()
		v.OnProtocolError(FaultInvalidFormat, 0)
		return nil
	}

	n := copy(r.hdr[r.hdrLen:need], chunk)
	r.hdrLen += n
	chunk = chunk[n:]
	if r.hdrLen < need {
		return chunk
	}

	hdr := r.hdr[:need]
	r.hdrLen = 0
	switch hdr[0] {
	case RecordFault:
		code := FaultCode(binary.LittleEndian.Uint16(hdr[1:3]))
		v.OnFault(code, int32(binary.LittleEndian.Uint32(hdr[3:7])))
	case RecordAck:
		v.OnAck(int32(binary.LittleEndian.Uint32(hdr[1:5])))
	case RecordWaitTime:
		d, ok := TimeUnit(hdr[1]).Duration(int32(binary.LittleEndian.Uint32(hdr[2:6])))
		if !ok {
			v.OnProtocolError(FaultInvalidFormat, 0)
			return chunk
		}
		v.OnWaitTime(d)
	case RecordVersion:
		r.beginPacket(hdr, v)
	}
	return chunk
}

func (r *Reassembler) lead(chunk []byte) byte {
	if r.hdrLen > 0 {
		return r.hdr[0]
	}
	return chunk[0]
}

func (r *Reassembler) beginPacket(hdr []byte, v Visitor) {
	msgID := int32(binary.LittleEndian.Uint32(hdr[versionLen : versionLen+messageIDLen]))
	if hdr[1] != 0 || hdr[2] != 0 || hdr[versionLen+messageIDLen] != RecordSized {
		r.Reset()
		v.OnProtocolError(FaultInvalidFormat, msgID)
		return
	}

	size := int(int32(binary.LittleEndian.Uint32(hdr[HeaderLen-4:])))
	if size < 0 {
		r.Reset()
		v.OnProtocolError(FaultInvalidFormat, msgID)
		return
	}
	if size > r.maxPayload {
		v.OnProtocolError(FaultSizeOverflow, msgID)
		r.skip = size + EndLen
		return
	}

	r.headerReceived = true
	r.msgID = msgID
	r.expectedSize = size
	r.accumulator = make([]byte, 0, size+EndLen)
}

func (r *Reassembler) feedBody(chunk []byte, v Visitor) []byte {
	want := r.expectedSize + EndLen - len(r.accumulator)
	n := min(want, len(chunk))
	r.accumulator = append(r.accumulator, chunk[:n]...)
	chunk = chunk[n:]
	if len(r.accumulator) < r.expectedSize+EndLen {
		return chunk
	}

	msgID, payload, end := r.msgID, r.accumulator[:r.expectedSize], r.accumulator[r.expectedSize]
	r.Reset()
	if end != RecordEnd {
		v.OnProtocolError(FaultUnexpectedEnd, msgID)
		return chunk
	}
	v.OnPacket(msgID, payload)
	return chunk
}
