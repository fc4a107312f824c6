package wire

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorded struct {
	msgID   int32
	payload []byte
}

type recorder struct {
	packets  []recorded
	faults   []FaultCode
	faultIDs []int32
	acks     []int32
	waits    []time.Duration
	errors   []FaultCode
}

func (rec *recorder) OnPacket(msgID int32, payload []byte) {
	rec.packets = append(rec.packets, recorded{msgID, payload})
}

func (rec *recorder) OnFault(code FaultCode, msgID int32) {
	rec.faults = append(rec.faults, code)
	rec.faultIDs = append(rec.faultIDs, msgID)
}

func (rec *recorder) OnAck(msgID int32) {
	rec.acks = append(rec.acks, msgID)
}

func (rec *recorder) OnWaitTime(d time.Duration) {
	rec.waits = append(rec.waits, d)
}

func (rec *recorder) OnProtocolError(code FaultCode, _ int32) {
	rec.errors = append(rec.errors, code)
}

func feedChunks(r *Reassembler, v Visitor, buf []byte, size int) {
	for len(buf) > 0 {
		n := min(size, len(buf))
		r.Feed(buf[:n], v)
		buf = buf[n:]
	}
}

func TestPacketLayout(t *testing.T) {
	packet, err := Packet(0x01020304, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte{
		0x00, 0x00, 0x00,
		0x04, 0x03, 0x02, 0x01,
		0x05, 0x02, 0x00, 0x00, 0x00,
		'h', 'i',
		0x0c,
	}, packet)
	require.Len(t, packet, 2+HeaderLen+EndLen)

	require.Equal(t, []byte{0x0b, 0x03, 0x00, 0x07, 0x00, 0x00, 0x00}, Fault(FaultSizeOverflow, 7))
	require.Equal(t, []byte{0x0d, 0x09, 0x00, 0x00, 0x00}, Ack(9))
	require.Equal(t, []byte{0x0a, 0x04, 0x02, 0x00, 0x00, 0x00}, WaitTime(UnitSeconds, 2))
	require.Equal(t, WaitTime(UnitMinutes, 3), WaitTimeFor(3*time.Minute))
	require.Equal(t, WaitTime(UnitMilliseconds, 1500), WaitTimeFor(1500*time.Millisecond))
	require.Equal(t, []byte{0x0c}, End())
}

func TestReassembler_EverySplitPoint(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	packet, err := Packet(42, payload)
	require.NoError(t, err)

	for split := 1; split <= len(packet); split++ {
		rec := &recorder{}
		r := NewReassembler(0)
		feedChunks(r, rec, packet, split)

		require.Len(t, rec.packets, 1, "split at %d", split)
		require.Equal(t, int32(42), rec.packets[0].msgID)
		require.Equal(t, payload, rec.packets[0].payload)
		require.Empty(t, rec.errors)
		require.False(t, r.Pending())
	}
}

func TestReassembler_TwoSplitPoints(t *testing.T) {
	payload := []byte("0123456789")
	packet, err := Packet(3, payload)
	require.NoError(t, err)

	for i := 1; i < len(packet); i++ {
		for j := i + 1; j < len(packet); j++ {
			rec := &recorder{}
			r := NewReassembler(0)
			r.Feed(packet[:i], rec)
			r.Feed(packet[i:j], rec)
			r.Feed(packet[j:], rec)
			require.Len(t, rec.packets, 1)
			require.Equal(t, payload, rec.packets[0].payload)
		}
	}
}

func TestReassembler_PayloadSizes(t *testing.T) {
	sizes := []int{0, 1, 2, HeaderLen, 4096, 1 << 20, MaxPayloadSize - 1, MaxPayloadSize}
	rng := rand.New(rand.NewPCG(1, 2))

	for _, size := range sizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(rng.UintN(256))
		}
		packet, err := Packet(int32(size), payload)
		require.NoError(t, err)

		rec := &recorder{}
		r := NewReassembler(0)
		chunk := 1 + int(rng.UintN(64*1024))
		if size < 64 {
			chunk = 1
		}
		feedChunks(r, rec, packet, chunk)

		require.Len(t, rec.packets, 1, "size %d", size)
		require.Equal(t, int32(size), rec.packets[0].msgID)
		require.True(t, bytes.Equal(payload, rec.packets[0].payload), "size %d", size)
	}
}

func TestReassembler_Overflow(t *testing.T) {
	_, err := Packet(1, make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	oversized := AppendPacket(nil, 1, make([]byte, MaxPayloadSize+1))
	follow, err := Packet(2, []byte("after"))
	require.NoError(t, err)

	rec := &recorder{}
	r := NewReassembler(0)
	feedChunks(r, rec, append(oversized, follow...), 1<<16)

	require.Equal(t, []FaultCode{FaultSizeOverflow}, rec.errors)
	require.Len(t, rec.packets, 1, "the stream must resynchronise after the skipped message")
	require.Equal(t, int32(2), rec.packets[0].msgID)
	require.Equal(t, []byte("after"), rec.packets[0].payload)
}

func TestReassembler_SmallLimit(t *testing.T) {
	packet, err := Packet(5, []byte("toolong"))
	require.NoError(t, err)

	rec := &recorder{}
	r := NewReassembler(4)
	feedChunks(r, rec, packet, 1)
	require.Empty(t, rec.packets)
	require.Equal(t, []FaultCode{FaultSizeOverflow}, rec.errors)
	require.False(t, r.Pending())
}

func TestReassembler_BadTerminator(t *testing.T) {
	packet, err := Packet(8, []byte("abc"))
	require.NoError(t, err)
	packet[len(packet)-1] = 0xff

	rec := &recorder{}
	r := NewReassembler(0)
	r.Feed(packet, rec)
	require.Empty(t, rec.packets)
	require.Equal(t, []FaultCode{FaultUnexpectedEnd}, rec.errors)

	good, err := Packet(9, []byte("ok"))
	require.NoError(t, err)
	r.Feed(good, rec)
	require.Len(t, rec.packets, 1)
}

func TestReassembler_InvalidHeader(t *testing.T) {
	rec := &recorder{}
	r := NewReassembler(0)
	r.Feed([]byte{0x42, 0x00, 0x01}, rec)
	require.Equal(t, []FaultCode{FaultInvalidFormat}, rec.errors)
	require.False(t, r.Pending())

	header := AppendHeader(nil, 1, 3)
	header[7] = 0x06
	r.Feed(header, rec)
	require.Equal(t, []FaultCode{FaultInvalidFormat, FaultInvalidFormat}, rec.errors)
	require.Empty(t, rec.packets)
}

func TestReassembler_ControlRecords(t *testing.T) {
	var stream []byte
	stream = AppendFault(stream, FaultUnknownDestination, 11)
	stream = AppendAck(stream, 12)
	stream = AppendWaitTime(stream, UnitMilliseconds, 250)
	stream = AppendPacket(stream, 13, []byte("x"))

	rec := &recorder{}
	r := NewReassembler(0)
	feedChunks(r, rec, stream, 1)

	require.Equal(t, []FaultCode{FaultUnknownDestination}, rec.faults)
	require.Equal(t, []int32{11}, rec.faultIDs)
	require.Equal(t, []int32{12}, rec.acks)
	require.Equal(t, []time.Duration{250 * time.Millisecond}, rec.waits)
	require.Len(t, rec.packets, 1)
	require.Empty(t, rec.errors)
}
