// codec.go decodes the broker's push-feed wire format.
//
// Each WebSocket binary message carries one or more length-delimited frames:
//
//	[u32 length][frame] [u32 length][frame] ...
//
// and each frame is a fixed-layout record (big-endian):
//
//	u16  key length, key bytes
//	u8   flags: bit0 OHLC present, bit1 depth present, bit2 greeks present
//	f64  ltp
//	i64  ltt (unix milliseconds)
//	optional OHLC:   f64 open, high, low, close; i64 volume
//	optional depth:  f64 bid, ask; i32 bidQty, askQty
//	optional greeks: f64 iv, delta, gamma, theta, vega
//
// Truncated or oversized frames abort the message; a decode error on one
// message never kills the connection, the reader just skips it.
package feed

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"options-engine/pkg/types"
)

const (
	flagOHLC   = 1 << 0
	flagDepth  = 1 << 1
	flagGreeks = 1 << 2

	maxFrameSize = 1 << 16
	maxKeyLen    = 256
)

// FeedMessage is one decoded tick for one instrument.
type FeedMessage struct {
	InstrumentKey string
	LTP           float64
	LTT           time.Time // last traded time

	HasOHLC bool
	OHLC    types.OHLC

	HasDepth bool
	Bid      float64
	Ask      float64
	BidQty   int32
	AskQty   int32

	HasGreeks bool
	Greeks    types.Greeks
}

// decodeFrames splits a WebSocket binary message into FeedMessages.
func decodeFrames(data []byte) ([]FeedMessage, error) {
	var out []FeedMessage
	for len(data) > 0 {
		if len(data) < 4 {
			return out, fmt.Errorf("truncated length prefix (%d bytes left)", len(data))
		}
		size := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if size == 0 || size > maxFrameSize {
			return out, fmt.Errorf("frame size %d out of range", size)
		}
		if uint32(len(data)) < size {
			return out, fmt.Errorf("truncated frame: want %d, have %d", size, len(data))
		}
		msg, err := decodeFrame(data[:size])
		if err != nil {
			return out, err
		}
		out = append(out, msg)
		data = data[size:]
	}
	return out, nil
}

type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("frame truncated at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *frameReader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *frameReader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) f64() float64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func (r *frameReader) i64() int64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *frameReader) i32() int32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func decodeFrame(buf []byte) (FeedMessage, error) {
	r := &frameReader{buf: buf}

	keyLen := int(r.u16())
	if keyLen == 0 || keyLen > maxKeyLen {
		return FeedMessage{}, fmt.Errorf("key length %d out of range", keyLen)
	}
	key := string(r.bytes(keyLen))
	flags := r.u8()

	msg := FeedMessage{
		InstrumentKey: key,
		LTP:           r.f64(),
	}
	// Zero wire millis means the broker sent no trade time; keep the zero
	// time.Time rather than 1970.
	if ms := r.i64(); ms > 0 {
		msg.LTT = time.UnixMilli(ms)
	}

	if flags&flagOHLC != 0 {
		msg.HasOHLC = true
		msg.OHLC = types.OHLC{
			Open: r.f64(), High: r.f64(), Low: r.f64(), Close: r.f64(),
			Volume: r.i64(),
		}
	}
	if flags&flagDepth != 0 {
		msg.HasDepth = true
		msg.Bid = r.f64()
		msg.Ask = r.f64()
		msg.BidQty = r.i32()
		msg.AskQty = r.i32()
	}
	if flags&flagGreeks != 0 {
		msg.HasGreeks = true
		msg.Greeks = types.Greeks{
			IV: r.f64(), Delta: r.f64(), Gamma: r.f64(), Theta: r.f64(), Vega: r.f64(),
		}
	}
	if r.err != nil {
		return FeedMessage{}, r.err
	}
	return msg, nil
}

// encodeFrame serializes a FeedMessage into the wire layout, length prefix
// included. The reader never calls this; it exists for tests and the paper
// feed simulator.
func encodeFrame(msg FeedMessage) []byte {
	flags := byte(0)
	size := 2 + len(msg.InstrumentKey) + 1 + 8 + 8
	if msg.HasOHLC {
		flags |= flagOHLC
		size += 4*8 + 8
	}
	if msg.HasDepth {
		flags |= flagDepth
		size += 2*8 + 2*4
	}
	if msg.HasGreeks {
		flags |= flagGreeks
		size += 5 * 8
	}

	buf := make([]byte, 0, 4+size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.InstrumentKey)))
	buf = append(buf, msg.InstrumentKey...)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(msg.LTP))
	var ltt int64
	if !msg.LTT.IsZero() {
		ltt = msg.LTT.UnixMilli()
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(ltt))
	if msg.HasOHLC {
		for _, v := range []float64{msg.OHLC.Open, msg.OHLC.High, msg.OHLC.Low, msg.OHLC.Close} {
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(msg.OHLC.Volume))
	}
	if msg.HasDepth {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(msg.Bid))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(msg.Ask))
		buf = binary.BigEndian.AppendUint32(buf, uint32(msg.BidQty))
		buf = binary.BigEndian.AppendUint32(buf, uint32(msg.AskQty))
	}
	if msg.HasGreeks {
		for _, v := range []float64{msg.Greeks.IV, msg.Greeks.Delta, msg.Greeks.Gamma, msg.Greeks.Theta, msg.Greeks.Vega} {
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf
}
