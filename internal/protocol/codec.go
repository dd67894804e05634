package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrProtocol      = errors.New("protocol error")
	ErrShortFrame    = fmt.Errorf("%w: frame shorter than header", ErrProtocol)
	ErrShortString   = fmt.Errorf("%w: string length exceeds buffer", ErrProtocol)
	ErrShortField    = fmt.Errorf("%w: field exceeds buffer", ErrProtocol)
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds size limit", ErrProtocol)
)

// Encode builds a frame: [u32 length][u8 code][payload], length = 1+len(payload).
func Encode(code Code, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(1+len(payload)))
	frame[LengthSize] = byte(code)
	copy(frame[HeaderSize:], payload)
	return frame
}

// Decode parses one complete frame as returned by ExtractFrames.
func Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, ErrShortFrame
	}
	length := binary.BigEndian.Uint32(frame)
	end := LengthSize + int(length)
	if length < 1 || end > len(frame) {
		return Message{}, fmt.Errorf("%w: declared length %d, have %d bytes", ErrShortFrame, length, len(frame)-LengthSize)
	}
	payload := make([]byte, end-HeaderSize)
	copy(payload, frame[HeaderSize:end])
	return Message{Code: Code(frame[LengthSize]), Payload: payload}, nil
}

// ExtractFrames splits every complete frame off the front of buf. Incomplete
// trailing bytes are returned as rest and must be kept for the next read.
func ExtractFrames(buf []byte) (frames [][]byte, rest []byte) {
	for {
		if len(buf) < LengthSize {
			return frames, buf
		}
		length := binary.BigEndian.Uint32(buf)
		total := uint64(LengthSize) + uint64(length)
		if uint64(len(buf)) < total {
			return frames, buf
		}
		frames = append(frames, buf[:total:total])
		buf = buf[total:]
	}
}

// Buffer accumulates bytes from a stream and hands out complete frames.
type Buffer struct {
	buf      []byte
	maxFrame uint32
}

func NewBuffer(maxFrame uint32) *Buffer {
	if maxFrame == 0 {
		maxFrame = MaxFrameSize
	}
	return &Buffer{maxFrame: maxFrame}
}

func (b *Buffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *Buffer) Len() int {
	return len(b.buf)
}

// Frames returns all frames completed so far. It fails when a length prefix
// announces a frame larger than the configured limit.
func (b *Buffer) Frames() ([][]byte, error) {
	var frames [][]byte
	for len(b.buf) >= LengthSize {
		length := binary.BigEndian.Uint32(b.buf)
		if length > b.maxFrame {
			return frames, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, b.maxFrame)
		}
		total := LengthSize + int(length)
		if len(b.buf) < total {
			break
		}
		frames = append(frames, b.buf[:total:total])
		b.buf = b.buf[total:]
	}
	if len(frames) > 0 {
		b.buf = append([]byte(nil), b.buf...)
	}
	return frames, nil
}
