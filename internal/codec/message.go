package codec

import (
	"encoding/binary"
	"errors"
	"io"

	"main/internal/schema"
)

// Frame kinds carried on the relay transport.
const (
	FrameMessage     uint8 = 1
	FrameSubscribe   uint8 = 2
	FrameUnsubscribe uint8 = 3
)

// DefaultMaxFrameSize bounds a single frame body.
const DefaultMaxFrameSize = 1 << 20

const (
	frameHeaderSize  = 5 // u32 length + u8 kind
	messageFixedSize = 2 + 2 + 8 + 4
	controlFixedSize = 2 + 2
	maxString16      = int(^uint16(0))
)

var (
	ErrFrameTooLarge = errors.New("codec: frame exceeds max size")
	ErrShortFrame    = errors.New("codec: truncated frame")
	ErrBadFrame      = errors.New("codec: malformed frame body")
)

// EncodeMessage appends a message body to dst and returns it. Topics
// and publisher IDs longer than 64 KiB are rejected rather than
// truncated.
func EncodeMessage(dst []byte, m schema.Message) ([]byte, error) {
	if len(m.Topic) > maxString16 || len(m.PublisherID) > maxString16 {
		return nil, ErrBadFrame
	}
	dst = appendString16(dst, m.Topic)
	dst = appendString16(dst, m.PublisherID)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(m.PublishedAt))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(m.Payload)))
	dst = append(dst, m.Payload...)
	return dst, nil
}

// DecodeMessage parses a message body. The returned payload aliases src.
func DecodeMessage(src []byte) (schema.Message, bool) {
	if len(src) < messageFixedSize {
		return schema.Message{}, false
	}
	topic, rest, ok := readString16(src)
	if !ok {
		return schema.Message{}, false
	}
	publisher, rest, ok := readString16(rest)
	if !ok {
		return schema.Message{}, false
	}
	if len(rest) < 12 {
		return schema.Message{}, false
	}
	publishedAt := int64(binary.LittleEndian.Uint64(rest[0:8]))
	payloadLen := int(binary.LittleEndian.Uint32(rest[8:12]))
	rest = rest[12:]
	if payloadLen != len(rest) {
		return schema.Message{}, false
	}
	m := schema.Message{
		Topic:       topic,
		PublisherID: publisher,
		PublishedAt: publishedAt,
	}
	if payloadLen > 0 {
		m.Payload = rest[:payloadLen]
	}
	return m, true
}

// Control is a subscribe/unsubscribe frame body.
type Control struct {
	SubscriberID string
	TopicPrefix  string
}

// EncodeControl appends a control body to dst and returns it.
func EncodeControl(dst []byte, c Control) ([]byte, error) {
	if len(c.SubscriberID) > maxString16 || len(c.TopicPrefix) > maxString16 {
		return nil, ErrBadFrame
	}
	dst = appendString16(dst, c.SubscriberID)
	dst = appendString16(dst, c.TopicPrefix)
	return dst, nil
}

// DecodeControl parses a control body.
func DecodeControl(src []byte) (Control, bool) {
	if len(src) < controlFixedSize {
		return Control{}, false
	}
	subscriber, rest, ok := readString16(src)
	if !ok {
		return Control{}, false
	}
	prefix, rest, ok := readString16(rest)
	if !ok || len(rest) != 0 {
		return Control{}, false
	}
	return Control{SubscriberID: subscriber, TopicPrefix: prefix}, true
}

// WriteFrame writes a length-prefixed frame to w. maxFrameSize bounds
// the frame; zero means DefaultMaxFrameSize.
func WriteFrame(w io.Writer, kind uint8, body []byte, maxFrameSize int) error {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(body)+1 > maxFrameSize {
		return ErrFrameTooLarge
	}
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)+1))
	header[4] = kind
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// FrameReader reads length-prefixed frames, reusing an internal buffer.
// The body returned by Next is valid until the following call.
type FrameReader struct {
	r   io.Reader
	max int
	buf []byte
}

// NewFrameReader creates a reader with the given max frame size.
func NewFrameReader(r io.Reader, maxFrameSize int) *FrameReader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, max: maxFrameSize}
}

// Next reads the next frame and returns its kind and body.
func (fr *FrameReader) Next() (uint8, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:4]); err != nil {
		return 0, nil, err
	}
	length := int(binary.LittleEndian.Uint32(header[0:4]))
	if length < 1 {
		return 0, nil, ErrShortFrame
	}
	if length > fr.max {
		return 0, nil, ErrFrameTooLarge
	}
	if _, err := io.ReadFull(fr.r, header[4:5]); err != nil {
		return 0, nil, err
	}
	kind := header[4]
	bodyLen := length - 1
	if cap(fr.buf) < bodyLen {
		fr.buf = make([]byte, bodyLen)
	}
	body := fr.buf[:bodyLen]
	if bodyLen > 0 {
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return 0, nil, err
		}
	}
	return kind, body, nil
}

func appendString16(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func readString16(src []byte) (string, []byte, bool) {
	if len(src) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(src[0:2]))
	src = src[2:]
	if len(src) < n {
		return "", nil, false
	}
	return string(src[:n]), src[n:], true
}
