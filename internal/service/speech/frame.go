package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎语音 v3 二进制帧:
//
//	byte0: version(4) | header size in words(4)
//	byte1: message type(4) | flags(4)
//	byte2: serialization(4) | compression(4)
//	byte3: reserved
//
// 之后依次为可选 sequence、可选 event 元数据、(错误帧的 error code)、payload size、payload。

const frameVersion = 0b0001

type msgType uint8

const (
	msgFullClientRequest  msgType = 0b0001
	msgAudioOnlyRequest   msgType = 0b0010
	msgFullServerResponse msgType = 0b1001
	msgAudioOnlyResponse  msgType = 0b1011
	msgError              msgType = 0b1111
)

type frameFlags uint8

const (
	flagNoSequence   frameFlags = 0b0000
	flagPositiveSeq  frameFlags = 0b0001
	flagLastNoSeq    frameFlags = 0b0010
	flagNegativeSeq  frameFlags = 0b0011
	flagWithEvent    frameFlags = 0b0100
	flagSequenceMask frameFlags = 0b0011
)

const (
	serialNone uint8 = 0b0000
	serialJSON uint8 = 0b0001
)

type compression uint8

const (
	compressNone compression = 0b0000
	compressGzip compression = 0b0001
)

type eventType int32

const (
	eventStartConnection    eventType = 1
	eventFinishConnection   eventType = 2
	eventConnectionStarted  eventType = 50
	eventConnectionFailed   eventType = 51
	eventConnectionFinished eventType = 52
	eventSessionStarted     eventType = 150
	eventSessionFinished    eventType = 152
	eventSessionFailed      eventType = 153
)

// frame 是一条解码后的协议消息。
type frame struct {
	Type        msgType
	Flags       frameFlags
	Serial      uint8
	Compression compression
	Sequence    int32
	Event       eventType
	SessionID   string
	ConnectID   string
	ErrorCode   uint32
	Payload     []byte
}

func (f *frame) hasSequence() bool {
	s := f.Flags & flagSequenceMask
	return s == flagPositiveSeq || s == flagNegativeSeq
}

func (f *frame) hasEvent() bool {
	return f.Flags&flagWithEvent == flagWithEvent
}

// last 表示服务端标记的最后一包。
func (f *frame) last() bool {
	s := f.Flags & flagSequenceMask
	return s == flagLastNoSeq || s == flagNegativeSeq
}

// body 返回解压后的 payload。
func (f *frame) body() ([]byte, error) {
	return decompress(f.Payload, f.Compression)
}

func connectionEvent(e eventType) bool {
	switch e {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func carriesConnectID(e eventType) bool {
	return e == eventConnectionStarted || e == eventConnectionFailed || e == eventConnectionFinished
}

func writeSized(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

func encodeFrame(f *frame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(frameVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.Type)<<4 | uint8(f.Flags))
	buf.WriteByte(f.Serial<<4 | uint8(f.Compression))
	buf.WriteByte(0)

	if f.hasSequence() {
		_ = binary.Write(&buf, binary.BigEndian, f.Sequence)
	}
	if f.hasEvent() {
		_ = binary.Write(&buf, binary.BigEndian, int32(f.Event))
		if !connectionEvent(f.Event) {
			writeSized(&buf, []byte(f.SessionID))
		}
		if carriesConnectID(f.Event) {
			writeSized(&buf, []byte(f.ConnectID))
		}
	}
	if f.Type == msgError {
		_ = binary.Write(&buf, binary.BigEndian, f.ErrorCode)
	}
	writeSized(&buf, f.Payload)
	return buf.Bytes()
}

func readSized(r io.Reader, what string) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read %s size: %w", what, err)
	}
	if size == 0 {
		return nil, nil
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("read %s (%d bytes): %w", what, size, err)
	}
	return out, nil
}

func decodeFrame(data []byte) (*frame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if v := data[0] >> 4; v != frameVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}

	f := &frame{
		Type:        msgType(data[1] >> 4),
		Flags:       frameFlags(data[1] & 0x0F),
		Serial:      data[2] >> 4,
		Compression: compression(data[2] & 0x0F),
	}

	headerLen := int(data[0]&0x0F) * 4
	if headerLen < 4 || headerLen > len(data) {
		return nil, fmt.Errorf("invalid header size: %d", headerLen)
	}
	r := bytes.NewReader(data[headerLen:])

	if f.hasSequence() {
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
	}
	if f.hasEvent() {
		var ev int32
		if err := binary.Read(r, binary.BigEndian, &ev); err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		f.Event = eventType(ev)
		if !connectionEvent(f.Event) {
			sid, err := readSized(r, "session id")
			if err != nil {
				return nil, err
			}
			f.SessionID = string(sid)
		}
		if carriesConnectID(f.Event) {
			cid, err := readSized(r, "connect id")
			if err != nil {
				return nil, err
			}
			f.ConnectID = string(cid)
		}
	}
	if f.Type == msgError {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	payload, err := readSized(r, "payload")
	if err != nil {
		return nil, err
	}
	f.Payload = payload
	return f, nil
}

// fullRequest 构造携带 JSON 参数的首帧。
func fullRequest(payload []byte, c compression) (*frame, error) {
	body, err := compress(payload, c)
	if err != nil {
		return nil, err
	}
	return &frame{Type: msgFullClientRequest, Flags: flagNoSequence, Serial: serialJSON, Compression: c, Payload: body}, nil
}

// audioRequest 构造音频帧；最后一包使用负序号。
func audioRequest(chunk []byte, seq int32, last bool, c compression) (*frame, error) {
	body, err := compress(chunk, c)
	if err != nil {
		return nil, err
	}
	f := &frame{Type: msgAudioOnlyRequest, Serial: serialNone, Compression: c, Payload: body, Sequence: seq}
	switch {
	case last && seq != 0:
		f.Flags = flagNegativeSeq
		f.Sequence = -seq
	case last:
		f.Flags = flagLastNoSeq
	case seq > 0:
		f.Flags = flagPositiveSeq
	default:
		f.Flags = flagNoSequence
	}
	return f, nil
}

func compress(data []byte, c compression) ([]byte, error) {
	switch c {
	case compressNone:
		return data, nil
	case compressGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", c)
	}
}

func decompress(data []byte, c compression) ([]byte, error) {
	switch c {
	case compressNone:
		return data, nil
	case compressGzip:
		if len(data) == 0 {
			return nil, nil
		}
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", c)
	}
}
