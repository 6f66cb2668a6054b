package session

import (
	"bufio"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"
)

// ============================================================================
//                              会话帧
// ============================================================================

// 帧类型
//
// 会话协议跑在安全通道的主逻辑流上，所有整数字段用 uvarint 编码：
//
//	DATA      [type][uvarint offset][uvarint len][payload]
//	ACK       [type][uvarint cumAck]
//	RESUME    [type][16B session][uvarint sendNext][uvarint recvNext]
//	RESUMEACK [type][16B session][uvarint sendNext][uvarint recvNext]
//	PING/PONG [type]
//	CLOSE     [type][1B reason]
const (
	frameData      byte = 1
	frameAck       byte = 2
	frameResume    byte = 3
	frameResumeAck byte = 4
	framePing      byte = 5
	framePong      byte = 6
	frameClose     byte = 7
)

// 关闭原因
const (
	closeReasonNormal byte = 0
	closeReasonError  byte = 1
)

// maxFramePayload 单个 DATA 帧的最大载荷
//
// 防御性上限：解码时超过该值视为协议错误。
const maxFramePayload = 1 << 20

// 帧解码错误
var (
	errUnknownFrame    = fmt.Errorf("unknown frame type")
	errOversizedFrame  = fmt.Errorf("oversized data frame")
	errTruncatedResume = fmt.Errorf("truncated resume frame")
)

// frame 会话帧
//
// 各字段按帧类型取用：
//   - DATA: Offset = 载荷首字节的序号，Payload = 应用字节
//   - ACK: Ack = 累计确认（已连续收到的字节数）
//   - RESUME/RESUMEACK: Session + SendNext（发送侧下一序号）+
//     RecvNext（接收侧已连续收到的序号）
//   - CLOSE: Reason
type frame struct {
	Type     byte
	Session  uuid.UUID
	Offset   uint64
	SendNext uint64
	RecvNext uint64
	Ack      uint64
	Reason   byte
	Payload  []byte
}

// encode 编码帧为单个字节切片
//
// 一次 Write 写出完整帧，配合单写者模型保证帧不交错。
func (f frame) encode() []byte {
	switch f.Type {
	case frameData:
		buf := make([]byte, 0, 1+2*varint.UvarintSize(f.Offset)+len(f.Payload)+4)
		buf = append(buf, frameData)
		buf = append(buf, varint.ToUvarint(f.Offset)...)
		buf = append(buf, varint.ToUvarint(uint64(len(f.Payload)))...)
		return append(buf, f.Payload...)

	case frameAck:
		buf := make([]byte, 0, 1+varint.UvarintSize(f.Ack))
		buf = append(buf, frameAck)
		return append(buf, varint.ToUvarint(f.Ack)...)

	case frameResume, frameResumeAck:
		buf := make([]byte, 0, 1+16+2*10)
		buf = append(buf, f.Type)
		buf = append(buf, f.Session[:]...)
		buf = append(buf, varint.ToUvarint(f.SendNext)...)
		return append(buf, varint.ToUvarint(f.RecvNext)...)

	case framePing, framePong:
		return []byte{f.Type}

	case frameClose:
		return []byte{frameClose, f.Reason}

	default:
		panic(fmt.Sprintf("encode: unknown frame type %d", f.Type))
	}
}

// writeFrame 写出一帧
func writeFrame(w io.Writer, f frame) error {
	_, err := w.Write(f.encode())
	return err
}

// readFrame 从流中读取一帧
func readFrame(br *bufio.Reader) (frame, error) {
	typ, err := br.ReadByte()
	if err != nil {
		return frame{}, err
	}

	switch typ {
	case frameData:
		offset, err := varint.ReadUvarint(br)
		if err != nil {
			return frame{}, err
		}
		length, err := varint.ReadUvarint(br)
		if err != nil {
			return frame{}, err
		}
		if length > maxFramePayload {
			return frame{}, fmt.Errorf("%w: %d bytes", errOversizedFrame, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return frame{}, err
		}
		return frame{Type: frameData, Offset: offset, Payload: payload}, nil

	case frameAck:
		ack, err := varint.ReadUvarint(br)
		if err != nil {
			return frame{}, err
		}
		return frame{Type: frameAck, Ack: ack}, nil

	case frameResume, frameResumeAck:
		var sid uuid.UUID
		if _, err := io.ReadFull(br, sid[:]); err != nil {
			return frame{}, fmt.Errorf("%w: %v", errTruncatedResume, err)
		}
		sendNext, err := varint.ReadUvarint(br)
		if err != nil {
			return frame{}, err
		}
		recvNext, err := varint.ReadUvarint(br)
		if err != nil {
			return frame{}, err
		}
		return frame{Type: typ, Session: sid, SendNext: sendNext, RecvNext: recvNext}, nil

	case framePing, framePong:
		return frame{Type: typ}, nil

	case frameClose:
		reason, err := br.ReadByte()
		if err != nil {
			return frame{}, err
		}
		return frame{Type: frameClose, Reason: reason}, nil

	default:
		return frame{}, fmt.Errorf("%w: %d", errUnknownFrame, typ)
	}
}
