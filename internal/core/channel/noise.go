package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"

	"github.com/dep2p/go-p2shell/internal/core/identity"
	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/types"
)

// noiseSigPrefix 身份绑定签名的前缀
//
// 握手 payload 携带 Sign(prefix + curve25519 静态公钥)，把 Noise
// 静态密钥绑定到 Ed25519 身份密钥上：中继路径的对端身份同样
// 不可伪造。
const noiseSigPrefix = "p2shell-noise-static-key:"

// noisePayloadSize 握手 payload 的固定长度（32B 公钥 + 64B 签名）
const noisePayloadSize = ed25519.PublicKeySize + ed25519.SignatureSize

// maxNoisePlaintext 单个 Noise 消息的最大明文长度
//
// Noise 消息上限 65535 字节，减去 AEAD 认证标签。
const maxNoisePlaintext = 65535 - 16

// ============================================================================
//                              Noise XX 握手
// ============================================================================

// SecureRelay 在中继字节流上建立端到端加密通道
//
// Noise XX 握手提供相互认证与前向保密；中继节点只能看到密文。
// expected 非空时校验对端身份，不匹配返回 ErrAuthFailure。
func SecureRelay(conn net.Conn, ident interfaces.Identity, expected types.NodeID, initiator bool, config Config) (interfaces.SecureChannel, error) {
	config.Validate()

	if err := conn.SetDeadline(time.Now().Add(config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	staticPriv := ed25519ToCurve25519Private(ident.PrivateKey())
	staticPub, err := ed25519ToCurve25519Public(ident.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("convert static key: %w", err)
	}

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: noise.DHKey{Private: staticPriv, Public: staticPub},
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	payload, err := buildNoisePayload(ident, staticPub)
	if err != nil {
		return nil, err
	}

	var sendCS, recvCS *noise.CipherState
	var remotePayload []byte
	if initiator {
		sendCS, recvCS, remotePayload, err = noiseInitiatorHandshake(conn, hs, payload)
	} else {
		sendCS, recvCS, remotePayload, err = noiseResponderHandshake(conn, hs, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("noise handshake: %w", err)
	}

	remote, err := verifyNoisePayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}
	if !expected.IsEmpty() && !remote.Equal(expected) {
		return nil, fmt.Errorf("%w: expected %s, got %s",
			types.ErrAuthFailure, expected.ShortString(), remote.ShortString())
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	logger.Debug("Noise 通道已建立", "remote", remote.ShortString(), "initiator", initiator)
	ch := &noiseChannel{
		conn:   conn,
		send:   sendCS,
		recv:   recvCS,
		remote: remote,
		config: config,
		done:   make(chan struct{}),
	}
	go ch.keepAliveLoop()
	return ch, nil
}

// buildNoisePayload 生成身份绑定 payload：[公钥][签名]
func buildNoisePayload(ident interfaces.Identity, staticPub []byte) ([]byte, error) {
	sig, err := ident.Sign(append([]byte(noiseSigPrefix), staticPub...))
	if err != nil {
		return nil, fmt.Errorf("sign static key: %w", err)
	}
	payload := make([]byte, 0, noisePayloadSize)
	payload = append(payload, ident.PublicKey()...)
	return append(payload, sig...), nil
}

// verifyNoisePayload 验证对端 payload 并返回其 NodeID
func verifyNoisePayload(payload, remoteStatic []byte) (types.NodeID, error) {
	if len(payload) != noisePayloadSize {
		return types.NodeID{}, fmt.Errorf("%w: bad payload size %d",
			types.ErrAuthFailure, len(payload))
	}
	pub := ed25519.PublicKey(payload[:ed25519.PublicKeySize])
	sig := payload[ed25519.PublicKeySize:]

	remote := identity.NodeIDFromPublicKey(pub)
	toVerify := append([]byte(noiseSigPrefix), remoteStatic...)
	if err := identity.Verify(remote, pub, toVerify, sig); err != nil {
		return types.NodeID{}, err
	}
	return remote, nil
}

// noiseInitiatorHandshake 发起方握手
//
//	-> e
//	<- e, ee, s, es, payload
//	-> s, se, payload
func noiseInitiatorHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeNoiseFrame(conn, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	msg2, err := readNoiseFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	msg3, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeNoiseFrame(conn, msg3); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}
	return cs1, cs2, remotePayload, nil
}

// noiseResponderHandshake 响应方握手（密钥方向与发起方相反）
func noiseResponderHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, err := readNoiseFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeNoiseFrame(conn, msg2); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	msg3, err := readNoiseFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}
	return cs2, cs1, remotePayload, nil
}

// ============================================================================
//                              Noise 通道
// ============================================================================

// noiseChannel 中继路径上的端到端加密通道
//
// 帧格式：2 字节大端长度 + 密文；零长度帧为保活探测。
// 单条逻辑流，不支持多路复用。
type noiseChannel struct {
	conn   net.Conn
	config Config
	remote types.NodeID

	sendMu sync.Mutex
	send   *noise.CipherState

	recv     *noise.CipherState
	leftover []byte

	once sync.Once
	errv error
	done chan struct{}
}

var _ interfaces.SecureChannel = (*noiseChannel)(nil)

// Read 读取并解密下一帧；保活帧被透明吞掉
func (c *noiseChannel) Read(p []byte) (int, error) {
	for {
		if len(c.leftover) > 0 {
			n := copy(p, c.leftover)
			c.leftover = c.leftover[n:]
			return n, nil
		}

		// 静默失联检测：保活帧必须在阈值内到达
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.MaxIdleTimeout)); err != nil {
			c.fail(err)
			return 0, err
		}
		ct, err := readNoiseFrame(c.conn)
		if err != nil {
			if os.IsTimeout(err) {
				err = fmt.Errorf("%w: keepalive timeout", types.ErrChannelLost)
			}
			c.fail(err)
			return 0, err
		}
		if len(ct) == 0 {
			continue
		}

		plain, err := c.recv.Decrypt(nil, nil, ct)
		if err != nil {
			err = fmt.Errorf("decrypt frame: %w", err)
			c.fail(err)
			return 0, err
		}
		c.leftover = plain
	}
}

// Write 加密并写出数据，必要时分帧
func (c *noiseChannel) Write(p []byte) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxNoisePlaintext {
			chunk = chunk[:maxNoisePlaintext]
		}
		ct, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			c.fail(err)
			return total, err
		}
		if err := writeNoiseFrame(c.conn, ct); err != nil {
			c.fail(err)
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *noiseChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *noiseChannel) RemotePeer() types.NodeID { return c.remote }
func (c *noiseChannel) Kind() types.AddrKind     { return types.KindRelay }

// OpenStream 中继路径不支持多路复用
func (c *noiseChannel) OpenStream(context.Context) (io.ReadWriteCloser, error) {
	return nil, types.ErrNoMultiplex
}

func (c *noiseChannel) Done() <-chan struct{} { return c.done }

func (c *noiseChannel) Err() error {
	select {
	case <-c.done:
		return c.errv
	default:
		return nil
	}
}

// fail 记录失效原因并关闭通道
func (c *noiseChannel) fail(err error) {
	c.once.Do(func() {
		c.errv = err
		close(c.done)
		_ = c.conn.Close()
	})
}

// keepAliveLoop 周期发送零长度保活帧
func (c *noiseChannel) keepAliveLoop() {
	ticker := time.NewTicker(c.config.KeepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sendMu.Lock()
			err := writeNoiseFrame(c.conn, nil)
			c.sendMu.Unlock()
			if err != nil {
				c.fail(fmt.Errorf("%w: keepalive write: %v", types.ErrChannelLost, err))
				return
			}
		}
	}
}

// ============================================================================
//                              帧与密钥转换
// ============================================================================

// writeNoiseFrame 写一帧：2 字节大端长度 + 数据
func writeNoiseFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	_, err := w.Write(buf)
	return err
}

// readNoiseFrame 读一帧
func readNoiseFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// ed25519ToCurve25519Private 转换私钥（RFC 7748 / RFC 8032）
//
// SHA-512 哈希种子取前 32 字节并 clamping。
func ed25519ToCurve25519Private(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// ed25519ToCurve25519Public 转换公钥（Edwards -> Montgomery）
func ed25519ToCurve25519Public(pub ed25519.PublicKey) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}
