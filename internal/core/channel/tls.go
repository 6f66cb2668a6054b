package channel

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/dep2p/go-p2shell/internal/core/identity"
	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/types"
)

// alpnProtocol QUIC 通道的 ALPN 协商标识
const alpnProtocol = "p2shell/1"

// certValidity 自签名证书的有效期
const certValidity = 180 * 24 * time.Hour

// newTLSPair 从节点身份生成服务端与客户端 TLS 配置
//
// 证书直接用 Ed25519 身份私钥自签名，对端从证书公钥派生 NodeID，
// 身份因此不可伪造。标准 CA 验证被禁用（自签名证书没有 CA 可验），
// 安全性由 VerifyPeerCertificate 回调保证。
func newTLSPair(ident interfaces.Identity) (server, client *tls.Config, err error) {
	if ident == nil {
		return nil, nil, fmt.Errorf("identity is nil")
	}

	priv := ident.PrivateKey()
	if priv == nil {
		return nil, nil, fmt.Errorf("private key is nil")
	}
	nodeID := ident.ID()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"p2shell"},
			CommonName:   "p2shell node " + hex.EncodeToString(nodeID[:8]),
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}

	base := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{alpnProtocol},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerCertificate,
		MinVersion:            tls.VersionTLS13,
	}

	server = base.Clone()
	// 双向 TLS：入站连接同样必须出示身份证书
	server.ClientAuth = tls.RequireAnyClientCert
	client = base.Clone()
	return server, client, nil
}

// verifyPeerCertificate 验证对端证书
//
// 只接受 Ed25519 自签名证书；NodeID 始终从证书公钥派生，
// 证书里没有任何可信的自述字段。
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no peer certificate", types.ErrAuthFailure)
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: parse certificate: %v", types.ErrAuthFailure, err)
	}
	if _, err := nodeIDFromCert(cert); err != nil {
		return err
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: certificate not yet valid", types.ErrAuthFailure)
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("%w: certificate expired", types.ErrAuthFailure)
	}
	return nil
}

// extractNodeID 从 TLS 连接状态提取已认证的对端 NodeID
func extractNodeID(state tls.ConnectionState) (types.NodeID, error) {
	if len(state.PeerCertificates) == 0 {
		return types.NodeID{}, fmt.Errorf("%w: no peer certificate", types.ErrAuthFailure)
	}
	return nodeIDFromCert(state.PeerCertificates[0])
}

// nodeIDFromCert 从证书公钥派生 NodeID
func nodeIDFromCert(cert *x509.Certificate) (types.NodeID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return types.NodeID{}, fmt.Errorf("%w: unsupported certificate key type %T",
			types.ErrAuthFailure, cert.PublicKey)
	}
	return identity.NodeIDFromPublicKey(pub), nil
}
