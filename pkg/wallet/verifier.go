// Package wallet verifies messages signed by ed25519 wallets whose identity is
// the base58 encoding of the public key.
package wallet

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// Role 签署方角色
type Role string

const (
	RoleLandlord Role = "landlord"
	RoleTenant   Role = "tenant"
)

// Valid 是否为已知角色
func (r Role) Valid() bool {
	switch r {
	case RoleLandlord, RoleTenant:
		return true
	default:
		return false
	}
}

// Tag 签名消息中的角色标签
func (r Role) Tag() string {
	switch r {
	case RoleLandlord:
		return "LANDLORD"
	case RoleTenant:
		return "TENANT"
	default:
		return ""
	}
}

func roleFromTag(tag string) (Role, bool) {
	switch tag {
	case "LANDLORD":
		return RoleLandlord, true
	case "TENANT":
		return RoleTenant, true
	default:
		return "", false
	}
}

// MessageTemplate 签名消息的固定正文
const MessageTemplate = "I agree to the terms of this rental agreement"

const separator = " - "

// InvalidSignatureError 签名校验失败的原因
type InvalidSignatureError struct {
	Reason string
}

func (e *InvalidSignatureError) Error() string {
	return "invalid signature: " + e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &InvalidSignatureError{Reason: fmt.Sprintf(format, args...)}
}

// SigningMessage 解析后的签名消息
type SigningMessage struct {
	Role     Role
	LeaseID  uint
	IssuedAt time.Time
}

// BuildMessage 构造签名消息，时间戳使每次签署的载荷互不相同
func BuildMessage(role Role, leaseID uint, at time.Time) string {
	return strings.Join([]string{
		role.Tag(),
		MessageTemplate,
		fmt.Sprintf("lease %d", leaseID),
		at.UTC().Format(time.RFC3339Nano),
	}, separator)
}

// ParseMessage 解析并校验消息格式
func ParseMessage(message string) (*SigningMessage, error) {
	parts := strings.Split(message, separator)
	if len(parts) != 4 {
		return nil, invalid("message must have 4 segments, got %d", len(parts))
	}

	role, ok := roleFromTag(parts[0])
	if !ok {
		return nil, invalid("unknown role tag %q", parts[0])
	}
	if parts[1] != MessageTemplate {
		return nil, invalid("unexpected message template")
	}

	idText, ok := strings.CutPrefix(parts[2], "lease ")
	if !ok {
		return nil, invalid("missing lease segment")
	}
	leaseID, err := strconv.ParseUint(idText, 10, 64)
	if err != nil || leaseID == 0 {
		return nil, invalid("bad lease id %q", idText)
	}

	issuedAt, err := time.Parse(time.RFC3339Nano, parts[3])
	if err != nil {
		return nil, invalid("bad timestamp %q", parts[3])
	}

	return &SigningMessage{Role: role, LeaseID: uint(leaseID), IssuedAt: issuedAt.UTC()}, nil
}

// DecodeWalletID 将钱包地址解码为ed25519公钥
func DecodeWalletID(walletID string) (ed25519.PublicKey, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		return nil, invalid("empty wallet id")
	}
	raw, err := base58.Decode(walletID)
	if err != nil {
		return nil, invalid("wallet id is not base58")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, invalid("wallet id decodes to %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeWalletID 公钥的钱包地址形式
func EncodeWalletID(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// Verifier 钱包签名校验器，无状态
type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify 校验 signature 是否为 claimedWalletID 对 message 的签名
func (v *Verifier) Verify(message string, signature []byte, claimedWalletID string) error {
	if message == "" {
		return invalid("empty message")
	}
	pub, err := DecodeWalletID(claimedWalletID)
	if err != nil {
		return err
	}
	if len(signature) != ed25519.SignatureSize {
		return invalid("signature is %d bytes", len(signature))
	}
	if !ed25519.Verify(pub, []byte(message), signature) {
		return invalid("signature does not match wallet")
	}
	return nil
}

// VerifyBase64 同 Verify，签名为标准base64编码
func (v *Verifier) VerifyBase64(message, signatureBase64, claimedWalletID string) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureBase64))
	if err != nil {
		return invalid("signature is not base64")
	}
	return v.Verify(message, sig, claimedWalletID)
}
