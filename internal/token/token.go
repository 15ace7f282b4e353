package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"formrelay/backend/internal/domain"
)

// ErrInvalidToken 令牌无效：签名不匹配、已过期或格式错误
//
// 不区分具体原因，调用方只能得到有效或无效两种结果。
var ErrInvalidToken = errors.New("invalid or expired token")

// MinSecretLength HMAC 密钥最小长度
const MinSecretLength = 32

var encoding = base64.RawURLEncoding.Strict()

// Issuer 签发和校验 magic link 令牌
//
// 格式: base64url(json{email,public_ref,exp}) + "." + base64url(HMAC-SHA256(payload))
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer 创建令牌签发器
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d characters", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL 默认有效期
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue 签发令牌，ttl 为 0 时使用默认有效期；返回令牌和过期时间
func (i *Issuer) Issue(email, publicRef string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = i.ttl
	}
	exp := i.now().Add(ttl).Truncate(time.Second)
	claims := domain.MagicLinkClaims{
		Email:     strings.ToLower(strings.TrimSpace(email)),
		PublicRef: strings.TrimSpace(publicRef),
		Exp:       exp.Unix(),
	}
	if claims.Email == "" || claims.PublicRef == "" {
		return "", time.Time{}, errors.New("token requires email and public ref")
	}

	data, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode claims: %w", err)
	}
	payload := encoding.EncodeToString(data)

	sig, err := jwt.SigningMethodHS256.Sign(payload, i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return payload + "." + encoding.EncodeToString(sig), exp, nil
}

// Verify 校验令牌，成功时返回声明
func (i *Issuer) Verify(tkn string) (*domain.MagicLinkClaims, error) {
	payload, sigPart, ok := strings.Cut(strings.TrimSpace(tkn), ".")
	if !ok || payload == "" || sigPart == "" || strings.Contains(sigPart, ".") {
		return nil, ErrInvalidToken
	}

	sig, err := encoding.DecodeString(sigPart)
	if err != nil {
		return nil, ErrInvalidToken
	}
	// 常量时间比较
	if err := jwt.SigningMethodHS256.Verify(payload, sig, i.secret); err != nil {
		return nil, ErrInvalidToken
	}

	data, err := encoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims domain.MagicLinkClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Email == "" || claims.PublicRef == "" || claims.Expired(i.now()) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
