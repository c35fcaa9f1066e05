package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DeviceTokenTTL = 15 * time.Minute
	refreshBefore  = time.Minute

	RoleDevice   = "device"
	RoleOperator = "operator"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and checks HS256 tokens. It also caches the device token
// used on every fleet backend call.
type Signer struct {
	secret   []byte
	deviceID string
	now      func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

func NewSigner(secret, deviceID string) *Signer {
	return &Signer{secret: []byte(secret), deviceID: deviceID, now: time.Now}
}

var signTokenFn = func(token *jwt.Token, key []byte) (string, error) {
	return token.SignedString(key)
}

func (s *Signer) Sign(subject, role string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject required")
	}
	now := s.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return signTokenFn(jwt.NewWithClaims(jwt.SigningMethodHS256, claims), s.secret)
}

// Token returns the device bearer token, re-signing it shortly before it
// expires.
func (s *Signer) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" && s.now().Before(s.expires.Add(-refreshBefore)) {
		return s.cached, nil
	}
	token, err := s.Sign(s.deviceID, RoleDevice, DeviceTokenTTL)
	if err != nil {
		return "", err
	}
	s.cached = token
	s.expires = s.now().Add(DeviceTokenTTL)
	return token, nil
}

func (s *Signer) Parse(token string) (*Claims, error) {
	parsed, err := parseClaimsFn(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

var parseClaimsFn = jwt.ParseWithClaims
