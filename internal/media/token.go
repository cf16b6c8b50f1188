// Package media issues join tokens for the external media service. Media
// transport itself happens outside this process.
package media

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrChannelRequired = errors.New("channel_name is required")
	ErrNotConfigured   = errors.New("media token secret not configured")
)

const defaultTTL = time.Hour

// Claims grant publish rights on one channel until expiry.
type Claims struct {
	jwt.RegisteredClaims
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    string `json:"role"`
}

const rolePublisher = "publisher"

type Token struct {
	Token     string    `json:"token"`
	Channel   string    `json:"channel_name"`
	UID       uint32    `json:"uid"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNotConfigured
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue signs a publisher token for channel. uid 0 lets the media service
// assign one; userID is carried as the subject.
func (i *Issuer) Issue(now time.Time, channel, userID string, uid uint32) (Token, error) {
	if channel == "" {
		return Token{}, ErrChannelRequired
	}
	exp := now.Add(i.ttl).UTC().Truncate(time.Second)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Channel: channel,
		UID:     uid,
		Role:    rolePublisher,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, err
	}
	return Token{Token: signed, Channel: channel, UID: uid, ExpiresAt: exp}, nil
}

// Verify parses a token issued by Issue. Used by the operator CLI and tests;
// the media service verifies with the same shared secret.
func (i *Issuer) Verify(raw string, now time.Time) (Claims, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if claims.Channel == "" {
		return Claims{}, ErrChannelRequired
	}
	return claims, nil
}
