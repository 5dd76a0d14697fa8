// Package token issues and checks room access tokens. An access key is
// a base64 string wrapping an Ed25519 seed; clients hold a Generator to
// mint short-lived room tokens from it, gateways hold a Verifier built
// from the same key.
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidAccessKey = errors.New("invalid access key")
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
)

// DefaultTTL is the room token lifetime used when none is configured.
const DefaultTTL = 5 * time.Minute

// GenerateAccessKey returns a fresh random access key.
func GenerateAccessKey() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(seed), nil
}

func decodeAccessKey(accessKey string) ([]byte, error) {
	seed, err := base64.StdEncoding.DecodeString(accessKey)
	if err != nil {
		return nil, ErrInvalidAccessKey
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidAccessKey
	}
	return seed, nil
}

// Claims carry the room grant inside a signed token.
type Claims struct {
	RoomID string `json:"rid"`
	UserID string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// Generator mints room tokens signed with the access key.
type Generator struct {
	key ed25519.PrivateKey
	ttl time.Duration
}

func NewGenerator(accessKey string, ttl time.Duration) (*Generator, error) {
	seed, err := decodeAccessKey(accessKey)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Generator{key: ed25519.NewKeyFromSeed(seed), ttl: ttl}, nil
}

// RoomToken returns a signed token granting userID entry to roomID.
func (g *Generator) RoomToken(roomID, userID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RoomID: roomID,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(g.key)
}

// Verifier checks tokens against the public half of the access key.
type Verifier struct {
	pub ed25519.PublicKey
}

func NewVerifier(accessKey string) (*Verifier, error) {
	seed, err := decodeAccessKey(accessKey)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Verifier{pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrInvalidToken
		}
		return v.pub, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.RoomID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PeekClaims decodes a token without checking its signature. Clients
// use it to learn the room a token is for; never trust it server side.
func PeekClaims(tokenString string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.RoomID == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
