// Package auth implements token-based authentication and per-document
// permission checks for the document synchronization server (SPEC_FULL.md
// §4.8).
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permission is the access level a token grants over a document.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// CanWrite reports whether p allows submitting transactions.
func (p Permission) CanWrite() bool { return p == PermissionWrite }

// Claims is the payload of a document access token.
type Claims struct {
	jwt.RegisteredClaims
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
}

// Identity is the result of a successful authorization.
type Identity struct {
	DocumentID string
	UserID     string
	Permission Permission
}

// Service issues and verifies document access tokens.
type Service interface {
	Issue(documentID, userID string, perm Permission, ttl time.Duration) (string, error)
	Verify(token string) (Identity, error)
}

// JWTService is a Service backed by HMAC-SHA256 signed JWTs, grounded on
// the teacher's ControlPlaneAuthorizer self-signing pattern
// (go/runtime/authorizer.go): claims carry subject/issuer/expiry plus
// domain-specific fields, signed with a single shared key.
type JWTService struct {
	key    []byte
	issuer string
}

// NewJWTService builds a JWTService signing and verifying with key, under
// issuer (embedded in every token's iss claim and checked on verify).
func NewJWTService(key []byte, issuer string) *JWTService {
	return &JWTService{key: key, issuer: issuer}
}

func (s *JWTService) Issue(documentID, userID string, perm Permission, ttl time.Duration) (string, error) {
	var now = time.Now()
	var claims = Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DocumentID: documentID,
		UserID:     userID,
		Permission: perm,
	}
	var token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

func (s *JWTService) Verify(token string) (Identity, error) {
	var claims Claims
	var parsed, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return Identity{}, fmt.Errorf("auth: verify token: %w", err)
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("auth: token is not valid")
	}
	if claims.Permission != PermissionRead && claims.Permission != PermissionWrite {
		return Identity{}, fmt.Errorf("auth: token carries unknown permission %q", claims.Permission)
	}
	return Identity{
		DocumentID: claims.DocumentID,
		UserID:     claims.UserID,
		Permission: claims.Permission,
	}, nil
}
