// Package tokens mints and validates the two HS256 JWTs the system
// uses: connection tokens (hive-issued, authorize a frontend to tail a
// node's logs directly) and proxy tokens (node-minted, authenticate one
// node's HTTP calls to another on a user's behalf). Both ride on
// golang-jwt/jwt/v5; the teacher itself has no JWT code (it uses
// AES-GCM plus a plain bearer compare).
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AudienceConnection = "connection"
	AudienceNodeProxy  = "node_proxy"

	ConnectionTokenTTL = 15 * time.Minute
	ProxyTokenTTL      = 5 * time.Minute

	clockSkew = 30 * time.Second
)

var (
	ErrNoSecret          = errors.New("tokens: no secret configured")
	ErrExecutionMismatch = errors.New("tokens: execution_process_id does not match request")
)

// ConnectionClaims authorizes a frontend to tail one node's logs
// without going through the hive.
type ConnectionClaims struct {
	Subject            string `json:"sub"`
	NodeID             string `json:"node_id"`
	AssignmentID       string `json:"assignment_id"`
	ExecutionProcessID string `json:"execution_process_id,omitempty"`
	jwt.RegisteredClaims
}

// ProxyClaims authenticates one node's HTTP call to another on behalf
// of a user session that originated on the source node.
type ProxyClaims struct {
	Subject string `json:"sub"`
	NodeID  string `json:"node_id"`
	jwt.RegisteredClaims
}

// Signer mints and verifies both token kinds against a single shared
// secret. A node started with no secret configured can still run; it
// simply rejects every connection token it's asked to validate.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

func (s *Signer) hasSecret() bool { return len(s.secret) > 0 }

// IssueConnectionToken is called by the hive when a frontend requests
// a direct log tail against a node.
func (s *Signer) IssueConnectionToken(subject, nodeID, assignmentID, executionProcessID string) (string, error) {
	if !s.hasSecret() {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := ConnectionClaims{
		Subject:            subject,
		NodeID:             nodeID,
		AssignmentID:       assignmentID,
		ExecutionProcessID: executionProcessID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceConnection},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ConnectionTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateConnectionToken checks signature, expiry (with clock skew
// tolerance), audience, and, when the token is scoped to one execution,
// that it matches requestedExecutionID.
func (s *Signer) ValidateConnectionToken(tokenStr, requestedExecutionID string) (*ConnectionClaims, error) {
	if !s.hasSecret() {
		return nil, ErrNoSecret
	}

	claims := &ConnectionClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithAudience(AudienceConnection),
		jwt.WithLeeway(clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("validate connection token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("validate connection token: token invalid")
	}
	if claims.ExecutionProcessID != "" && requestedExecutionID != "" && claims.ExecutionProcessID != requestedExecutionID {
		return nil, ErrExecutionMismatch
	}
	return claims, nil
}

// IssueProxyToken is minted by a node immediately before it makes an
// outbound request to another node on a user's behalf.
func (s *Signer) IssueProxyToken(sourceNodeID, targetNodeID string) (string, error) {
	if !s.hasSecret() {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := ProxyClaims{
		Subject: sourceNodeID,
		NodeID:  targetNodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceNodeProxy},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ProxyTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateProxyToken checks signature, expiry, and audience for an
// inbound proxied request.
func (s *Signer) ValidateProxyToken(tokenStr string) (*ProxyClaims, error) {
	if !s.hasSecret() {
		return nil, ErrNoSecret
	}

	claims := &ProxyClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithAudience(AudienceNodeProxy),
		jwt.WithLeeway(clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("validate proxy token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("validate proxy token: token invalid")
	}
	return claims, nil
}
