package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// downloadAudience keeps download tokens from being accepted anywhere else, and access
// tokens from being accepted here, should the secrets ever be shared.
const downloadAudience = "fleet-scheduler/export"

var (
	// ErrLinkExpired marks a well-formed download token past its expiry.
	ErrLinkExpired = errors.New("download link expired")
	// ErrLinkInvalid marks a token that is malformed, forged or issued for something else.
	ErrLinkInvalid = errors.New("download link invalid")
)

type downloadClaims struct {
	RunID string `json:"rid"`
	Path  string `json:"path"`
	jwt.RegisteredClaims
}

// SignedDownload is what a valid download token grants access to.
type SignedDownload struct {
	RunID     string
	Path      string
	ExpiresAt time.Time
}

// SignedURLSigner issues and verifies HMAC-signed, expiring download tokens for stored reports.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer. A non-positive ttl defaults to a day.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Generate returns a token granting access to relPath of the run until the returned expiry.
func (s *SignedURLSigner) Generate(runID, relPath string) (string, time.Time, error) {
	if runID == "" || relPath == "" {
		return "", time.Time{}, fmt.Errorf("runID and relPath required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.ttl).Truncate(time.Second)
	claims := downloadClaims{
		RunID: runID,
		Path:  relPath,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{downloadAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Subject:   runID,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks the signature, audience and expiry of token.
func (s *SignedURLSigner) Verify(token string) (*SignedDownload, error) {
	claims := &downloadClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(downloadAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrLinkExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrLinkInvalid, err)
	case claims.RunID == "" || claims.Path == "":
		return nil, ErrLinkInvalid
	}
	return &SignedDownload{RunID: claims.RunID, Path: claims.Path, ExpiresAt: claims.ExpiresAt.Time}, nil
}
