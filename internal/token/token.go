// Package token implements the Token Service: issuance, decoding, and
// verification of signed phase tokens (the capability that scopes which
// tools an agent may invoke while a given phase is active).
//
// Tokens are self-issued and self-verified HS256 JWTs built with
// github.com/lestrrat-go/jwx/v2, following the builder/sign/parse shape of
// the teacher corpus's pkg/auth/jwt.go (which verifies externally-issued
// JWTs against a JWKS) — here the orchestrator holds both the signing key
// and the verification key, since the secret is process-local
// (ORCHESTRATOR_JWT_SECRET), not fetched from a remote JWKS endpoint.
package token

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	claimTaskID       = "task_id"
	claimPhase        = "phase"
	claimAllowedTools = "allowed_tools"
)

// ErrNoSecret is returned by New if secret is empty. The service is
// unusable without it — spec.md treats a missing secret at startup as a
// fatal error, not a degraded mode.
var ErrNoSecret = errors.New("token: signing secret is empty")

// Claims is the decoded content of a verified phase token.
type Claims struct {
	TaskID       string
	Phase        string
	AllowedTools []string
	Expiry       time.Time
}

// Service issues and verifies phase tokens against a single shared secret.
type Service struct {
	secret []byte
	logger *slog.Logger
}

// New creates a Service. secret must be non-empty — callers are expected to
// read it from ORCHESTRATOR_JWT_SECRET and fail startup if absent, per
// spec.md §6.
func New(secret string, logger *slog.Logger) (*Service, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{secret: []byte(secret), logger: logger}, nil
}

// Issue signs a new phase token binding taskID to phase with the given
// allowed-tools list, expiring after ttl.
func (s *Service) Issue(taskID, phase string, allowedTools []string, ttl time.Duration) (string, error) {
	now := time.Now()
	builder := jwt.NewBuilder().
		Claim(claimTaskID, taskID).
		Claim(claimPhase, phase).
		Claim(claimAllowedTools, allowedTools).
		IssuedAt(now).
		Expiration(now.Add(ttl))

	tok, err := builder.Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", err
	}

	return string(signed), nil
}

// Verify reports whether tokenStr is a valid, unexpired token issued by
// this service for exactly (taskID, phase). Every failure mode — expired,
// tampered, wrong task, wrong phase, malformed — collapses to false; the
// specific reason is logged at debug level only, never surfaced to
// callers, to avoid giving an attacker an oracle (spec.md §4.4).
func (s *Service) Verify(ctx context.Context, tokenStr, taskID, phase string) bool {
	claims, err := s.decode(tokenStr)
	if err != nil {
		s.logger.DebugContext(ctx, "phase token rejected", "reason", err)
		return false
	}

	if claims.TaskID != taskID {
		s.logger.DebugContext(ctx, "phase token rejected", "reason", "task mismatch")
		return false
	}
	if claims.Phase != phase {
		s.logger.DebugContext(ctx, "phase token rejected", "reason", "phase mismatch")
		return false
	}

	return true
}

// Decode returns the claims of tokenStr without binding them to a specific
// (task, phase) pair. Used by the broker, which derives the active phase
// and allowed tools from the token itself rather than from state (the
// token is the capability).
func (s *Service) Decode(tokenStr string) (Claims, error) {
	return s.decode(tokenStr)
}

func (s *Service) decode(tokenStr string) (Claims, error) {
	tok, err := jwt.Parse([]byte(tokenStr), jwt.WithKey(jwa.HS256, s.secret), jwt.WithValidate(true))
	if err != nil {
		return Claims{}, err
	}

	taskID, _ := tok.Get(claimTaskID)
	phase, _ := tok.Get(claimPhase)
	toolsRaw, _ := tok.Get(claimAllowedTools)

	taskIDStr, _ := taskID.(string)
	phaseStr, _ := phase.(string)

	var tools []string
	switch v := toolsRaw.(type) {
	case []string:
		tools = v
	case []interface{}:
		for _, t := range v {
			if s, ok := t.(string); ok {
				tools = append(tools, s)
			}
		}
	}

	return Claims{
		TaskID:       taskIDStr,
		Phase:        phaseStr,
		AllowedTools: tools,
		Expiry:       tok.Expiration(),
	}, nil
}
