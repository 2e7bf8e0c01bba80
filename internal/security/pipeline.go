package security

import (
	"context"
	"fmt"
	"time"

	"github.com/agentbus/agentbus/internal/bus"
)

// Actions recorded against rate limits and in the audit log.
const (
	ActionMessage = "message"
	ActionCommand = "command"
)

// Config is the full security configuration.
type Config struct {
	JWT                JWTConfig
	RateLimits         map[string]int // action -> max per minute
	AllowedDirectories []string
	Audit              AuditConfig
}

// Pipeline composes the security facades the router consumes, applied in
// order: rate limit, content sanitize, directory guard, audit.
type Pipeline struct {
	Tokens *TokenManager

	limiter *RateLimiter
	content *ContentValidator
	guard   *DirectoryGuard
	auditor *Auditor
}

// NewPipeline builds a pipeline from config. poster receives audit batches.
func NewPipeline(cfg Config, poster AuditPoster) (*Pipeline, error) {
	auditor, err := NewAuditor(cfg.Audit, poster)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Tokens:  NewTokenManager(cfg.JWT),
		limiter: NewRateLimiter(cfg.RateLimits),
		content: NewContentValidator(),
		guard:   NewDirectoryGuard(cfg.AllowedDirectories),
		auditor: auditor,
	}, nil
}

// CheckMessage runs the per-message checks for an actor and returns the
// sanitized content. Every outcome is audited: blocked checks record a
// blocked entry with the failing reason, passes record an allowed entry.
func (p *Pipeline) CheckMessage(actorID, content string) (string, error) {
	start := time.Now()

	if err := p.limiter.CheckAndRecord(actorID, ActionMessage); err != nil {
		p.recordResult(actorID, start, BlockedResult(err.Error()))
		return "", err
	}

	sanitized, err := p.content.ValidateAndSanitize(content)
	if err != nil {
		p.recordResult(actorID, start, BlockedResult(err.Error()))
		return "", fmt.Errorf("content validation failed: %w", err)
	}

	if err := p.guard.Enforce(sanitized); err != nil {
		p.recordResult(actorID, start, BlockedResult(err.Error()))
		return "", err
	}

	p.recordResult(actorID, start, ResultAllowed)
	return sanitized, nil
}

func (p *Pipeline) recordResult(actorID string, start time.Time, result string) {
	p.auditor.Record(bus.AuditEntry{
		ActorID:    actorID,
		Action:     ActionMessage,
		Result:     result,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// Audit records an arbitrary entry.
func (p *Pipeline) Audit(e bus.AuditEntry) { p.auditor.Record(e) }

// StartAuditFlush starts the audit auto-flush timer.
func (p *Pipeline) StartAuditFlush() { p.auditor.Start() }

// MessageCount returns the actor's current count in the message window.
func (p *Pipeline) MessageCount(actorID string) int {
	return p.limiter.Count(actorID, ActionMessage)
}

// Shutdown flushes and stops the audit batcher.
func (p *Pipeline) Shutdown(ctx context.Context) { p.auditor.Shutdown(ctx) }
