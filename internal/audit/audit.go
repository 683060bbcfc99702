// Package audit implements AuditSink (C6): an append-only, best-effort
// log of security-relevant operations, plus the suspicious-activity
// threshold check the rest of the core consults before trusting a
// caller with another sensitive operation.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cupid-crypto/internal/models"
	"cupid-crypto/internal/repository"
	"cupid-crypto/pkg/apperr"
)

// Op names one of the operation kinds the core audits, per §4.6.
type Op string

const (
	OpKeyGen             Op = "KEY_GEN"
	OpKeyRegister        Op = "KEY_REGISTER"
	OpBundleFetch        Op = "BUNDLE_FETCH"
	OpSessionInit        Op = "SESSION_INIT"
	OpEncrypt            Op = "ENCRYPT"
	OpDecrypt            Op = "DECRYPT"
	OpFingerprintVerify  Op = "FINGERPRINT_VERIFY"
	OpTrustMark          Op = "TRUST_MARK"
	OpSuspicious         Op = "SUSPICIOUS"
)

// Entry is one operation to record. PeerUserID is set for operations
// that involve a counterparty (bundle fetch, session init, encrypt,
// decrypt, trust mark).
type Entry struct {
	UserID     uuid.UUID
	Op         Op
	PeerUserID *uuid.UUID
	Success    bool
	ErrKind    apperr.Kind
	Detail     string
}

// DefaultSuspiciousThreshold and DefaultSuspiciousWindow match §4.6's
// "5 failures in 10 minutes" default suspicious-activity rule.
const (
	DefaultSuspiciousThreshold = 5
	DefaultSuspiciousWindow    = 10 * time.Minute
)

// Sink is AuditSink (C6): writes never block the caller and never fail
// the calling operation — a write failure is dropped after a bounded
// number of internal retries, consistent with an audit trail being
// diagnostic rather than load-bearing.
type Sink struct {
	store     repository.Store
	queue     chan *models.AuditEntry
	threshold int
	window    time.Duration
	done      chan struct{}
}

// New builds a Sink with a bounded async queue, starting its background
// writer goroutine immediately.
func New(store repository.Store, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Sink{
		store:     store,
		queue:     make(chan *models.AuditEntry, queueSize),
		threshold: DefaultSuspiciousThreshold,
		window:    DefaultSuspiciousWindow,
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	for entry := range s.queue {
		// Best effort: one retry, then drop. A persistent store outage
		// already surfaces to callers via apperr.StoreUnavailable on the
		// operations that actually need the store; audit writes are not
		// allowed to be the thing that makes a request hang.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.AppendAudit(ctx, entry); err != nil {
			_ = s.store.AppendAudit(ctx, entry)
		}
		cancel()
	}
	close(s.done)
}

// Close stops accepting new entries and waits for the queue to drain.
func (s *Sink) Close() {
	close(s.queue)
	<-s.done
}

// Record enqueues an audit entry. It never blocks on the store; if the
// internal queue itself is full the entry is dropped rather than
// applying backpressure to the caller's request path.
func (s *Sink) Record(_ context.Context, e Entry) {
	outcome := "ok"
	if !e.Success {
		outcome = string(e.ErrKind)
		if outcome == "" {
			outcome = "error"
		}
	}
	detail := e.Detail
	if e.PeerUserID != nil {
		if detail != "" {
			detail = fmt.Sprintf("peer=%s %s", e.PeerUserID, detail)
		} else {
			detail = fmt.Sprintf("peer=%s", e.PeerUserID)
		}
	}
	entry := &models.AuditEntry{
		ID:     uuid.New(),
		UserID: e.UserID,
		Action: string(e.Op),
		Outcome: outcome,
		Detail:  detail,
	}
	select {
	case s.queue <- entry:
	default:
	}
}

// RecordSuspicious is a convenience wrapper for Record with Op ==
// OpSuspicious, used when a component (e.g. TrustLedger detecting a
// changed identity key) flags an event outside the normal
// success/failure shape of a single operation.
func (s *Sink) RecordSuspicious(ctx context.Context, userID uuid.UUID, reason string, fields map[string]string) {
	detail := reason
	for k, v := range fields {
		detail += fmt.Sprintf(" %s=%s", k, v)
	}
	s.Record(ctx, Entry{UserID: userID, Op: OpSuspicious, Success: false, ErrKind: "suspicious", Detail: detail})
}

// IsSuspicious reports whether userID has produced at least the
// configured threshold of non-"ok" audit entries within the configured
// trailing window — the check §4.6 says other components may consult
// before allowing another sensitive operation to proceed.
func (s *Sink) IsSuspicious(ctx context.Context, userID uuid.UUID) (bool, error) {
	count, err := s.store.RecentAuditFailures(ctx, userID, time.Now().Add(-s.window))
	if err != nil {
		return false, err
	}
	return count >= s.threshold, nil
}
