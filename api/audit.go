package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSignup            AuditEvent = "signup"
	AuditLoginSuccess      AuditEvent = "login_success"
	AuditLoginFailure      AuditEvent = "login_failure"
	AuditLoginBlocked      AuditEvent = "login_blocked"
	AuditLogout            AuditEvent = "logout"
	AuditOTPIssued         AuditEvent = "otp_issued"
	AuditOTPThrottled      AuditEvent = "otp_throttled"
	AuditPasswordRecovered AuditEvent = "password_recovered"
	AuditPasswordChanged   AuditEvent = "password_changed"
	AuditPurchase          AuditEvent = "purchase"
	AuditPurchaseFailed    AuditEvent = "purchase_failed"
	AuditEbookDownload     AuditEvent = "ebook_download"
	AuditCSRFRejected      AuditEvent = "csrf_rejected"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logEvent is a convenience for events tied to an account email.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, email string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("account", email),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected request with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
