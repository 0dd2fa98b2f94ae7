package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// plainKeys never carry credentials and are logged as is. Everything else
// passed through MaskField is hidden.
var plainKeys = map[string]bool{
	"service": true, "env": true, "component": true, "error": true,
	"pool": true, "market": true, "step": true, "action": true,
	"driver": true, "backend": true, "endpoint": true,
}

// MaskField returns key=value when key is known to be safe and
// key=[REDACTED] otherwise. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || plainKeys[strings.ToLower(strings.TrimSpace(key))] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskDSN hides the password of a database DSN. URL DSNs keep everything
// but the password; keyword DSNs that mention one are hidden entirely.
func MaskDSN(dsn string) slog.Attr {
	trimmed := strings.TrimSpace(dsn)
	if u, err := url.Parse(trimmed); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), RedactedValue)
		}
		return slog.String("dsn", u.String())
	}
	if strings.Contains(strings.ToLower(trimmed), "password=") {
		return slog.String("dsn", RedactedValue)
	}
	return slog.String("dsn", trimmed)
}
