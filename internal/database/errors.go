package database

import (
	"errors"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotConnected is returned by Execute while the database is unreachable.
	// Callers may retry later; the request is never queued.
	ErrNotConnected = errors.New("database is not connected")

	// ErrClosed is returned by Connect after Shutdown.
	ErrClosed = errors.New("connectivity manager is shut down")
)

// SQLSTATE values treated as transport faults.
const (
	sqlstateAdminShutdown       = "57P01"
	sqlstateConnectionException = "08" // class prefix
)

// TransportError wraps a network or server fault that took the connection down.
// The manager has already marked itself disconnected and scheduled a
// reconnection when a caller sees one.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport fault: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportFault reports whether err came from the connection layer rather
// than from the statement itself.
func IsTransportFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	// Server-reported errors are classified by SQLSTATE alone so that a
	// message mentioning a "connection" table is still a statement fault.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateAdminShutdown || strings.HasPrefix(pgErr.Code, sqlstateConnectionException)
	}

	return strings.Contains(err.Error(), "connection")
}
