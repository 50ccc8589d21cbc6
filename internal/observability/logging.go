package observability

import (
	"log/slog"

	"github.com/couchcryptid/pgwatch/internal/config"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

// NewLogger creates the process logger from LOG_LEVEL and LOG_FORMAT. Every
// record carries the redacted database target so that multi-instance logs
// can be told apart.
func NewLogger(cfg *config.Config) *slog.Logger {
	return sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat).With("db", cfg.Database.Redacted())
}
