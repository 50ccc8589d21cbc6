// Command dbcheck verifies that the configured PostgreSQL server can be
// resolved, reached and queried, and prints a report of each step.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/pgwatch/internal/config"
	"github.com/couchcryptid/pgwatch/internal/database"
	"github.com/couchcryptid/pgwatch/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
)

const versionQuery = "SELECT version()"

// resolver is the part of net.Resolver used for the DNS step.
type resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// querier is the part of the pool used for the connection step.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (*model.QueryResult, error)
}

func main() {
	cfg, err := config.LoadDatabase()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg = diagnosticOverrides(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out := os.Stdout
	printSummary(out, cfg, os.Getenv(config.ConnectionStringEnv) != "")
	checkDNS(ctx, out, net.DefaultResolver, cfg.Host)

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		fmt.Fprintln(out, "FAIL create connection pool:", err)
		os.Exit(1) //nolint:gocritic // nothing to clean up yet
	}
	ok := checkConnection(ctx, out, pool)
	pool.Close()
	if !ok {
		os.Exit(1)
	}
	fmt.Fprintln(out, "\nAll checks passed.")
}

// diagnosticOverrides shrinks the pool to a single short-lived connection.
func diagnosticOverrides(cfg config.ConnectionConfig) config.ConnectionConfig {
	cfg.MaxConns = 1
	cfg.ConnectTimeout = 10 * time.Second
	cfg.IdleTimeout = 5 * time.Second
	cfg.KeepAlive = true
	cfg.KeepAliveInitialDelay = time.Second
	return cfg
}

func printSummary(w io.Writer, cfg config.ConnectionConfig, fromConnectionString bool) {
	fmt.Fprintln(w, "Environment")
	fmt.Fprintf(w, "  connection string:   %s\n", yesNo(fromConnectionString))
	fmt.Fprintf(w, "  password configured: %s\n", yesNo(cfg.Password != ""))
	fmt.Fprintf(w, "  host:                %s\n", cfg.Host)
	fmt.Fprintf(w, "  database:            %s\n", cfg.Database)
	fmt.Fprintf(w, "  user:                %s\n", cfg.User)
	fmt.Fprintf(w, "  port:                %d\n", cfg.Port)
	fmt.Fprintf(w, "  tls:                 %s (verify %s, %s-%s)\n",
		yesNo(cfg.TLS.Enabled), yesNo(cfg.TLS.Verify), cfg.TLS.MinVersion, cfg.TLS.MaxVersion)
	fmt.Fprintln(w)
}

// checkDNS resolves host to IPv4 addresses. A failure is reported but does
// not stop the run, since the connection step gives the definitive answer.
func checkDNS(ctx context.Context, w io.Writer, r resolver, host string) {
	fmt.Fprintln(w, "Check 1: DNS resolution")
	ips, err := r.LookupIP(ctx, "ip4", host)
	if err != nil {
		fmt.Fprintln(w, "  FAIL", err)
		fmt.Fprintln(w)
		return
	}
	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = ip.String()
	}
	fmt.Fprintln(w, "  OK", strings.Join(addrs, ", "))
	fmt.Fprintln(w)
}

// checkConnection connects and reads the server version.
func checkConnection(ctx context.Context, w io.Writer, q querier) bool {
	fmt.Fprintln(w, "Check 2: database connection")
	result, err := q.Query(ctx, versionQuery)
	if err != nil {
		printFailure(w, err)
		return false
	}
	fmt.Fprintln(w, "  OK connected")
	if len(result.Rows) > 0 {
		fmt.Fprintln(w, "  server version:", result.Rows[0]["version"])
	}
	return true
}

func printFailure(w io.Writer, err error) {
	fmt.Fprintln(w, "  FAIL", err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		fmt.Fprintln(w, "  SQLSTATE:", pgErr.Code)
	}
	if !isTimeout(err) {
		return
	}
	fmt.Fprint(w, `
Possible causes:
  1. Firewall rules do not allow this client's IP address
  2. Network connectivity issues between client and server
  3. The server is not accepting connections

Suggested actions:
  1. Add this client's IP address to the server firewall rules
  2. Check that the database server is running
  3. Verify the connection string and credentials
`)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
