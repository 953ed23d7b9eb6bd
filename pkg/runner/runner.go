// Package runner executes commands on a remote guest through the SSH
// pool, applying a RetryPolicy and sudo escalation uniformly so its
// caller (the task executor) gets consistent retry/backoff behaviour.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cyberrange/cyris/pkg/sshpool"
)

// RetryPolicy controls the backoff schedule for retryable failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy is a conservative policy suitable for guest SSH
// exec: three attempts, starting at 500ms, doubling, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
	}
}

// delay returns the backoff for attempt k (1-indexed), with jitter.
func (p RetryPolicy) delay(k int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < k; i++ {
		d *= p.Multiplier
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := d * 0.1 * rand.Float64()
	return time.Duration(d + jitter)
}

// Result is the outcome of one command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	Success  bool
}

// Options configures one Run call.
type Options struct {
	Retry         RetryPolicy
	ExpectedCodes []int // defaults to {0}
	IgnoreErrors  bool
	AsUser        string // non-root user the session authenticates as
}

// privilegedCommands is the allow-list of command verbs that trigger
// sudo escalation when the target user is non-root.
var privilegedCommands = map[string]bool{
	"useradd": true, "usermod": true, "userdel": true,
	"apt-get": true, "apt": true, "yum": true, "dnf": true, "zypper": true,
	"systemctl": true, "service": true,
	"iptables": true, "ip6tables": true,
	"mount": true, "umount": true,
}

// retryablePatterns are substrings of a transport/stderr error that
// indicate a transient failure worth retrying.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"timed out",
	"temporarily unavailable",
	"too many open files",
	"no route to host",
	"broken pipe",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Run executes cmd on sess, retrying per opts.Retry when the
// underlying transport error is retryable. Command-level non-zero
// exits are never retried; there is no option to retry them, and
// opts.IgnoreErrors only makes such a result count as a success.
func Run(ctx context.Context, sess *sshpool.Session, cmd string, opts Options) (Result, error) {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if len(opts.ExpectedCodes) == 0 {
		opts.ExpectedCodes = []int{0}
	}

	escalated := escalate(cmd, opts.AsUser)

	var lastErr error
	for attempt := 1; attempt <= opts.Retry.MaxAttempts; attempt++ {
		start := time.Now()
		stdout, stderr, err := sess.Run(ctx, escalated)
		elapsed := time.Since(start)

		exitCode := 0
		if err != nil {
			exitCode = exitCodeFrom(err)
		}

		success := contains(opts.ExpectedCodes, exitCode) || opts.IgnoreErrors

		if err != nil && isRetryable(err) && attempt < opts.Retry.MaxAttempts {
			lastErr = err
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(opts.Retry.delay(attempt)):
				continue
			}
		}

		return Result{
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
			Elapsed:  elapsed,
			Success:  success,
		}, nil
	}

	return Result{}, fmt.Errorf("command failed after %d attempts: %w", opts.Retry.MaxAttempts, lastErr)
}

// escalate prepends sudo when user is non-root and the command's
// first token is in the privileged allow-list.
func escalate(cmd, user string) string {
	if user == "" || user == "root" {
		return cmd
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	if privilegedCommands[fields[0]] {
		return "sudo " + cmd
	}
	return cmd
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// exitCodeFrom best-effort extracts a numeric exit code from an SSH
// ExitError; anything else (dial/transport failures) is reported -1.
func exitCodeFrom(err error) int {
	type exitStatus interface {
		ExitStatus() int
	}
	if es, ok := err.(exitStatus); ok {
		return es.ExitStatus()
	}
	return -1
}
