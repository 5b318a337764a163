package broker

import (
	"fmt"
	"os"
	"time"

	apierrors "github.com/stacklok/capsule-broker/pkg/errors"
)

// HealthReport summarizes the broker directory's hygiene and recent
// activity, per host/utils/secret-broker.py's cmd_health.
type HealthReport struct {
	KeyFilePermissionWarning bool
	SecretsFileMissing       bool
	LastIssueSecondsAgo      *int64
}

// Health inspects the store's key-file permissions, last-issuance
// timestamp, and secrets-file presence. The key store must exist;
// everything else is reported, never fatal.
func (s *Store) Health(now time.Time) (*HealthReport, error) {
	if !fileExists(s.keysPath()) {
		return nil, apierrors.NewConfigurationError("broker key file missing", nil)
	}

	info, err := os.Stat(s.keysPath())
	if err != nil {
		return nil, apierrors.NewIOError("statting key file", err)
	}

	report := &HealthReport{
		KeyFilePermissionWarning: info.Mode().Perm()&0o077 != 0,
		SecretsFileMissing:       !fileExists(s.secretsPath()),
	}

	state := s.LoadState()
	if state.LastIssue > 0 {
		delta := int64(now.Sub(time.Unix(0, int64(state.LastIssue*float64(time.Second)))).Seconds())
		report.LastIssueSecondsAgo = &delta
	}

	return report, nil
}

// Lines renders report as the CLI's per-line messages, each to be printed
// with a "[broker] " prefix, mirroring cmd_health's line-by-line output.
func (r *HealthReport) Lines() []string {
	var lines []string
	if r.KeyFilePermissionWarning {
		lines = append(lines, "warning: key file is not chmod 600")
	}
	if r.LastIssueSecondsAgo != nil {
		lines = append(lines, fmt.Sprintf("last issuance %ds ago", *r.LastIssueSecondsAgo))
	} else {
		lines = append(lines, "idle (no issuance history)")
	}
	if r.SecretsFileMissing {
		lines = append(lines, "warning: secrets file missing")
	} else {
		lines = append(lines, "secrets store ready")
	}
	lines = append(lines, "health OK")
	return lines
}
