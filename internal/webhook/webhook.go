// Package webhook implements signature verification, object-path
// filtering, and duplicate-delivery handling for storage-upload
// notifications.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ghostlyplus/emganalyzer/internal/applog"
)

// patientCodePattern extracts a patient code like "P042" from an object
// path such as "uploads/P042/session-12.c3d".
var patientCodePattern = regexp.MustCompile(`P\d{3}`)

// Security verifies and generates HMAC-SHA256 webhook signatures using
// a constant-time comparison.
type Security struct {
	Secret string
}

// Verify checks signature (either "sha256=<hex>" or bare hex) against
// payload using the configured secret. A missing secret means signature
// verification is disabled; the caller should log a warning and accept
// the request, matching the original service's permissive dev-mode
// behavior. An empty signature with a configured secret is always invalid.
func (s Security) Verify(payload []byte, signature string) bool {
	if s.Secret == "" {
		applog.Logger.Warn().Msg("webhook secret not configured, skipping signature verification")
		return true
	}
	if len(payload) == 0 || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	provided := strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(expected), []byte(provided))
}

// GenerateSignature produces the "sha256=<hex>" signature the security
// service itself emits for signing test deliveries.
func (s Security) GenerateSignature(payload []byte) (string, error) {
	if len(payload) == 0 || s.Secret == "" {
		return "", fmt.Errorf("payload and secret are required")
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// StorageEvent is the subset of a storage-provider upload notification
// this dispatcher cares about.
type StorageEvent struct {
	Bucket     string
	ObjectPath string
	ETag       string
}

// ShouldProcess reports whether the uploaded object is a C3D recording
// this pipeline should act on (case-insensitive .c3d extension).
func (e StorageEvent) ShouldProcess() bool {
	return strings.EqualFold(filepath.Ext(e.ObjectPath), ".c3d")
}

// PatientCode extracts the patient code embedded in the object path, if
// any.
func (e StorageEvent) PatientCode() (string, bool) {
	m := patientCodePattern.FindString(e.ObjectPath)
	return m, m != ""
}

// DuplicatePolicy controls how a redelivered event within the
// idempotency window is handled.
type DuplicatePolicy string

const (
	// PolicyAckIgnore acknowledges the webhook but starts no new
	// processing; the caller should return the existing session.
	PolicyAckIgnore DuplicatePolicy = "ack_ignore"
	// PolicyLinkSibling creates a new session row linked to the
	// original via a shared fingerprint, for audit trails that want
	// one row per delivery.
	PolicyLinkSibling DuplicatePolicy = "link_sibling"
)

// DuplicateChecker abstracts the lookup the dispatcher needs to detect a
// redelivery and return the existing session code, so this package does
// not depend on internal/persistence.
type DuplicateChecker interface {
	FindRecent(bucket, objectPath string, since time.Time) (sessionCode string, found bool, err error)
}

// Dispatcher is the entry point the HTTP layer calls for each inbound
// storage webhook.
type Dispatcher struct {
	Security          Security
	IdempotencyWindow time.Duration
	DuplicatePolicy   DuplicatePolicy
	Dedup             DuplicateChecker
}

// Decision is what the dispatcher decided to do with one event.
type Decision struct {
	Accept      bool
	Reason      string
	PatientCode string
	Duplicate   bool
	ExistingID  string
}

// Evaluate validates signature and payload shape, applies extension
// filtering, and resolves duplicate-delivery policy. It never touches
// the database itself; callers act on the returned Decision.
func (d Dispatcher) Evaluate(payload []byte, signature string, event StorageEvent) Decision {
	if !d.Security.Verify(payload, signature) {
		return Decision{Accept: false, Reason: "invalid signature"}
	}
	if !event.ShouldProcess() {
		return Decision{Accept: false, Reason: fmt.Sprintf("ignoring non-c3d object: %s", event.ObjectPath)}
	}

	code, _ := event.PatientCode()

	if d.Dedup != nil {
		since := time.Now().Add(-d.IdempotencyWindow)
		existingID, found, err := d.Dedup.FindRecent(event.Bucket, event.ObjectPath, since)
		if err != nil {
			applog.Logger.Warn().Err(err).Msg("duplicate check failed, proceeding as new delivery")
		} else if found {
			if d.DuplicatePolicy == PolicyAckIgnore {
				return Decision{Accept: false, Reason: "duplicate delivery within idempotency window", PatientCode: code, Duplicate: true, ExistingID: existingID}
			}
			return Decision{Accept: true, Reason: "duplicate delivery, linking as sibling", PatientCode: code, Duplicate: true, ExistingID: existingID}
		}
	}

	return Decision{Accept: true, PatientCode: code}
}
