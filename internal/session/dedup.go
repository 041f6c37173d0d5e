package session

import (
	"context"
	"time"

	"github.com/ghostlyplus/emganalyzer/internal/persistence"
)

// dedupAdapter implements webhook.DuplicateChecker over the session
// repository, kept in this package (rather than in internal/webhook) so
// that internal/webhook does not depend on internal/persistence.
type dedupAdapter struct {
	repo persistence.SessionRepo
}

func (d dedupAdapter) FindRecent(bucket, objectPath string, since time.Time) (string, bool, error) {
	s, err := d.repo.FindDuplicate(context.Background(), bucket, objectPath, since)
	if err != nil {
		return "", false, err
	}
	if s == nil {
		return "", false, nil
	}
	return s.SessionCode, true, nil
}
