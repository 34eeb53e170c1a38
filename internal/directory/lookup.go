// Package directory searches the identity directory and derives the
// role attributes the rest of the backend keys audience targeting on.
package directory

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/store"
)

// Store is the keyed-search surface of the directory.
type Store interface {
	FindDirectoryEntries(ctx context.Context, field, value string) ([]*store.DirectoryEntry, error)
}

// Query carries whatever is known about the person being looked up.
// Fields are tried most-specific first; the first field that yields any
// match wins.
type Query struct {
	LastAssociatedUID string
	UPN               string
	Email             string
	LastName          string
	FirstName         string
}

// Service performs directory lookups.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a directory lookup service.
func NewService(s Store, logger *zap.Logger) *Service {
	return &Service{store: s, logger: logger}
}

// Lookup returns all entries matched by the most specific populated
// field that produces any hit, or nil when nothing matches.
func (s *Service) Lookup(ctx context.Context, q Query) ([]*store.DirectoryEntry, error) {
	steps := []struct {
		field string
		value string
	}{
		{"lastAssociatedUid", q.LastAssociatedUID},
		{"upn", q.UPN},
		{"email", q.Email},
		{"lastName", q.LastName},
		{"firstName", q.FirstName},
	}

	for _, step := range steps {
		if step.value == "" {
			continue
		}
		entries, err := s.store.FindDirectoryEntries(ctx, step.field, step.value)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			s.logger.Debug("directory lookup matched",
				zap.String("field", step.field),
				zap.Int("entries", len(entries)),
			)
			return entries, nil
		}
	}

	s.logger.Debug("directory lookup found nothing")
	return nil, nil
}

// LookupOne returns the single best match, or nil when nothing matches.
func (s *Service) LookupOne(ctx context.Context, q Query) (*store.DirectoryEntry, error) {
	entries, err := s.Lookup(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// Claims derives the role attribute map for a directory entry. A nil
// entry gets the public defaults.
func Claims(entry *store.DirectoryEntry) map[string]string {
	claims := map[string]string{
		"dbRole": "public",
	}

	if entry == nil {
		return claims
	}

	if entry.DBRole != "" {
		claims["dbRole"] = entry.DBRole
	}
	if entry.CommitteeRank != "" {
		claims["committeeRank"] = entry.CommitteeRank
	}
	if entry.Committee != "" {
		claims["committee"] = entry.Committee
	}

	claims["marathonAccess"] = strconv.FormatBool(entry.MarathonAccess || entry.DBRole == "committee")

	if entry.DBRole == "team-member" {
		claims["spiritCaptain"] = strconv.FormatBool(entry.SpiritCaptain)
		if entry.SpiritTeamID != "" {
			claims["spiritTeamId"] = entry.SpiritTeamID
		}
	}

	return claims
}
