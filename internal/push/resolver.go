package push

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/store"
)

// AudienceStore is the read surface the resolver needs.
type AudienceStore interface {
	QueryUsersByAttributes(ctx context.Context, q store.UserQuery) ([]*store.User, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]*store.User, error)
	ListDevicesWithTokens(ctx context.Context) ([]*store.Device, error)
}

// Recipient is one resolved delivery target. UserID is empty for
// broadcast devices without an owning account.
type Recipient struct {
	UserID string
	Tokens []string
}

// specificityRank orders attribute fields from most to least specific.
// When several multi-valued filters compete for the store's single
// in-set slot, the most specific one wins; fields outside this list
// rank last.
var specificityRank = []string{
	"committee",
	"committeeRank",
	"spiritTeamId",
	"spiritCaptain",
	"dbRole",
	"marathonAccess",
}

// Resolver translates an audience spec into a deduplicated recipient
// set. It only reads; no side effects.
type Resolver struct {
	store  AudienceStore
	logger *zap.Logger
}

// NewResolver creates an audience resolver.
func NewResolver(s AudienceStore, logger *zap.Logger) *Resolver {
	return &Resolver{store: s, logger: logger}
}

// Resolve validates the spec and produces the matching recipients.
func (r *Resolver) Resolve(ctx context.Context, spec AudienceSpec) ([]Recipient, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch {
	case spec.Broadcast:
		return r.resolveBroadcast(ctx)
	case len(spec.Recipients) > 0:
		return r.resolveRecipients(ctx, spec.Recipients)
	default:
		return r.resolveGroups(ctx, spec.Groups)
	}
}

func (r *Resolver) resolveBroadcast(ctx context.Context) ([]Recipient, error) {
	devices, err := r.store.ListDevicesWithTokens(ctx)
	if err != nil {
		return nil, WrapError(CodeInternal, err, "list registered devices")
	}

	r.logger.Debug("resolved broadcast audience", zap.Int("devices", len(devices)))

	// A user with several registered devices keeps every token: devices
	// merge into one recipient per owner. Ownerless devices stand alone,
	// keyed by token.
	var recipients []Recipient
	byUser := map[string]int{}
	seenToken := map[string]bool{}
	for _, d := range devices {
		if d.PushToken == nil || seenToken[*d.PushToken] {
			continue
		}
		seenToken[*d.PushToken] = true

		if d.UserID == nil {
			recipients = append(recipients, Recipient{Tokens: []string{*d.PushToken}})
			continue
		}
		if i, ok := byUser[*d.UserID]; ok {
			recipients[i].Tokens = append(recipients[i].Tokens, *d.PushToken)
			continue
		}
		byUser[*d.UserID] = len(recipients)
		recipients = append(recipients, Recipient{UserID: *d.UserID, Tokens: []string{*d.PushToken}})
	}

	return recipients, nil
}

func (r *Resolver) resolveRecipients(ctx context.Context, ids []string) ([]Recipient, error) {
	users, err := r.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, WrapError(CodeInternal, err, "fetch recipients")
	}

	// Missing IDs are tolerated; clients routinely hold stale references.
	if len(users) < len(ids) {
		r.logger.Info("some recipients not found",
			zap.Int("requested", len(ids)),
			zap.Int("found", len(users)),
		)
	}

	recipients := make([]Recipient, 0, len(users))
	for _, u := range users {
		recipients = append(recipients, Recipient{UserID: u.ID, Tokens: u.PushTokens})
	}

	return dedupe(recipients), nil
}

func (r *Resolver) resolveGroups(ctx context.Context, groups []Group) ([]Recipient, error) {
	var recipients []Recipient
	for i, group := range groups {
		users, err := r.resolveGroup(ctx, group)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("resolved audience group",
			zap.Int("group", i),
			zap.Int("users", len(users)),
		)
		for _, u := range users {
			recipients = append(recipients, Recipient{UserID: u.ID, Tokens: u.PushTokens})
		}
	}

	return dedupe(recipients), nil
}

// resolveGroup maps one group onto the store's bounded query shape:
// singleton value-sets become equality filters, one multi-valued field
// becomes the native in-set filter, and whatever the query could not
// express is applied as an in-memory post-filter.
func (r *Resolver) resolveGroup(ctx context.Context, group Group) ([]*store.User, error) {
	q := store.UserQuery{Equals: map[string]string{}}
	expressed := map[string]bool{}

	for field, values := range group {
		if len(values) == 1 {
			q.Equals[field] = values[0]
			expressed[field] = true
		}
	}

	if field := pickInFilterField(group, expressed); field != "" {
		q.In = &store.InFilter{Field: field, Values: group[field]}
		expressed[field] = true
	}

	users, err := r.store.QueryUsersByAttributes(ctx, q)
	if err != nil {
		return nil, WrapError(CodeInternal, err, "query audience group")
	}

	if len(expressed) == len(group) {
		return users, nil
	}

	// Post-filter: every unexpressed field's allowed set must contain
	// the user's value, else the row is dropped.
	filtered := users[:0]
	for _, u := range users {
		if matchesUnexpressed(u, group, expressed) {
			filtered = append(filtered, u)
		}
	}

	return filtered, nil
}

// pickInFilterField chooses the one multi-valued field to express
// natively: the highest-ranked by specificity, falling back to the
// lexicographically first unranked field so the choice is deterministic.
func pickInFilterField(group Group, expressed map[string]bool) string {
	for _, field := range specificityRank {
		if _, ok := group[field]; ok && !expressed[field] {
			return field
		}
	}

	var rest []string
	for field := range group {
		if !expressed[field] {
			rest = append(rest, field)
		}
	}
	if len(rest) == 0 {
		return ""
	}
	sort.Strings(rest)
	return rest[0]
}

func matchesUnexpressed(u *store.User, group Group, expressed map[string]bool) bool {
	for field, values := range group {
		if expressed[field] {
			continue
		}
		actual, ok := u.Attributes[field]
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if v == actual {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// dedupe removes duplicate recipients across overlapping groups,
// preserving first-seen order. Users are keyed by ID; recipients
// without an owning account are keyed by first token.
func dedupe(recipients []Recipient) []Recipient {
	seen := map[string]bool{}
	out := recipients[:0]
	for _, rec := range recipients {
		key := "u:" + rec.UserID
		if rec.UserID == "" {
			if len(rec.Tokens) == 0 {
				continue
			}
			key = "t:" + rec.Tokens[0]
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	return out
}
