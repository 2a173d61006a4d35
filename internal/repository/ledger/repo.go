// Package ledger persists match proposals, verified matches and report resolution claims.
//
// Key layout under the configured prefix:
//
//	proposal:{id}          msgpack proposal
//	match:{id}             msgpack verified match
//	resolved:{report_id}   id of the active match covering the report
//	pair:{n}:{missing}:{found}
//	                       id of the open proposal for the pair; n is len(missing)
//
// A confirmation claims both resolved keys and writes the match record in a single
// MSETNX, so the first committer wins and a loser leaves nothing behind. On a Redis
// cluster the prefix must carry a hash tag, e.g. "{facematch}:".
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/db"
	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/match"
)

// store is the consumer interface for the ledger (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	MSetNX(ctx context.Context, items []db.KVItem) (bool, error)
	Del(ctx context.Context, keys ...string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Repo implements usecase/reconcile.Ledger.
type Repo struct {
	store  store
	prefix string
	logger *zap.Logger
}

// New creates a ledger repository.
func New(s store, prefix string, logger *zap.Logger) *Repo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repo{store: s, prefix: prefix, logger: logger}
}

func (r *Repo) proposalKey(id string) string { return r.prefix + "proposal:" + id }

func (r *Repo) matchKey(id string) string { return r.prefix + "match:" + id }

func (r *Repo) resolvedKey(reportID string) string { return r.prefix + "resolved:" + reportID }

func (r *Repo) pairKey(missingID, foundID string) string {
	return r.prefix + "pair:" + strconv.Itoa(len(missingID)) + ":" + missingID + ":" + foundID
}

// SaveProposal writes a proposal, replacing any previous version, and keeps the
// pair index pointing at the open proposal of the pair.
func (r *Repo) SaveProposal(ctx context.Context, p *match.Proposal) error {
	data, err := encodeProposal(p)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, r.proposalKey(p.ID()), data); err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID(), err)
	}

	pk := r.pairKey(p.MissingReportID(), p.FoundReportID())
	if p.State().IsOpen() {
		if err := r.store.Set(ctx, pk, []byte(p.ID())); err != nil {
			return fmt.Errorf("index proposal %s: %w", p.ID(), err)
		}
		return nil
	}
	owner, err := r.store.Get(ctx, pk)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("read pair index of %s: %w", p.ID(), err)
	}
	if string(owner) != p.ID() {
		return nil
	}
	if err := r.store.Del(ctx, pk); err != nil {
		return fmt.Errorf("unindex proposal %s: %w", p.ID(), err)
	}
	return nil
}

// OpenProposal returns the open proposal for the pair through the pair index.
// A stale index entry reads as no open proposal.
func (r *Repo) OpenProposal(ctx context.Context, missingID, foundID string) (match.Proposal, bool, error) {
	id, err := r.store.Get(ctx, r.pairKey(missingID, foundID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return match.Proposal{}, false, nil
		}
		return match.Proposal{}, false, fmt.Errorf("read pair index %s/%s: %w", missingID, foundID, err)
	}
	p, err := r.GetProposal(ctx, string(id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return match.Proposal{}, false, nil
		}
		return match.Proposal{}, false, err
	}
	if !p.SamePair(missingID, foundID) || !p.State().IsOpen() {
		return match.Proposal{}, false, nil
	}
	return p, true, nil
}

// IndexOpenPairs rewrites the pair index entry of every open proposal, e.g. for
// proposals stored before the index existed. Returns the number of open proposals.
func (r *Repo) IndexOpenPairs(ctx context.Context) (int, error) {
	all, err := r.ListProposals(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for i := range all {
		p := &all[i]
		if !p.State().IsOpen() {
			continue
		}
		if err := r.store.Set(ctx, r.pairKey(p.MissingReportID(), p.FoundReportID()), []byte(p.ID())); err != nil {
			return n, fmt.Errorf("index proposal %s: %w", p.ID(), err)
		}
		n++
	}
	return n, nil
}

// GetProposal returns a proposal by id.
func (r *Repo) GetProposal(ctx context.Context, id string) (match.Proposal, error) {
	data, err := r.store.Get(ctx, r.proposalKey(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return match.Proposal{}, fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
		}
		return match.Proposal{}, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return decodeProposal(data)
}

// ListProposals returns every stored proposal ordered by creation time.
func (r *Repo) ListProposals(ctx context.Context) ([]match.Proposal, error) {
	values, err := r.loadPrefix(ctx, r.prefix+"proposal:")
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := make([]match.Proposal, 0, len(values))
	for key, data := range values {
		p, err := decodeProposal(data)
		if err != nil {
			r.logger.Warn("Skipping undecodable proposal", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].CreatedAt().Before(out[j].CreatedAt())
		}
		return out[i].ID() < out[j].ID()
	})
	return out, nil
}

// GetMatch returns a verified match by id.
func (r *Repo) GetMatch(ctx context.Context, id string) (match.VerifiedMatch, error) {
	data, err := r.store.Get(ctx, r.matchKey(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return match.VerifiedMatch{}, fmt.Errorf("match %s: %w", id, domain.ErrNotFound)
		}
		return match.VerifiedMatch{}, fmt.Errorf("get match %s: %w", id, err)
	}
	return decodeMatch(data)
}

// ListMatches returns every verified match ordered by confirmation time.
func (r *Repo) ListMatches(ctx context.Context) ([]match.VerifiedMatch, error) {
	values, err := r.loadPrefix(ctx, r.prefix+"match:")
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	out := make([]match.VerifiedMatch, 0, len(values))
	for key, data := range values {
		m, err := decodeMatch(data)
		if err != nil {
			r.logger.Warn("Skipping undecodable match", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConfirmedAt().Equal(out[j].ConfirmedAt()) {
			return out[i].ConfirmedAt().Before(out[j].ConfirmedAt())
		}
		return out[i].ID() < out[j].ID()
	})
	return out, nil
}

// Claim atomically marks both reports of the match as resolved and stores the match.
// Returns false without writing anything if either report is already resolved.
func (r *Repo) Claim(ctx context.Context, m *match.VerifiedMatch) (bool, error) {
	data, err := encodeMatch(m)
	if err != nil {
		return false, err
	}
	ok, err := r.store.MSetNX(ctx, []db.KVItem{
		{Key: r.resolvedKey(m.MissingReportID()), Value: []byte(m.ID())},
		{Key: r.resolvedKey(m.FoundReportID()), Value: []byte(m.ID())},
		{Key: r.matchKey(m.ID()), Value: data},
	})
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", m.MissingReportID(), m.FoundReportID(), err)
	}
	return ok, nil
}

// Release stores the reopened match and drops the resolution claims it holds.
// Claims owned by another match are left untouched.
func (r *Repo) Release(ctx context.Context, m *match.VerifiedMatch) error {
	data, err := encodeMatch(m)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, r.matchKey(m.ID()), data); err != nil {
		return fmt.Errorf("save match %s: %w", m.ID(), err)
	}

	keys := []string{r.resolvedKey(m.MissingReportID()), r.resolvedKey(m.FoundReportID())}
	owners, err := r.store.MGet(ctx, keys)
	if err != nil {
		return fmt.Errorf("read claims of %s: %w", m.ID(), err)
	}
	var owned []string
	for i, owner := range owners {
		if string(owner) == m.ID() {
			owned = append(owned, keys[i])
		}
	}
	if len(owned) == 0 {
		return nil
	}
	if err := r.store.Del(ctx, owned...); err != nil {
		return fmt.Errorf("release claims of %s: %w", m.ID(), err)
	}
	return nil
}

// ResolvedBy returns the id of the match resolving the report, or "" if none.
func (r *Repo) ResolvedBy(ctx context.Context, reportID string) (string, error) {
	data, err := r.store.Get(ctx, r.resolvedKey(reportID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get claim %s: %w", reportID, err)
	}
	return string(data), nil
}

// Resolved returns every resolution claim as report id -> match id.
func (r *Repo) Resolved(ctx context.Context) (map[string]string, error) {
	prefix := r.prefix + "resolved:"
	values, err := r.loadPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("load claims: %w", err)
	}
	out := make(map[string]string, len(values))
	for key, data := range values {
		out[strings.TrimPrefix(key, prefix)] = string(data)
	}
	return out, nil
}

func (r *Repo) loadPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	keys, err := r.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := r.store.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range values {
		if v != nil {
			out[keys[i]] = v
		}
	}
	return out, nil
}
