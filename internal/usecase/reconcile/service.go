// Package reconcile drives candidate pairs through the proposal state machine and
// promotes confirmed pairs into the verified-match ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/metrics"
)

// Filter narrows ListProposals. Zero values match everything.
type Filter struct {
	ReportID string
	State    match.State
}

// ConfirmInput describes a human confirmation.
type ConfirmInput struct {
	MissingReportID string
	FoundReportID   string
	VerifiedBy      string
	Notes           string
}

// Service reconciles candidate pairs. The resolved-report set is cached in memory;
// the ledger's atomic Claim is the source of truth for confirmation races.
type Service struct {
	ledger   Ledger
	listener ResolutionListener
	kinds    KindLookup
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	// mu serializes proposal read-modify-write cycles of this instance.
	mu sync.Mutex

	resolvedMu sync.RWMutex
	resolved   map[string]string
}

// New creates a reconciliation service.
func New(ledger Ledger, logger *zap.Logger) *Service {
	return &Service{
		ledger:   ledger,
		listener: logListener{logger: logger},
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		resolved: make(map[string]string),
	}
}

// WithListener replaces the default log-only resolution listener.
func (s *Service) WithListener(l ResolutionListener) *Service {
	if l != nil {
		s.listener = l
	}
	return s
}

// WithKinds resolves report kinds from indexed photos before falling back to the id prefix.
func (s *Service) WithKinds(k KindLookup) *Service {
	s.kinds = k
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Load rebuilds the resolved-report cache and the open-pair index from the ledger.
func (s *Service) Load(ctx context.Context) error {
	open, err := s.ledger.IndexOpenPairs(ctx)
	if err != nil {
		return fmt.Errorf("index open proposals: %w", err)
	}
	claims, err := s.ledger.Resolved(ctx)
	if err != nil {
		return fmt.Errorf("load resolved reports: %w", err)
	}
	s.resolvedMu.Lock()
	s.resolved = make(map[string]string, len(claims))
	for reportID, matchID := range claims {
		s.resolved[reportID] = matchID
	}
	s.resolvedMu.Unlock()
	s.logger.Info("Ledger loaded",
		zap.Int("resolved_reports", len(claims)),
		zap.Int("open_proposals", open),
	)
	return nil
}

// IsResolved reports whether the report is covered by an active verified match.
func (s *Service) IsResolved(reportID string) bool {
	s.resolvedMu.RLock()
	defer s.resolvedMu.RUnlock()
	_, ok := s.resolved[reportID]
	return ok
}

// Propose records a candidate pair. An open proposal for the same pair is reused and
// keeps the higher similarity. Fails with ErrReportAlreadyResolved if either report is resolved.
func (s *Service) Propose(
	ctx context.Context, missingID, foundID string, similarity float64, source match.Source,
) (match.Proposal, error) {
	for _, id := range []string{missingID, foundID} {
		if s.IsResolved(id) {
			return match.Proposal{}, fmt.Errorf("report %s: %w", id, domain.ErrReportAlreadyResolved)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if p, ok, err := s.openFor(ctx, missingID, foundID); err != nil {
		return match.Proposal{}, err
	} else if ok {
		if p.Raise(similarity, now) {
			if err := s.ledger.SaveProposal(ctx, &p); err != nil {
				return match.Proposal{}, fmt.Errorf("update proposal: %w", err)
			}
		}
		return p, nil
	}

	p, err := match.NewProposal(s.newID(), missingID, foundID, similarity, source, now)
	if err != nil {
		return match.Proposal{}, err
	}
	if err := s.ledger.SaveProposal(ctx, &p); err != nil {
		return match.Proposal{}, fmt.Errorf("save proposal: %w", err)
	}
	metrics.ProposalsTotal.WithLabelValues(string(match.Proposed)).Inc()
	s.logger.Info("Match proposed",
		zap.String("proposal_id", p.ID()),
		zap.String("missing_report_id", missingID),
		zap.String("found_report_id", foundID),
		zap.Float64("similarity", similarity),
		zap.String("source", string(source)),
	)
	return p, nil
}

// StartReview moves a proposal under human review.
func (s *Service) StartReview(ctx context.Context, proposalID string) (match.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.ledger.GetProposal(ctx, proposalID)
	if err != nil {
		return match.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	if err := p.StartReview(s.now().UTC()); err != nil {
		return match.Proposal{}, err
	}
	if err := s.ledger.SaveProposal(ctx, &p); err != nil {
		return match.Proposal{}, fmt.Errorf("save proposal: %w", err)
	}
	metrics.ProposalsTotal.WithLabelValues(string(match.UnderReview)).Inc()
	return p, nil
}

// Reject discards an open proposal. An empty reason means a reviewer rejection.
func (s *Service) Reject(ctx context.Context, proposalID string, reason match.Reason) (match.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.ledger.GetProposal(ctx, proposalID)
	if err != nil {
		return match.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	if err := p.Reject(reason, s.now().UTC()); err != nil {
		return match.Proposal{}, err
	}
	if err := s.ledger.SaveProposal(ctx, &p); err != nil {
		return match.Proposal{}, fmt.Errorf("save proposal: %w", err)
	}
	metrics.ProposalsTotal.WithLabelValues(string(match.Rejected)).Inc()
	return p, nil
}

// Confirm promotes a pair to a verified match. The missing side must be a missing report
// and the found side a found report. The open proposal for the pair is used, or a manual
// one is created. The first committer wins; a loser gets ErrReportAlreadyResolved and its
// proposal rejected unless the winning match was made from that same proposal.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (match.VerifiedMatch, error) {
	m, err := s.confirm(ctx, in)
	switch {
	case err == nil:
		metrics.ConfirmationsTotal.WithLabelValues("confirmed").Inc()
	case errors.Is(err, domain.ErrReportAlreadyResolved):
		metrics.ConfirmationsTotal.WithLabelValues("conflict").Inc()
	default:
		metrics.ConfirmationsTotal.WithLabelValues("error").Inc()
	}
	return m, err
}

func (s *Service) confirm(ctx context.Context, in ConfirmInput) (match.VerifiedMatch, error) {
	if err := s.checkKinds(in.MissingReportID, in.FoundReportID); err != nil {
		return match.VerifiedMatch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	p, stored, err := s.openFor(ctx, in.MissingReportID, in.FoundReportID)
	if err != nil {
		return match.VerifiedMatch{}, err
	}
	if !stored {
		p, err = match.NewProposal(s.newID(), in.MissingReportID, in.FoundReportID, 0, match.SourceManual, now)
		if err != nil {
			return match.VerifiedMatch{}, err
		}
	}

	m := match.NewVerifiedMatch(s.newID(), &p, in.VerifiedBy, in.Notes, now)
	won, err := s.ledger.Claim(ctx, &m)
	if err != nil {
		return match.VerifiedMatch{}, fmt.Errorf("claim reports: %w", err)
	}

	if !won {
		if err := s.lostClaim(ctx, &p, stored, now); err != nil {
			return match.VerifiedMatch{}, err
		}
		return match.VerifiedMatch{}, fmt.Errorf("%s/%s: %w",
			in.MissingReportID, in.FoundReportID, domain.ErrReportAlreadyResolved)
	}

	s.markResolved(&m)
	if err := p.Confirm(m.ID(), now); err != nil {
		return match.VerifiedMatch{}, err
	}
	if err := s.ledger.SaveProposal(ctx, &p); err != nil {
		return match.VerifiedMatch{}, fmt.Errorf("save confirmed proposal: %w", err)
	}
	metrics.ProposalsTotal.WithLabelValues(string(match.Confirmed)).Inc()

	if err := s.rejectOthers(ctx, &p, now); err != nil {
		s.logger.Error("Failed to reject competing proposals", zap.String("match_id", m.ID()), zap.Error(err))
	}

	s.listener.Resolved(ctx, m)
	return m, nil
}

// lostClaim settles the proposal of a confirmation that lost the claim race. A stored
// proposal is re-read and rejected only while still open; a proposal the winning match
// was made from belongs to the winner and is left alone.
func (s *Service) lostClaim(ctx context.Context, p *match.Proposal, stored bool, now time.Time) error {
	s.refreshClaims(ctx, p.MissingReportID(), p.FoundReportID())

	if stored {
		winner, err := s.claimedFrom(ctx, p)
		if err != nil {
			return err
		}
		if winner != "" {
			s.logger.Info("Pair confirmed concurrently",
				zap.String("proposal_id", p.ID()),
				zap.String("match_id", winner),
			)
			return nil
		}
		cur, err := s.ledger.GetProposal(ctx, p.ID())
		if err != nil {
			return fmt.Errorf("reload proposal: %w", err)
		}
		if !cur.State().IsOpen() {
			return nil
		}
		*p = cur
	}

	if err := p.Reject(match.ReasonAlreadyResolved, now); err != nil {
		return err
	}
	if err := s.ledger.SaveProposal(ctx, p); err != nil {
		return fmt.Errorf("save rejected proposal: %w", err)
	}
	metrics.ProposalsTotal.WithLabelValues(string(match.Rejected)).Inc()
	s.logger.Info("Confirmation lost",
		zap.String("proposal_id", p.ID()),
		zap.String("missing_report_id", p.MissingReportID()),
		zap.String("found_report_id", p.FoundReportID()),
	)
	return nil
}

// claimedFrom returns the id of the active match over the pair's reports that was
// made from the proposal, or "".
func (s *Service) claimedFrom(ctx context.Context, p *match.Proposal) (string, error) {
	for _, id := range []string{p.MissingReportID(), p.FoundReportID()} {
		owner, err := s.ledger.ResolvedBy(ctx, id)
		if err != nil {
			return "", fmt.Errorf("lookup resolution: %w", err)
		}
		if owner == "" {
			continue
		}
		m, err := s.ledger.GetMatch(ctx, owner)
		if err != nil {
			return "", fmt.Errorf("get match: %w", err)
		}
		if m.ProposalID() == p.ID() {
			return m.ID(), nil
		}
	}
	return "", nil
}

// checkKinds requires a missing report on the missing side and a found report on the found side.
func (s *Service) checkKinds(missingID, foundID string) error {
	for _, side := range []struct {
		id   string
		want report.Kind
	}{{missingID, report.Missing}, {foundID, report.Found}} {
		kind, err := s.kindOf(side.id)
		if err != nil {
			return err
		}
		if kind != side.want {
			return fmt.Errorf("report %s is a %s report, want %s: %w", side.id, kind, side.want, domain.ErrInvalidReport)
		}
	}
	return nil
}

// kindOf prefers the kind the report's photos were indexed under.
func (s *Service) kindOf(reportID string) (report.Kind, error) {
	if s.kinds != nil && reportID != "" {
		if kind, ok := s.kinds.ReportKind(reportID); ok {
			return kind, nil
		}
	}
	return report.Resolve(reportID, "")
}

// rejectOthers forces every other open proposal touching the confirmed reports to rejected.
func (s *Service) rejectOthers(ctx context.Context, confirmed *match.Proposal, now time.Time) error {
	all, err := s.ledger.ListProposals(ctx)
	if err != nil {
		return fmt.Errorf("list proposals: %w", err)
	}
	var errs []error
	for i := range all {
		p := &all[i]
		if p.ID() == confirmed.ID() || !p.State().IsOpen() {
			continue
		}
		if !p.Involves(confirmed.MissingReportID()) && !p.Involves(confirmed.FoundReportID()) {
			continue
		}
		if err := p.Reject(match.ReasonAlreadyResolved, now); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.ledger.SaveProposal(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.ProposalsTotal.WithLabelValues(string(match.Rejected)).Inc()
	}
	return errors.Join(errs...)
}

// Reopen releases the active match covering the report; both reports become searchable.
func (s *Service) Reopen(ctx context.Context, reportID string) (match.VerifiedMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matchID, err := s.ledger.ResolvedBy(ctx, reportID)
	if err != nil {
		return match.VerifiedMatch{}, fmt.Errorf("lookup resolution: %w", err)
	}
	if matchID == "" {
		return match.VerifiedMatch{}, fmt.Errorf("no active match for report %s: %w", reportID, domain.ErrNotFound)
	}
	m, err := s.ledger.GetMatch(ctx, matchID)
	if err != nil {
		return match.VerifiedMatch{}, fmt.Errorf("get match: %w", err)
	}
	m.Reopen(s.now().UTC())
	if err := s.ledger.Release(ctx, &m); err != nil {
		return match.VerifiedMatch{}, fmt.Errorf("release match: %w", err)
	}

	s.resolvedMu.Lock()
	for _, id := range m.ReportIDs() {
		if s.resolved[id] == m.ID() {
			delete(s.resolved, id)
		}
	}
	s.resolvedMu.Unlock()

	s.logger.Info("Match reopened",
		zap.String("match_id", m.ID()),
		zap.String("missing_report_id", m.MissingReportID()),
		zap.String("found_report_id", m.FoundReportID()),
	)
	return m, nil
}

// GetProposal returns a proposal by id.
func (s *Service) GetProposal(ctx context.Context, id string) (match.Proposal, error) {
	p, err := s.ledger.GetProposal(ctx, id)
	if err != nil {
		return match.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

// ListProposals returns proposals matching the filter, oldest first.
func (s *Service) ListProposals(ctx context.Context, f Filter) ([]match.Proposal, error) {
	all, err := s.ledger.ListProposals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := all[:0]
	for i := range all {
		if f.ReportID != "" && !all[i].Involves(f.ReportID) {
			continue
		}
		if f.State != "" && all[i].State() != f.State {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

// ListMatches returns every verified match, active and reopened, oldest first.
func (s *Service) ListMatches(ctx context.Context) ([]match.VerifiedMatch, error) {
	ms, err := s.ledger.ListMatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return ms, nil
}

// openFor finds the open proposal for a pair.
func (s *Service) openFor(ctx context.Context, missingID, foundID string) (match.Proposal, bool, error) {
	p, ok, err := s.ledger.OpenProposal(ctx, missingID, foundID)
	if err != nil {
		return match.Proposal{}, false, fmt.Errorf("find open proposal: %w", err)
	}
	return p, ok, nil
}

func (s *Service) markResolved(m *match.VerifiedMatch) {
	s.resolvedMu.Lock()
	defer s.resolvedMu.Unlock()
	for _, id := range m.ReportIDs() {
		s.resolved[id] = m.ID()
	}
}

// refreshClaims syncs the cache with claims made by other instances.
func (s *Service) refreshClaims(ctx context.Context, reportIDs ...string) {
	for _, id := range reportIDs {
		owner, err := s.ledger.ResolvedBy(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to refresh resolution", zap.String("report_id", id), zap.Error(err))
			continue
		}
		s.resolvedMu.Lock()
		if owner == "" {
			delete(s.resolved, id)
		} else {
			s.resolved[id] = owner
		}
		s.resolvedMu.Unlock()
	}
}

type logListener struct {
	logger *zap.Logger
}

func (l logListener) Resolved(_ context.Context, m match.VerifiedMatch) {
	l.logger.Info("Reports resolved",
		zap.String("match_id", m.ID()),
		zap.String("missing_report_id", m.MissingReportID()),
		zap.String("found_report_id", m.FoundReportID()),
		zap.Float64("similarity", m.Similarity()),
		zap.String("verified_by", m.VerifiedBy()),
	)
}
