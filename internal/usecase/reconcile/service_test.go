package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/db/badger"
	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/repository/ledger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *badger.Store {
	t.Helper()
	s, err := badger.NewStore(badger.Config{InMemory: true})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newService(t *testing.T, s *badger.Store) *Service {
	t.Helper()
	svc := New(ledger.New(s, "t:", nil), zap.NewNop()).WithClock(func() time.Time { return t0 })
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return svc
}

type recordingListener struct {
	mu      sync.Mutex
	matches []match.VerifiedMatch
}

func (r *recordingListener) Resolved(_ context.Context, m match.VerifiedMatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, m)
}

// gatedLedger holds Claim until released, after the caller has read its proposal.
type gatedLedger struct {
	Ledger
	claiming chan struct{}
	release  chan struct{}
}

func (g *gatedLedger) Claim(ctx context.Context, m *match.VerifiedMatch) (bool, error) {
	close(g.claiming)
	<-g.release
	return g.Ledger.Claim(ctx, m)
}

// countingLedger counts full proposal scans.
type countingLedger struct {
	Ledger
	scans atomic.Int32
}

func (c *countingLedger) ListProposals(ctx context.Context) ([]match.Proposal, error) {
	c.scans.Add(1)
	return c.Ledger.ListProposals(ctx)
}

type staticKinds map[string]report.Kind

func (k staticKinds) ReportKind(reportID string) (report.Kind, bool) {
	kind, ok := k[reportID]
	return kind, ok
}

// --- Propose ---

func TestPropose_DedupesOpenPair(t *testing.T) {
	svc := newService(t, newStore(t))
	ctx := context.Background()

	p1, err := svc.Propose(ctx, "mp_1", "fp_1", 0.8, match.SourceSearch)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	p2, err := svc.Propose(ctx, "mp_1", "fp_1", 0.9, match.SourceUpload)
	if err != nil {
		t.Fatalf("second Propose: %v", err)
	}
	if p2.ID() != p1.ID() {
		t.Errorf("duplicate proposal created: %s vs %s", p1.ID(), p2.ID())
	}
	if p2.Similarity() != 0.9 {
		t.Errorf("similarity = %v, want the higher 0.9", p2.Similarity())
	}

	all, err := svc.ListProposals(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("proposals = %d, want 1", len(all))
	}
}

func TestPropose_UsesPairIndex(t *testing.T) {
	s := newStore(t)
	counting := &countingLedger{Ledger: ledger.New(s, "t:", nil)}
	svc := New(counting, zap.NewNop()).WithClock(func() time.Time { return t0 })
	ctx := context.Background()

	p1, err := svc.Propose(ctx, "mp_1", "fp_1", 0.8, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := svc.Propose(ctx, "mp_1", "fp_1", 0.85, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	if p2.ID() != p1.ID() {
		t.Errorf("duplicate proposal created: %s vs %s", p1.ID(), p2.ID())
	}
	if n := counting.scans.Load(); n != 0 {
		t.Errorf("Propose scanned the ledger %d times", n)
	}

	if _, err := svc.Reject(ctx, p1.ID(), ""); err != nil {
		t.Fatal(err)
	}
	p3, err := svc.Propose(ctx, "mp_1", "fp_1", 0.8, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	if p3.ID() == p1.ID() {
		t.Error("rejected proposal reused for a new proposal")
	}
}

func TestLoad_IndexesLegacyOpenProposals(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()

	p, err := svc.Propose(ctx, "mp_1", "fp_1", 0.8, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := s.ScanPrefix(ctx, "t:pair:")
	if err != nil || len(keys) != 1 {
		t.Fatalf("pair keys = %v, %v", keys, err)
	}
	// Proposals written before the pair index existed have no entry.
	if err := s.Del(ctx, keys...); err != nil {
		t.Fatal(err)
	}

	restarted := newService(t, s)
	got, err := restarted.Propose(ctx, "mp_1", "fp_1", 0.9, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != p.ID() {
		t.Errorf("open proposal not found after reload: %s vs %s", got.ID(), p.ID())
	}
}

func TestPropose_ResolvedReport(t *testing.T) {
	svc := newService(t, newStore(t))
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, ConfirmInput{MissingReportID: "mp_1", FoundReportID: "fp_1"}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	_, err := svc.Propose(ctx, "mp_2", "fp_1", 0.8, match.SourceSearch)
	if !errors.Is(err, domain.ErrReportAlreadyResolved) {
		t.Fatalf("expected ErrReportAlreadyResolved, got %v", err)
	}
}

// --- Review / Reject ---

func TestStartReviewAndReject(t *testing.T) {
	svc := newService(t, newStore(t))
	ctx := context.Background()

	p, err := svc.Propose(ctx, "mp_1", "fp_1", 0.8, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	got, err := svc.StartReview(ctx, p.ID())
	if err != nil {
		t.Fatalf("StartReview: %v", err)
	}
	if got.State() != match.UnderReview {
		t.Errorf("state = %s", got.State())
	}

	got, err = svc.Reject(ctx, p.ID(), "")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.State() != match.Rejected || got.Reason() != match.ReasonReviewer {
		t.Errorf("unexpected proposal %s/%s", got.State(), got.Reason())
	}

	if _, err := svc.StartReview(ctx, p.ID()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("review of rejected proposal: %v", err)
	}
}

func TestReject_NotFound(t *testing.T) {
	svc := newService(t, newStore(t))
	if _, err := svc.Reject(context.Background(), "nope", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Confirm ---

func TestConfirm_RejectsCompetingProposals(t *testing.T) {
	svc := newService(t, newStore(t))
	listener := &recordingListener{}
	svc.WithListener(listener)
	ctx := context.Background()

	winner, err := svc.Propose(ctx, "mp_1", "fp_1", 0.9, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	rival, err := svc.Propose(ctx, "mp_2", "fp_1", 0.85, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	unrelated, err := svc.Propose(ctx, "mp_3", "fp_3", 0.8, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}

	m, err := svc.Confirm(ctx, ConfirmInput{
		MissingReportID: "mp_1", FoundReportID: "fp_1", VerifiedBy: "officer-7", Notes: "scar matches",
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if m.ProposalID() != winner.ID() || m.Similarity() != 0.9 || m.VerifiedBy() != "officer-7" {
		t.Errorf("unexpected match %+v", m)
	}
	if !svc.IsResolved("mp_1") || !svc.IsResolved("fp_1") || svc.IsResolved("mp_2") {
		t.Error("resolved cache out of sync")
	}

	got, _ := svc.GetProposal(ctx, winner.ID())
	if got.State() != match.Confirmed || got.MatchID() != m.ID() {
		t.Errorf("winner = %s match %q", got.State(), got.MatchID())
	}
	got, _ = svc.GetProposal(ctx, rival.ID())
	if got.State() != match.Rejected || got.Reason() != match.ReasonAlreadyResolved {
		t.Errorf("rival = %s/%s", got.State(), got.Reason())
	}
	got, _ = svc.GetProposal(ctx, unrelated.ID())
	if got.State() != match.Proposed {
		t.Errorf("unrelated proposal touched: %s", got.State())
	}

	if len(listener.matches) != 1 || listener.matches[0].ID() != m.ID() {
		t.Errorf("listener saw %d matches", len(listener.matches))
	}
}

func TestConfirm_ManualWithoutProposal(t *testing.T) {
	svc := newService(t, newStore(t))
	ctx := context.Background()

	m, err := svc.Confirm(ctx, ConfirmInput{MissingReportID: "mp_1", FoundReportID: "fp_1"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	p, err := svc.GetProposal(ctx, m.ProposalID())
	if err != nil {
		t.Fatal(err)
	}
	if p.Source() != match.SourceManual || p.State() != match.Confirmed {
		t.Errorf("manual proposal = %s/%s", p.Source(), p.State())
	}
}

func TestConfirm_InvalidPair(t *testing.T) {
	svc := newService(t, newStore(t))
	_, err := svc.Confirm(context.Background(), ConfirmInput{MissingReportID: "r1", FoundReportID: "r1"})
	if !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestConfirm_KindsMustMatchSides(t *testing.T) {
	svc := newService(t, newStore(t))
	ctx := context.Background()

	for _, in := range []ConfirmInput{
		{MissingReportID: "fp_9", FoundReportID: "mp_9"},
		{MissingReportID: "mp_1", FoundReportID: "mp_2"},
		{MissingReportID: "fp_1", FoundReportID: "fp_2"},
	} {
		_, err := svc.Confirm(ctx, in)
		if !errors.Is(err, domain.ErrInvalidReport) {
			t.Errorf("%s/%s: expected ErrInvalidReport, got %v", in.MissingReportID, in.FoundReportID, err)
		}
	}
	matches, err := svc.ListMatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("matches = %d, want none", len(matches))
	}
}

func TestConfirm_KindsFromIndex(t *testing.T) {
	svc := newService(t, newStore(t)).WithKinds(staticKinds{
		"r-missing": report.Missing,
		"r-found":   report.Found,
	})
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, ConfirmInput{MissingReportID: "r-found", FoundReportID: "r-missing"}); !errors.Is(err, domain.ErrInvalidReport) {
		t.Fatalf("swapped indexed kinds: %v", err)
	}
	if _, err := svc.Confirm(ctx, ConfirmInput{MissingReportID: "r-missing", FoundReportID: "fp_1"}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := svc.Confirm(ctx, ConfirmInput{MissingReportID: "r-unknown", FoundReportID: "fp_2"}); !errors.Is(err, domain.ErrInvalidReport) {
		t.Errorf("unknown kind: %v", err)
	}
}

func TestConfirm_LoserKeepsWinnersProposal(t *testing.T) {
	s := newStore(t)
	a := newService(t, s)
	gate := &gatedLedger{Ledger: ledger.New(s, "t:", nil), claiming: make(chan struct{}), release: make(chan struct{})}
	b := New(gate, zap.NewNop()).WithClock(func() time.Time { return t0 })
	ctx := context.Background()

	p, err := a.Propose(ctx, "mp_1", "fp_1", 0.9, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	in := ConfirmInput{MissingReportID: "mp_1", FoundReportID: "fp_1"}

	errc := make(chan error, 1)
	go func() {
		_, err := b.Confirm(ctx, in)
		errc <- err
	}()
	<-gate.claiming

	m, err := a.Confirm(ctx, in)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	close(gate.release)
	if err := <-errc; !errors.Is(err, domain.ErrReportAlreadyResolved) {
		t.Fatalf("loser: expected ErrReportAlreadyResolved, got %v", err)
	}

	got, err := a.GetProposal(ctx, p.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.State() != match.Confirmed || got.MatchID() != m.ID() {
		t.Errorf("proposal = %s/%s match %q, want confirmed by %s", got.State(), got.Reason(), got.MatchID(), m.ID())
	}
	if m.ProposalID() != p.ID() {
		t.Errorf("match proposal = %s", m.ProposalID())
	}
	if !b.IsResolved("mp_1") || !b.IsResolved("fp_1") {
		t.Error("loser cache not refreshed")
	}
}

func TestConfirm_ConcurrentInstancesSingleWinner(t *testing.T) {
	s := newStore(t)
	a, b := newService(t, s), newService(t, s)
	ctx := context.Background()

	pa, err := a.Propose(ctx, "mp_1", "fp_1", 0.9, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := b.Propose(ctx, "mp_2", "fp_1", 0.88, match.SourceSearch)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, in := range []struct {
		svc     *Service
		missing string
	}{{a, "mp_1"}, {b, "mp_2"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = in.svc.Confirm(ctx, ConfirmInput{MissingReportID: in.missing, FoundReportID: "fp_1"})
		}()
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrReportAlreadyResolved):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won=%d lost=%d, want exactly one of each", won, lost)
	}

	states := map[match.State]int{}
	for _, id := range []string{pa.ID(), pb.ID()} {
		p, err := a.GetProposal(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		states[p.State()]++
		if p.State() == match.Rejected && p.Reason() != match.ReasonAlreadyResolved {
			t.Errorf("loser reason = %s", p.Reason())
		}
	}
	if states[match.Confirmed] != 1 || states[match.Rejected] != 1 {
		t.Errorf("states = %v", states)
	}

	matches, err := a.ListMatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Errorf("matches = %d, want 1", len(matches))
	}
	if !a.IsResolved("fp_1") || !b.IsResolved("fp_1") {
		t.Error("both instances must see fp_1 resolved after the race")
	}
}

// --- Reopen ---

func TestReopen_ReleasesBothReports(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()

	m, err := svc.Confirm(ctx, ConfirmInput{MissingReportID: "mp_1", FoundReportID: "fp_1"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := svc.Reopen(ctx, "fp_1")
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if got.ID() != m.ID() || got.Status() != match.Reopened {
		t.Errorf("reopened %s status %s", got.ID(), got.Status())
	}
	if svc.IsResolved("mp_1") || svc.IsResolved("fp_1") {
		t.Error("reports still resolved after reopen")
	}

	// A fresh instance sees the release too.
	other := newService(t, s)
	if other.IsResolved("mp_1") {
		t.Error("release not durable")
	}

	if _, err := svc.Propose(ctx, "mp_1", "fp_2", 0.8, match.SourceSearch); err != nil {
		t.Errorf("propose after reopen: %v", err)
	}
	if _, err := svc.Reopen(ctx, "fp_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second reopen: %v", err)
	}
}

// --- Load / List ---

func TestLoad_RestoresResolved(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()

	for i := range 3 {
		in := ConfirmInput{MissingReportID: fmt.Sprintf("mp_%d", i), FoundReportID: fmt.Sprintf("fp_%d", i)}
		if _, err := svc.Confirm(ctx, in); err != nil {
			t.Fatal(err)
		}
	}
	restarted := newService(t, s)
	for i := range 3 {
		if !restarted.IsResolved(fmt.Sprintf("fp_%d", i)) {
			t.Errorf("fp_%d not restored", i)
		}
	}
}

func TestListProposals_Filter(t *testing.T) {
	svc := newService(t, newStore(t))
	ctx := context.Background()

	for _, pair := range [][2]string{{"mp_1", "fp_1"}, {"mp_1", "fp_2"}, {"mp_2", "fp_3"}} {
		if _, err := svc.Propose(ctx, pair[0], pair[1], 0.8, match.SourceSearch); err != nil {
			t.Fatal(err)
		}
	}
	all, _ := svc.ListProposals(ctx, Filter{ReportID: "mp_1"})
	if len(all) != 2 {
		t.Errorf("by report = %d, want 2", len(all))
	}
	if _, err := svc.Reject(ctx, all[0].ID(), ""); err != nil {
		t.Fatal(err)
	}
	open, _ := svc.ListProposals(ctx, Filter{State: match.Proposed})
	if len(open) != 2 {
		t.Errorf("proposed = %d, want 2", len(open))
	}
}
