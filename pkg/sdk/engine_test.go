package facematch

import (
	"context"
	"errors"
	"testing"
)

var faces = map[string][]float32{
	string(jpeg("alice-missing")): {1, 0, 0, 0},
	string(jpeg("alice-found")):   {0.995, 0.0998, 0, 0},
	string(jpeg("bob-found")):     {0, 1, 0, 0},
}

func newEngine(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithBadger(t.TempDir()),
		WithExtractor(&mapExtractor{vectors: faces}, "fake/v1"),
		WithPhotoDir(t.TempDir()),
	}
	c, err := New(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func mustUpload(t *testing.T, c *Client, reportID, tag string) UploadResult {
	t.Helper()
	res, err := c.Photos().Upload(context.Background(), Upload{ReportID: reportID, Photo: jpeg(tag)})
	if err != nil {
		t.Fatalf("upload %s: %v", tag, err)
	}
	return res
}

func TestEngine_UploadSearchConfirm(t *testing.T) {
	ctx := context.Background()
	c := newEngine(t)

	mustUpload(t, c, "mp_1", "alice-missing")
	mustUpload(t, c, "fp_1", "alice-found")
	mustUpload(t, c, "fp_2", "bob-found")

	res, err := c.Search(ctx, Query{Photo: jpeg("alice-missing"), ExcludeKind: KindMissing})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Classification != ConfidentMatch {
		t.Fatalf("classification = %s, want %s", res.Classification, ConfidentMatch)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].ReportID != "fp_1" {
		t.Fatalf("top candidate = %+v, want fp_1", res.Candidates)
	}
	for _, cand := range res.Candidates {
		if cand.Kind != KindFound {
			t.Errorf("candidate %s has kind %s, want found", cand.ReportID, cand.Kind)
		}
	}

	m, err := c.Matches().Confirm(ctx, "mp_1", "fp_1", ConfirmOptions{VerifiedBy: "officer 7"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !m.Active || m.VerifiedBy != "officer 7" {
		t.Errorf("match = %+v", m)
	}

	_, err = c.Matches().Confirm(ctx, "mp_1", "fp_2", ConfirmOptions{})
	if !errors.Is(err, ErrReportAlreadyResolved) {
		t.Fatalf("second confirm err = %v, want ErrReportAlreadyResolved", err)
	}

	res, err = c.Search(ctx, Query{Photo: jpeg("alice-missing"), ExcludeKind: KindMissing})
	if err != nil {
		t.Fatalf("Search after confirm: %v", err)
	}
	for _, cand := range res.Candidates {
		if cand.ReportID == "fp_1" {
			t.Error("resolved report fp_1 must not be returned")
		}
	}

	reopened, err := c.Matches().Reopen(ctx, "fp_1")
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if reopened.Active || reopened.ReopenedAt.IsZero() {
		t.Errorf("reopened = %+v", reopened)
	}
}

func TestEngine_UploadRejectsFacelessPhoto(t *testing.T) {
	c := newEngine(t)

	res, err := c.Photos().Upload(context.Background(), Upload{ReportID: "mp_1", Photo: jpeg("landscape")})
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("err = %v, want ErrNoFaceDetected", err)
	}
	if res.Status != "no_face" {
		t.Errorf("status = %q, want no_face", res.Status)
	}
}

func TestEngine_BatchAndRemove(t *testing.T) {
	ctx := context.Background()
	c := newEngine(t)

	items := c.Photos().UploadBatch(ctx, []Upload{
		{ReportID: "fp_1", Photo: jpeg("alice-found")},
		{ReportID: "fp_2", Photo: jpeg("nobody")},
	})
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if !items[0].OK || items[1].OK {
		t.Fatalf("items = %+v, want ok then error", items)
	}

	if err := c.Photos().Remove(ctx, items[0].PhotoID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := c.Photos().Remove(ctx, items[0].PhotoID); err != nil {
		t.Fatalf("second Remove must be a no-op: %v", err)
	}

	stats := c.Index().Stats()
	if stats.Live["fake/v1"] != 0 || stats.Tombstoned["fake/v1"] != 1 {
		t.Errorf("stats = %+v, want 0 live and 1 tombstoned", stats)
	}

	dropped, err := c.Index().Compact(ctx)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestEngine_ProposalsAndReview(t *testing.T) {
	ctx := context.Background()
	c := newEngine(t, WithAutoPropose())

	mustUpload(t, c, "fp_1", "alice-found")
	up := mustUpload(t, c, "mp_1", "alice-missing")
	if len(up.Proposals) != 1 {
		t.Fatalf("proposals = %+v, want one", up.Proposals)
	}

	ps, err := c.Matches().Proposals(ctx, "mp_1", StateProposed)
	if err != nil {
		t.Fatalf("Proposals: %v", err)
	}
	if len(ps) != 1 || ps[0].FoundReportID != "fp_1" {
		t.Fatalf("proposals = %+v", ps)
	}

	p, err := c.Matches().Review(ctx, ps[0].ID)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if p.State != StateUnderReview {
		t.Errorf("state = %s, want under_review", p.State)
	}
	p, err = c.Matches().Reject(ctx, p.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if p.State != StateRejected {
		t.Errorf("state = %s, want rejected", p.State)
	}
}

func TestEngine_ReindexAndHealth(t *testing.T) {
	ctx := context.Background()
	c := newEngine(t)
	mustUpload(t, c, "fp_1", "alice-found")

	rep, err := c.Index().Reindex(ctx)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if rep.ModelVersion != "fake/v1" || rep.Stale != 0 {
		t.Errorf("report = %+v, want nothing stale", rep)
	}

	h := c.Health(ctx)
	if !h.Healthy() || !h.Searchable() {
		t.Errorf("health = %+v, want ok", h)
	}
	if _, ok := h.Checks["photos"]; !ok {
		t.Error("photos check missing")
	}
}

func TestEngine_ReindexWithoutPhotoDir(t *testing.T) {
	c, err := New(context.Background(),
		WithBadger(t.TempDir()),
		WithExtractor(&mapExtractor{vectors: faces}, "fake/v1"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if _, err := c.Index().Reindex(context.Background()); !errors.Is(err, ErrReindexUnavailable) {
		t.Errorf("err = %v, want ErrReindexUnavailable", err)
	}
}

func TestEngine_RestoresAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	open := func() *Client {
		c, err := New(ctx, WithBadger(dir), WithExtractor(&mapExtractor{vectors: faces}, "fake/v1"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return c
	}

	c := open()
	mustUpload(t, c, "fp_1", "alice-found")
	if _, err := c.Matches().Confirm(ctx, "mp_9", "fp_1", ConfirmOptions{}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	c.Close()

	c = open()
	defer c.Close()
	if got := c.Index().Stats().Live["fake/v1"]; got != 1 {
		t.Errorf("live after restart = %d, want 1", got)
	}
	if _, err := c.Matches().Confirm(ctx, "mp_10", "fp_1", ConfirmOptions{}); !errors.Is(err, ErrReportAlreadyResolved) {
		t.Errorf("err = %v, want ErrReportAlreadyResolved after restart", err)
	}
}
