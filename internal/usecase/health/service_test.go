package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- Fakes ---

type fakeStore struct{ err error }

func (f *fakeStore) Ping(context.Context) error { return f.err }

func fixed(err error) Checker {
	return CheckerFunc(func(context.Context) error { return err })
}

// --- Check ---

func TestCheck_AllHealthy(t *testing.T) {
	r := New(&fakeStore{}).
		WithCheck("extractor", fixed(nil)).
		WithCheck("photos", fixed(nil)).
		Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("status = %q, want %q", r.Status, Healthy)
	}
	for _, name := range []string{"database", "extractor", "photos"} {
		if r.Checks[name] != CheckOK {
			t.Errorf("%s = %q, want %q", name, r.Checks[name], CheckOK)
		}
	}
	if len(r.Errors) != 0 {
		t.Errorf("errors = %v, want none", r.Errors)
	}
}

func TestCheck_Status(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		store     error
		extractor error
		photos    error
		want      Status
	}{
		{"storage down", boom, nil, nil, Unhealthy},
		{"storage down wins over degraded", boom, boom, nil, Unhealthy},
		{"extractor down", nil, boom, nil, Degraded},
		{"both auxiliaries down", nil, boom, boom, Degraded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := New(&fakeStore{err: tc.store}).
				WithCheck("extractor", fixed(tc.extractor)).
				WithCheck("photos", fixed(tc.photos)).
				Check(context.Background())
			if r.Status != tc.want {
				t.Errorf("status = %q, want %q", r.Status, tc.want)
			}
		})
	}
}

func TestCheck_RecordsErrorMessages(t *testing.T) {
	r := New(&fakeStore{}).
		WithCheck("extractor", fixed(errors.New("deepface: 503"))).
		Check(context.Background())

	if r.Checks["extractor"] != CheckError {
		t.Errorf("extractor = %q, want %q", r.Checks["extractor"], CheckError)
	}
	if r.Errors["extractor"] != "deepface: 503" {
		t.Errorf("errors = %v", r.Errors)
	}
}

func TestCheck_NilCheckerIgnored(t *testing.T) {
	r := New(&fakeStore{}).WithCheck("photos", nil).Check(context.Background())
	if _, ok := r.Checks["photos"]; ok {
		t.Error("nil checker reported")
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() { started.Wait(); close(both) }()

	// Each check only passes once the other one has started too.
	waitForPeer := CheckerFunc(func(ctx context.Context) error {
		started.Done()
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	r := New(&fakeStore{}).
		WithTimeout(time.Second).
		WithCheck("extractor", waitForPeer).
		WithCheck("photos", waitForPeer).
		Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("status = %q, errors = %v", r.Status, r.Errors)
	}
}

func TestCheck_PerCheckTimeout(t *testing.T) {
	hang := CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := New(&fakeStore{}).
		WithTimeout(20 * time.Millisecond).
		WithCheck("extractor", hang).
		Check(context.Background())

	if r.Status != Degraded {
		t.Errorf("status = %q, want %q", r.Status, Degraded)
	}
}
