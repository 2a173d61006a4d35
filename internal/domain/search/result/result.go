package result

import "github.com/kailas-cloud/facematch/internal/domain/report"

// Classification is the overall verdict of a search.
type Classification string

// Classifications.
const (
	ConfidentMatch  Classification = "confident_match"
	PossibleMatches Classification = "possible_matches"
	NoMatch         Classification = "no_match"
)

// Candidate is a transient match candidate, one per report.
type Candidate struct {
	reportID   string
	photoID    string
	kind       report.Kind
	similarity float64
	confident  bool
}

// NewCandidate creates a candidate. confident is set by the engine against its high threshold.
func NewCandidate(reportID, photoID string, kind report.Kind, similarity float64, confident bool) Candidate {
	return Candidate{
		reportID: reportID, photoID: photoID, kind: kind,
		similarity: similarity, confident: confident,
	}
}

// ReportID returns the candidate report.
func (c *Candidate) ReportID() string { return c.reportID }

// PhotoID returns the best-matching photo of the report.
func (c *Candidate) PhotoID() string { return c.photoID }

// Kind returns the candidate report kind.
func (c *Candidate) Kind() report.Kind { return c.kind }

// Similarity returns the cosine similarity in [0, 1].
func (c *Candidate) Similarity() float64 { return c.similarity }

// Confident reports whether the similarity reached the high threshold.
func (c *Candidate) Confident() bool { return c.confident }

// Result is the outcome of a similarity search.
type Result struct {
	classification Classification
	candidates     []Candidate
	staleCount     int
	duplicateCount int
	degraded       bool
	modelVersion   string
}

// New classifies the ranked candidates and builds the result.
func New(candidates []Candidate, staleCount, duplicateCount int, modelVersion string) Result {
	return Result{
		classification: Classify(candidates),
		candidates:     candidates,
		staleCount:     staleCount,
		duplicateCount: duplicateCount,
		modelVersion:   modelVersion,
	}
}

// NewDegraded builds the result returned when the index could not be searched.
func NewDegraded(staleCount int, modelVersion string) Result {
	return Result{
		classification: NoMatch,
		staleCount:     staleCount,
		degraded:       true,
		modelVersion:   modelVersion,
	}
}

// Classify derives the verdict: any confident candidate wins, then any candidate at all.
func Classify(candidates []Candidate) Classification {
	if len(candidates) == 0 {
		return NoMatch
	}
	for i := range candidates {
		if candidates[i].confident {
			return ConfidentMatch
		}
	}
	return PossibleMatches
}

// Classification returns the verdict.
func (r *Result) Classification() Classification { return r.classification }

// Candidates returns candidates by descending similarity.
func (r *Result) Candidates() []Candidate { return r.candidates }

// Confident returns only the candidates above the high threshold.
func (r *Result) Confident() []Candidate {
	var out []Candidate
	for _, c := range r.candidates {
		if c.confident {
			out = append(out, c)
		}
	}
	return out
}

// StaleCount returns how many live entries were skipped for a different model version.
func (r *Result) StaleCount() int { return r.staleCount }

// DuplicateCount returns how many same-kind hits were filtered out.
func (r *Result) DuplicateCount() int { return r.duplicateCount }

// Degraded reports whether the index failed and the result is empty for that reason.
func (r *Result) Degraded() bool { return r.degraded }

// ModelVersion returns the model version the query was extracted with.
func (r *Result) ModelVersion() string { return r.modelVersion }
