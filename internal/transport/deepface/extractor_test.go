package deepface

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kailas-cloud/facematch/internal/domain"
)

type faceResult struct {
	Embedding  []float32      `json:"embedding"`
	FacialArea map[string]int `json:"facial_area"`
	Confidence float64        `json:"face_confidence"`
}

func serve(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path != "/represent" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req representRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !req.EnforceDetection || req.ModelName != "Facenet512" || !strings.HasPrefix(req.Img, "data:") {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestExtractor(url string) *Extractor {
	return NewExtractor(&Config{BaseURL: url + "/", Model: "Facenet512", Detector: "retinaface"})
}

func area(w, h int) map[string]int { return map[string]int{"x": 0, "y": 0, "w": w, "h": h} }

func TestExtract_SingleFace(t *testing.T) {
	srv := serve(t, http.StatusOK, map[string]any{"results": []faceResult{
		{Embedding: []float32{0.1, 0.2}, FacialArea: area(100, 100), Confidence: 0.98},
	}})
	ext, err := newTestExtractor(srv.URL).Extract(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(ext.Vector) != 2 || ext.Confidence != 0.98 {
		t.Errorf("extraction = %+v", ext)
	}
	if ext.ModelVersion != "Facenet512/retinaface" {
		t.Errorf("model version = %s", ext.ModelVersion)
	}
}

func TestExtract_DominantFace(t *testing.T) {
	srv := serve(t, http.StatusOK, map[string]any{"results": []faceResult{
		{Embedding: []float32{0, 1}, FacialArea: area(20, 20)},
		{Embedding: []float32{1, 0}, FacialArea: area(200, 200)},
	}})
	ext, err := newTestExtractor(srv.URL).Extract(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ext.Vector[0] != 1 {
		t.Errorf("picked the smaller face: %v", ext.Vector)
	}
}

func TestExtract_Ambiguous(t *testing.T) {
	srv := serve(t, http.StatusOK, map[string]any{"results": []faceResult{
		{Embedding: []float32{0, 1}, FacialArea: area(100, 100)},
		{Embedding: []float32{1, 0}, FacialArea: area(110, 100)},
	}})
	_, err := newTestExtractor(srv.URL).Extract(context.Background(), []byte("img"))
	if !errors.Is(err, domain.ErrMultipleFacesAmbiguous) {
		t.Fatalf("expected ErrMultipleFacesAmbiguous, got %v", err)
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   error
	}{
		{"no face", http.StatusBadRequest,
			map[string]string{"error": "Face could not be detected in numpy array."}, domain.ErrNoFaceDetected},
		{"bad image", http.StatusBadRequest,
			map[string]string{"error": "Invalid image input"}, domain.ErrUnsupportedImage},
		{"server", http.StatusInternalServerError, map[string]string{"error": "oom"}, domain.ErrModel},
		{"empty results", http.StatusOK, map[string]any{"results": []faceResult{}}, domain.ErrNoFaceDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			_, err := newTestExtractor(srv.URL).Extract(context.Background(), []byte("img"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestExtract_Unreachable(t *testing.T) {
	_, err := newTestExtractor("http://127.0.0.1:1").Extract(context.Background(), []byte("img"))
	if !errors.Is(err, domain.ErrModel) {
		t.Fatalf("expected ErrModel, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := serve(t, http.StatusOK, nil)
	if err := newTestExtractor(srv.URL).HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
