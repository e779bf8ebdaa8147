package match

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/your-org/faceid/internal/vision"
)

// Local matches faces entirely in-process: an ONNX detector and embedder
// derive a fixed-length embedding from the frame, and verification compares
// it against the user's stored embedding with a distance-based similarity.
type Local struct {
	detector  *vision.Detector
	embedder  *vision.Embedder
	refs      ReferenceSource
	threshold float64
}

// NewLocal loads the detection and embedding models from modelsDir.
func NewLocal(modelsDir string, detThreshold float32, verifyThreshold float64, refs ReferenceSource) (*Local, error) {
	det, err := vision.NewDetector(filepath.Join(modelsDir, "det_10g.onnx"), detThreshold)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	emb, err := vision.NewEmbedder(filepath.Join(modelsDir, "w600k_r50.onnx"))
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	return &Local{
		detector:  det,
		embedder:  emb,
		refs:      refs,
		threshold: verifyThreshold,
	}, nil
}

func (l *Local) Kind() Kind { return KindLocal }

func (l *Local) Enroll(ctx context.Context, userID string, frame []byte) ([]byte, error) {
	embedding, err := l.extract(frame)
	if err != nil {
		return nil, err
	}
	return EncodeVector(embedding), nil
}

func (l *Local) Verify(ctx context.Context, frame []byte, scope Scope) (Decision, error) {
	if scope.UserID == "" {
		return Decision{}, fmt.Errorf("local verify: %w", ErrNotEnrolled)
	}

	ref, err := l.refs.ActiveReference(ctx, scope.UserID, KindLocal)
	if err != nil {
		return Decision{}, err
	}

	stored, err := DecodeVector(ref)
	if err != nil {
		return Decision{}, fmt.Errorf("decode stored reference: %w", err)
	}

	probe, err := l.extract(frame)
	if err != nil {
		return Decision{}, err
	}

	return l.compare(stored, probe, scope.UserID)
}

// compare applies the similarity threshold. Scores meeting the threshold
// exactly are accepted.
func (l *Local) compare(stored, probe []float32, userID string) (Decision, error) {
	score := Similarity(stored, probe)
	if score < l.threshold {
		return Decision{}, fmt.Errorf("similarity %.3f: %w", score, ErrBelowThreshold)
	}

	return Decision{
		Matched:    true,
		Confidence: score,
		SubjectID:  userID,
	}, nil
}

// Remove is a no-op: local references live only in the credential store.
func (l *Local) Remove(ctx context.Context, userID string, encodedRef []byte) error {
	return nil
}

func (l *Local) Close() {
	if l.detector != nil {
		l.detector.Close()
	}
	if l.embedder != nil {
		l.embedder.Close()
	}
}

// extract decodes the frame, requires exactly one detected face, and
// returns its embedding.
func (l *Local) extract(frame []byte) ([]float32, error) {
	img, err := vision.DecodeImage(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFaceDetected, err)
	}

	bounds := img.Bounds()
	detW, detH := l.detector.InputSize()

	faces, err := l.detector.Detect(vision.PrepareForDetection(img, detW, detH), bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}
	if len(faces) > 1 {
		return nil, ErrAmbiguousFace
	}

	crop := vision.CropFace(img, faces[0].BBox)
	if crop == nil {
		return nil, ErrNoFaceDetected
	}

	embW, embH := l.embedder.InputSize()
	embedding, err := l.embedder.Extract(vision.PrepareForEmbedding(crop, embW, embH))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}

	return embedding, nil
}

// Similarity is 1 minus the euclidean distance between two embeddings. For
// L2-normalized vectors the result lies in [-1, 1]; identical vectors
// score 1. Pure and deterministic for fixed inputs.
func Similarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return 1 - math.Sqrt(sum)
}
