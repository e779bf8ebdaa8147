package match

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
)

// RecognitionAPI is the slice of the Rekognition client the managed backend
// uses. Kept as an interface so tests can fake the provider.
type RecognitionAPI interface {
	CreateCollection(ctx context.Context, in *rekognition.CreateCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error)
	IndexFaces(ctx context.Context, in *rekognition.IndexFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
	SearchFacesByImage(ctx context.Context, in *rekognition.SearchFacesByImageInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
	DeleteFaces(ctx context.Context, in *rekognition.DeleteFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DeleteFacesOutput, error)
}

// Managed delegates matching to a hosted face collection. Enrollment
// indexes the frame under the caller's user id; verification searches the
// whole collection and trusts the returned external id for identity only.
// The credential store stays the source of truth for enrollment status.
type Managed struct {
	api          RecognitionAPI
	collectionID string
	threshold    float32

	ensureOnce sync.Once
	ensureErr  error
}

// NewManaged builds a client from the ambient AWS config. The client is
// constructed once at process start and injected; there is no package-level
// instance.
func NewManaged(ctx context.Context, region, collectionID string, threshold float64) (*Managed, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewManagedWithAPI(rekognition.NewFromConfig(cfg), collectionID, threshold), nil
}

// NewManagedWithAPI wires an explicit provider client; used by tests.
func NewManagedWithAPI(api RecognitionAPI, collectionID string, threshold float64) *Managed {
	return &Managed{
		api:          api,
		collectionID: collectionID,
		threshold:    float32(threshold),
	}
}

func (m *Managed) Kind() Kind { return KindManaged }

// EnsureCollection creates the collection if absent. Safe to call from
// every operation; the provider round-trip happens at most once per
// process.
func (m *Managed) EnsureCollection(ctx context.Context) error {
	m.ensureOnce.Do(func() {
		_, err := m.api.CreateCollection(ctx, &rekognition.CreateCollectionInput{
			CollectionId: aws.String(m.collectionID),
		})
		var exists *types.ResourceAlreadyExistsException
		if err != nil && !errors.As(err, &exists) {
			m.ensureErr = fmt.Errorf("create collection %s: %w", m.collectionID, err)
		}
	})
	return m.ensureErr
}

func (m *Managed) Enroll(ctx context.Context, userID string, frame []byte) ([]byte, error) {
	if err := m.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}

	out, err := m.api.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:    aws.String(m.collectionID),
		ExternalImageId: aws.String(userID),
		Image:           &types.Image{Bytes: frame},
		MaxFaces:        aws.Int32(1),
		QualityFilter:   types.QualityFilterAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: index faces: %v", ErrService, err)
	}

	for _, uf := range out.UnindexedFaces {
		for _, reason := range uf.Reasons {
			if reason == types.ReasonExceedsMaxFaces {
				return nil, ErrAmbiguousFace
			}
		}
	}
	if len(out.FaceRecords) == 0 {
		return nil, ErrNoFaceDetected
	}

	face := out.FaceRecords[0].Face
	if face == nil || face.FaceId == nil {
		return nil, fmt.Errorf("%w: index response missing face id", ErrService)
	}

	return []byte(*face.FaceId), nil
}

func (m *Managed) Verify(ctx context.Context, frame []byte, scope Scope) (Decision, error) {
	if err := m.EnsureCollection(ctx); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrService, err)
	}

	out, err := m.api.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(m.collectionID),
		Image:              &types.Image{Bytes: frame},
		FaceMatchThreshold: aws.Float32(m.threshold),
		MaxFaces:           aws.Int32(1),
	})
	if err != nil {
		// The provider rejects probe images without a detectable face.
		var invalid *types.InvalidParameterException
		if errors.As(err, &invalid) {
			return Decision{}, ErrNoFaceDetected
		}
		return Decision{}, fmt.Errorf("%w: search faces: %v", ErrService, err)
	}

	if len(out.FaceMatches) == 0 {
		return Decision{}, ErrNoMatch
	}

	best := out.FaceMatches[0]
	if best.Face == nil || best.Face.ExternalImageId == nil {
		return Decision{}, fmt.Errorf("%w: match missing external id", ErrService)
	}

	confidence := float64(0)
	if best.Similarity != nil {
		confidence = float64(*best.Similarity)
	}
	if confidence < float64(m.threshold) {
		return Decision{}, fmt.Errorf("confidence %.2f: %w", confidence, ErrBelowThreshold)
	}

	return Decision{
		Matched:    true,
		Confidence: confidence,
		SubjectID:  *best.Face.ExternalImageId,
	}, nil
}

// Remove deletes the indexed face; encodedRef holds the provider face id
// issued at enrollment.
func (m *Managed) Remove(ctx context.Context, userID string, encodedRef []byte) error {
	if len(encodedRef) == 0 {
		return nil
	}
	_, err := m.api.DeleteFaces(ctx, &rekognition.DeleteFacesInput{
		CollectionId: aws.String(m.collectionID),
		FaceIds:      []string{string(encodedRef)},
	})
	if err != nil {
		return fmt.Errorf("%w: delete face: %v", ErrService, err)
	}
	return nil
}
