package match

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecognition struct {
	createCalls atomic.Int32
	createErr   error

	indexOut *rekognition.IndexFacesOutput
	indexErr error

	searchOut *rekognition.SearchFacesByImageOutput
	searchErr error

	deletedIDs []string
}

func (f *fakeRecognition) CreateCollection(context.Context, *rekognition.CreateCollectionInput, ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error) {
	f.createCalls.Add(1)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &rekognition.CreateCollectionOutput{}, nil
}

func (f *fakeRecognition) IndexFaces(context.Context, *rekognition.IndexFacesInput, ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error) {
	return f.indexOut, f.indexErr
}

func (f *fakeRecognition) SearchFacesByImage(context.Context, *rekognition.SearchFacesByImageInput, ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error) {
	return f.searchOut, f.searchErr
}

func (f *fakeRecognition) DeleteFaces(_ context.Context, in *rekognition.DeleteFacesInput, _ ...func(*rekognition.Options)) (*rekognition.DeleteFacesOutput, error) {
	f.deletedIDs = append(f.deletedIDs, in.FaceIds...)
	return &rekognition.DeleteFacesOutput{}, nil
}

func searchMatch(externalID string, similarity float32) *rekognition.SearchFacesByImageOutput {
	return &rekognition.SearchFacesByImageOutput{
		FaceMatches: []types.FaceMatch{{
			Similarity: aws.Float32(similarity),
			Face: &types.Face{
				FaceId:          aws.String("face-1"),
				ExternalImageId: aws.String(externalID),
			},
		}},
	}
}

func TestManagedVerify_JustBelowThresholdRejected(t *testing.T) {
	api := &fakeRecognition{searchOut: searchMatch("alice", 89.99)}
	m := NewManagedWithAPI(api, "test-collection", 90)

	_, err := m.Verify(context.Background(), []byte("frame"), Scope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBelowThreshold)
}

func TestManagedVerify_AtThresholdAccepted(t *testing.T) {
	api := &fakeRecognition{searchOut: searchMatch("alice", 90.0)}
	m := NewManagedWithAPI(api, "test-collection", 90)

	dec, err := m.Verify(context.Background(), []byte("frame"), Scope{})
	require.NoError(t, err)
	assert.True(t, dec.Matched)
	assert.Equal(t, "alice", dec.SubjectID)
	assert.InDelta(t, 90.0, dec.Confidence, 1e-6)
}

func TestManagedVerify_NoMatch(t *testing.T) {
	api := &fakeRecognition{searchOut: &rekognition.SearchFacesByImageOutput{}}
	m := NewManagedWithAPI(api, "test-collection", 90)

	_, err := m.Verify(context.Background(), []byte("frame"), Scope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.True(t, FailedMatch(err))
}

func TestManagedVerify_NoFaceInProbe(t *testing.T) {
	api := &fakeRecognition{searchErr: &types.InvalidParameterException{}}
	m := NewManagedWithAPI(api, "test-collection", 90)

	_, err := m.Verify(context.Background(), []byte("frame"), Scope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoFaceDetected)
}

func TestManagedEnroll_ReturnsProviderFaceID(t *testing.T) {
	api := &fakeRecognition{indexOut: &rekognition.IndexFacesOutput{
		FaceRecords: []types.FaceRecord{{
			Face: &types.Face{FaceId: aws.String("provider-face-id")},
		}},
	}}
	m := NewManagedWithAPI(api, "test-collection", 90)

	ref, err := m.Enroll(context.Background(), "alice", []byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, []byte("provider-face-id"), ref)
}

func TestManagedEnroll_NoFace(t *testing.T) {
	api := &fakeRecognition{indexOut: &rekognition.IndexFacesOutput{}}
	m := NewManagedWithAPI(api, "test-collection", 90)

	_, err := m.Enroll(context.Background(), "alice", []byte("frame"))
	assert.ErrorIs(t, err, ErrNoFaceDetected)
}

func TestManagedEnroll_MultipleFaces(t *testing.T) {
	api := &fakeRecognition{indexOut: &rekognition.IndexFacesOutput{
		UnindexedFaces: []types.UnindexedFace{{
			Reasons: []types.Reason{types.ReasonExceedsMaxFaces},
		}},
	}}
	m := NewManagedWithAPI(api, "test-collection", 90)

	_, err := m.Enroll(context.Background(), "alice", []byte("frame"))
	assert.ErrorIs(t, err, ErrAmbiguousFace)
}

func TestManagedEnsureCollection_CalledOncePerProcess(t *testing.T) {
	api := &fakeRecognition{
		indexOut: &rekognition.IndexFacesOutput{
			FaceRecords: []types.FaceRecord{{
				Face: &types.Face{FaceId: aws.String("f")},
			}},
		},
		searchOut: searchMatch("alice", 95),
	}
	m := NewManagedWithAPI(api, "test-collection", 90)

	ctx := context.Background()
	_, err := m.Enroll(ctx, "alice", []byte("frame"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m.Verify(ctx, []byte("frame"), Scope{})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), api.createCalls.Load())
}

func TestManagedEnsureCollection_AlreadyExistsIsFine(t *testing.T) {
	api := &fakeRecognition{createErr: &types.ResourceAlreadyExistsException{}}
	m := NewManagedWithAPI(api, "test-collection", 90)

	assert.NoError(t, m.EnsureCollection(context.Background()))
}

func TestManagedRemove_DeletesIndexedFace(t *testing.T) {
	api := &fakeRecognition{}
	m := NewManagedWithAPI(api, "test-collection", 90)

	require.NoError(t, m.Remove(context.Background(), "alice", []byte("provider-face-id")))
	assert.Equal(t, []string{"provider-face-id"}, api.deletedIDs)

	// No provider call for an empty reference.
	require.NoError(t, m.Remove(context.Background(), "alice", nil))
	assert.Len(t, api.deletedIDs, 1)
}

func TestManagedVerify_ServiceErrorIsRetryable(t *testing.T) {
	api := &fakeRecognition{searchErr: errors.New("throttled")}
	m := NewManagedWithAPI(api, "test-collection", 90)

	_, err := m.Verify(context.Background(), []byte("frame"), Scope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrService)
	assert.True(t, Retryable(err))
}
