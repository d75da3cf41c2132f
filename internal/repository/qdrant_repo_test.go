package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// recordingPoints captures the requests sent to the points service.
type recordingPoints struct {
	pb.PointsClient
	deleted []*pb.DeletePoints
}

func (r *recordingPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	r.deleted = append(r.deleted, in)
	return &pb.PointsOperationResponse{}, nil
}

func TestQdrantRepositoryDeleteSelectsPointByImageID(t *testing.T) {
	points := &recordingPoints{}
	repo := &QdrantRepository{pointsClient: points, collectionName: "images"}
	id := uuid.NewString()

	require.NoError(t, repo.Delete(context.Background(), id))
	require.Len(t, points.deleted, 1)
	req := points.deleted[0]
	assert.Equal(t, "images", req.GetCollectionName())
	ids := req.GetPoints().GetPoints().GetIds()
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0].GetUuid())

	assert.Error(t, repo.Delete(context.Background(), "not-a-uuid"))
	assert.Len(t, points.deleted, 1)
}
