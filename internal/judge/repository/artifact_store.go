package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"ojudge/internal/common/storage"
	"ojudge/internal/judge/model"
	appErr "ojudge/pkg/errors"
)

const maxArtifactStderr = 64 << 10

// ArtifactStore writes diagnostics as JSON objects to MinIO or to a local directory,
// depending on the ObjectStorage it is given.
type ArtifactStore struct {
	objects storage.ObjectStorage
	bucket  string
	prefix  string
}

// NewArtifactStore creates a store writing under bucket/prefix.
func NewArtifactStore(objects storage.ObjectStorage, bucket, prefix string) *ArtifactStore {
	if prefix == "" {
		prefix = "artifacts"
	}
	return &ArtifactStore{objects: objects, bucket: bucket, prefix: prefix}
}

// SaveArtifact stores one diagnostic and returns its object key.
func (s *ArtifactStore) SaveArtifact(ctx context.Context, artifact model.Artifact) (string, error) {
	if artifact.SubmissionID == "" {
		return "", appErr.ValidationError("submission_id", "required")
	}
	if s.objects == nil {
		return "", appErr.New(appErr.ArtifactFailure).WithMessage("artifact storage is not configured")
	}
	if artifact.OccurredAt.IsZero() {
		artifact.OccurredAt = time.Now()
	}
	if len(artifact.Stderr) > maxArtifactStderr {
		artifact.Stderr = artifact.Stderr[:maxArtifactStderr]
	}
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ArtifactFailure, "encode artifact failed")
	}
	key := path.Join(s.prefix, artifact.SubmissionID,
		fmt.Sprintf("%d-%s.json", artifact.OccurredAt.UnixMilli(), uuid.NewString()))
	if err := s.objects.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), "application/json"); err != nil {
		return "", appErr.Wrapf(err, appErr.ArtifactFailure, "store artifact failed")
	}
	return key, nil
}
