// Package resolver turns a backend result into artifact bytes.
package resolver

import (
	"context"
	"fmt"

	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

// Flatten lists every image of every output stage in the order the backend
// reported them. Preview and final artifacts are both kept with their type tag.
func Flatten(result *interfaces.JobResult) []job.Artifact {
	if result == nil {
		return nil
	}
	var artifacts []job.Artifact
	for _, stage := range result.Stages {
		for _, img := range stage.Images {
			if img.Stage == "" {
				img.Stage = stage.Name
			}
			artifacts = append(artifacts, img)
		}
	}
	return artifacts
}

// Fetch returns copies of artifacts with their bytes filled in. The input is
// not modified, so fetching the same references twice gives the same result.
func Fetch(ctx context.Context, transport interfaces.Transport, artifacts []job.Artifact) ([]job.Artifact, error) {
	out := make([]job.Artifact, 0, len(artifacts))
	for i, ref := range artifacts {
		data, err := transport.FetchArtifact(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch artifact %d (%s): %w", i, ref.Filename, err)
		}
		ref.Data = data
		out = append(out, ref)
	}
	return out, nil
}

// Resolve flattens result and fetches every artifact
func Resolve(ctx context.Context, transport interfaces.Transport, result *interfaces.JobResult) ([]job.Artifact, error) {
	return Fetch(ctx, transport, Flatten(result))
}
