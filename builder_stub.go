//go:build !buildkit

package strata

import (
	"context"
	"time"
)

// stubBuildBackend records what would have been built without touching a
// builder daemon. Default backend for dev mode and tests; real builds need a
// binary compiled with -tags buildkit.
type stubBuildBackend struct{}

func newBuildBackend() buildBackend {
	return stubBuildBackend{}
}

func (stubBuildBackend) name() string {
	return "stub"
}

func (stubBuildBackend) build(
	ctx context.Context,
	req layerBuildRequest,
) (layerBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return layerBuildResult{}, err
	}
	return layerBuildResult{
		summary: "stub build recorded",
		metadata: map[string]any{
			"strategy":       "stub",
			"image_ref":      req.ImageRef,
			"context_dir":    req.ContextDir,
			"dockerfile_len": len(req.DockerfileBody),
			"build_executed": false,
			"recorded_at":    time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}
