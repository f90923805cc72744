//go:build buildkit

package strata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/buildkit/client"
)

const (
	buildkitAddressEnv     = "STRATA_BUILDKIT_ADDR"
	defaultBuildkitAddress = "unix:///run/buildkit/buildkitd.sock"
)

// buildkitBuildBackend solves the rendered Dockerfile through a BuildKit
// daemon and exports the result under the layer's image ref.
type buildkitBuildBackend struct{}

func newBuildBackend() buildBackend {
	return buildkitBuildBackend{}
}

func (buildkitBuildBackend) name() string {
	return "buildkit"
}

func (buildkitBuildBackend) build(
	ctx context.Context,
	req layerBuildRequest,
) (layerBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return layerBuildResult{}, err
	}

	dockerfileDir, err := os.MkdirTemp("", "strata-dockerfile-")
	if err != nil {
		return layerBuildResult{}, fmt.Errorf("create dockerfile temp dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(dockerfileDir)
	}()
	dockerfileName := "Dockerfile"
	writeErr := os.WriteFile(filepath.Join(dockerfileDir, dockerfileName), req.DockerfileBody, fileModePrivate)
	if writeErr != nil {
		return layerBuildResult{}, fmt.Errorf("write dockerfile input: %w", writeErr)
	}

	address := envOr(buildkitAddressEnv, defaultBuildkitAddress)
	buildkitClient, err := client.New(ctx, address)
	if err != nil {
		return layerBuildResult{}, fmt.Errorf("connect buildkit at %s: %w", address, err)
	}
	defer func() {
		_ = buildkitClient.Close()
	}()

	solveOpt := client.SolveOpt{
		Frontend: "dockerfile.v0",
		FrontendAttrs: map[string]string{
			"filename": dockerfileName,
		},
		LocalDirs: map[string]string{
			"context":    req.ContextDir,
			"dockerfile": dockerfileDir,
		},
		Exports: []client.ExportEntry{
			{
				Type: "image",
				Attrs: map[string]string{
					"name": req.ImageRef,
					"push": "false",
				},
			},
		},
	}
	solveResp, err := buildkitClient.Solve(ctx, nil, solveOpt, nil)
	if err != nil {
		return layerBuildResult{}, fmt.Errorf("solve layer %s via buildkit: %w", shortID(req.LayerID), err)
	}

	return layerBuildResult{
		summary: "buildkit solve completed",
		metadata: map[string]any{
			"strategy":           "buildkit",
			"image_ref":          req.ImageRef,
			"address":            address,
			"build_executed":     true,
			"solve_completed_at": time.Now().UTC().Format(time.RFC3339),
			"exporter_response":  solveResp.ExporterResponse,
		},
	}, nil
}
