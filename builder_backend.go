package strata

import "context"

////////////////////////////////////////////////////////////////////////////////
// Pluggable image build backend
////////////////////////////////////////////////////////////////////////////////

type layerBuildRequest struct {
	LayerID        string
	ImageRef       string
	ContextDir     string
	DockerfileBody []byte
}

type layerBuildResult struct {
	summary  string
	metadata map[string]any
}

type buildBackend interface {
	name() string
	build(ctx context.Context, req layerBuildRequest) (layerBuildResult, error)
}

func ensureContextAlive(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
