package strata

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

////////////////////////////////////////////////////////////////////////////////
// Resolver: layer graph -> durable remote identifiers
////////////////////////////////////////////////////////////////////////////////

// layerResolution is the in-flight (or settled) outcome for one resolution
// key. Concurrent resolvers of the same layer coalesce on done instead of
// issuing a duplicate remote call.
type layerResolution struct {
	done    chan struct{}
	layerID string
	err     error
}

// Resolver turns Layer values into remote layer IDs under one session. The
// side table keyed by structural identity memoizes successes for the life of
// the resolver, so a base layer shared by several parents costs exactly one
// remote round trip per resolution run.
type Resolver struct {
	session *Session
	log     sourceLogger

	mu       sync.Mutex
	resolved map[string]*layerResolution
}

func NewResolver(session *Session) *Resolver {
	return &Resolver{
		session:  session,
		log:      appLoggerForProcess().Source("resolver"),
		resolved: map[string]*layerResolution{},
	}
}

// Resolve materializes layer and its whole base subgraph, returning the
// durable remote identifier. Idempotent per resolver: repeated calls for the
// same structural identity await or reuse the first resolution. Failures are
// forgotten so a later call can retry.
func (r *Resolver) Resolve(ctx context.Context, layer *Layer) (string, error) {
	key := layer.resolutionKey()

	r.mu.Lock()
	if res, ok := r.resolved[key]; ok {
		r.mu.Unlock()
		select {
		case <-res.done:
			return res.layerID, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	res := &layerResolution{done: make(chan struct{})}
	r.resolved[key] = res
	r.mu.Unlock()

	res.layerID, res.err = r.resolveLayer(ctx, layer)
	close(res.done)

	if res.err != nil {
		r.mu.Lock()
		delete(r.resolved, key)
		r.mu.Unlock()
	}
	return res.layerID, res.err
}

func (r *Resolver) resolveLayer(ctx context.Context, layer *Layer) (string, error) {
	var layerID string
	if layer.tag != "" {
		resp, err := r.session.svc.LayerGetByTag(ctx, LayerGetByTagRequest{Tag: layer.tag})
		if err != nil {
			return "", err
		}
		if resp.NotFound {
			return "", &TagNotFoundError{Tag: layer.tag}
		}
		if resp.Error != "" {
			return "", fmt.Errorf("get layer by tag %q: %s", layer.tag, resp.Error)
		}
		layerID = resp.LayerID
	} else {
		def, err := r.buildDefinition(ctx, layer)
		if err != nil {
			return "", err
		}
		resp, err := r.session.svc.LayerGetOrCreate(ctx, LayerGetOrCreateRequest{
			SessionID:  r.session.id,
			Layer:      def,
			MustCreate: layer.mustCreate,
		})
		if err != nil {
			return "", err
		}
		if resp.Error != "" {
			return "", fmt.Errorf("get or create layer %s: %s", shortID(layer.localID), resp.Error)
		}
		layerID = resp.LayerID
	}

	r.log.Debugf("waiting for layer %s", shortID(layerID))
	return awaitBuildJob(ctx, r.session.svc, r.session.id, layerID, r.log)
}

// buildDefinition fans out over the base refs — siblings have no data
// dependency, so they resolve concurrently and the first failure aborts the
// rest — then assembles the wire payload.
func (r *Resolver) buildDefinition(ctx context.Context, layer *Layer) (LayerDefinition, error) {
	baseIDs := make([]string, len(layer.baseLayers))
	g, groupCtx := errgroup.WithContext(ctx)
	for i, ref := range layer.baseLayers {
		g.Go(func() error {
			id, err := r.Resolve(groupCtx, ref.Layer)
			if err != nil {
				return err
			}
			baseIDs[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return LayerDefinition{}, err
	}

	wireBases := make([]WireBaseLayer, len(layer.baseLayers))
	for i, ref := range layer.baseLayers {
		wireBases[i] = WireBaseLayer{Alias: ref.Alias, LayerID: baseIDs[i]}
	}
	wireFiles := make([]WireContextFile, 0, len(layer.contextFiles))
	for _, name := range sortedKeys(layer.contextFiles) {
		wireFiles = append(wireFiles, WireContextFile{Filename: name, Data: layer.contextFiles[name]})
	}
	return LayerDefinition{
		BaseLayers:   wireBases,
		Commands:     layer.commands,
		ContextFiles: wireFiles,
		LocalID:      layer.localID,
		Local:        layer.local,
	}, nil
}

// ResolvedID reports the identifier a layer resolved to in this resolver,
// if it has.
func (r *Resolver) ResolvedID(layer *Layer) (string, bool) {
	r.mu.Lock()
	res, ok := r.resolved[layer.resolutionKey()]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	select {
	case <-res.done:
	default:
		return "", false
	}
	if res.err != nil {
		return "", false
	}
	return res.layerID, true
}

// SetTag publishes a tag for a layer already resolved in this resolver.
func (r *Resolver) SetTag(ctx context.Context, layer *Layer, tag string) error {
	layerID, ok := r.ResolvedID(layer)
	if !ok {
		return errLayerNotResolved
	}
	resp, err := r.session.svc.LayerSetTag(ctx, LayerSetTagRequest{LayerID: layerID, Tag: tag})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("set tag %q on layer %s: %s", tag, shortID(layerID), resp.Error)
	}
	return nil
}

// ResolveEnvDict creates the env dict remotely. Single round trip, no
// polling, no recursion.
func (r *Resolver) ResolveEnvDict(ctx context.Context, d *EnvDict) (string, error) {
	resp, err := r.session.svc.EnvDictCreate(ctx, EnvDictCreateRequest{
		SessionID: r.session.id,
		EnvDict:   d.vars,
	})
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("create env dict: %s", resp.Error)
	}
	return resp.EnvDictID, nil
}
