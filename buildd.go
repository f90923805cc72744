package strata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

////////////////////////////////////////////////////////////////////////////////
// buildd: reference build service behind the strata.rpc.* subjects
////////////////////////////////////////////////////////////////////////////////

// Buildd serves the five layer RPCs: tag lookup, get-or-create with localID
// dedup, long-poll join, tag publication and env-dict creation. Build jobs
// run asynchronously; Join requests park on the waiter hub until the job
// settles or the long-poll ceiling passes.
type Buildd struct {
	nc       *nats.Conn
	store    *Store
	contexts ContextStore
	waiters  *jobWaiterHub
	backend  buildBackend
	log      sourceLogger

	ctx  context.Context
	subs []*nats.Subscription
}

func NewBuildd(nc *nats.Conn, store *Store, contexts ContextStore) *Buildd {
	return &Buildd{
		nc:       nc,
		store:    store,
		contexts: contexts,
		waiters:  newJobWaiterHub(),
		backend:  newBuildBackend(),
		log:      appLoggerForProcess().Source("buildd"),
	}
}

// Start subscribes the RPC subjects. ctx bounds every build job and every
// parked join; Stop (or ctx cancellation plus Stop) tears the surface down.
func (b *Buildd) Start(ctx context.Context) error {
	b.ctx = ctx
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{subjectLayerGetByTag, b.handleGetByTag},
		{subjectLayerGetOrCreate, b.handleGetOrCreate},
		{subjectLayerJoin, b.handleJoin},
		{subjectLayerSetTag, b.handleSetTag},
		{subjectEnvDictCreate, b.handleEnvDictCreate},
	}
	for _, h := range handlers {
		sub, err := b.nc.Subscribe(h.subject, h.handler)
		if err != nil {
			b.Stop()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	if err := b.nc.Flush(); err != nil {
		b.Stop()
		return err
	}
	b.log.Infof("serving layer RPCs backend=%s", b.backend.name())
	return nil
}

func (b *Buildd) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warnf("unsubscribe %s: %v", sub.Subject, err)
		}
	}
	b.subs = nil
}

func (b *Buildd) respond(m *nats.Msg, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Errorf("encode reply on %s: %v", m.Subject, err)
		return
	}
	if err := m.Respond(payload); err != nil {
		b.log.Warnf("respond on %s: %v", m.Subject, err)
	}
}

func (b *Buildd) handleGetByTag(m *nats.Msg) {
	var req LayerGetByTagRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		b.respond(m, LayerGetByTagResponse{Error: "malformed request"})
		return
	}
	layerID, err := b.store.LookupTag(b.ctx, req.Tag)
	if err != nil {
		if errors.Is(err, errStoreNotFound) {
			b.respond(m, LayerGetByTagResponse{NotFound: true})
			return
		}
		b.respond(m, LayerGetByTagResponse{Error: err.Error()})
		return
	}
	b.respond(m, LayerGetByTagResponse{LayerID: layerID})
}

func (b *Buildd) handleGetOrCreate(m *nats.Msg) {
	var req LayerGetOrCreateRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		b.respond(m, LayerGetOrCreateResponse{Error: "malformed request"})
		return
	}
	if req.Layer.LocalID == "" {
		b.respond(m, LayerGetOrCreateResponse{Error: "layer definition without local_id"})
		return
	}

	// Dedup is keyed by the structural identity unless creation is forced.
	if !req.MustCreate {
		existing, err := b.store.LookupLocalID(b.ctx, req.Layer.LocalID)
		if err == nil {
			b.log.Debugf("dedup hit local_id=%s layer=%s", shortID(req.Layer.LocalID), shortID(existing))
			b.respond(m, LayerGetOrCreateResponse{LayerID: existing})
			return
		}
		if !errors.Is(err, errStoreNotFound) {
			b.respond(m, LayerGetOrCreateResponse{Error: err.Error()})
			return
		}
	}

	rec := LayerRecord{
		ID:         newID(),
		LocalID:    req.Layer.LocalID,
		Definition: req.Layer,
		Status:     BuildStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	for _, file := range req.Layer.ContextFiles {
		if _, err := b.contexts.WriteFile(rec.ID, file.Filename, file.Data); err != nil {
			b.respond(m, LayerGetOrCreateResponse{Error: fmt.Sprintf("write context file %s: %v", file.Filename, err)})
			return
		}
	}
	if err := b.store.PutLayer(b.ctx, rec); err != nil {
		b.respond(m, LayerGetOrCreateResponse{Error: err.Error()})
		return
	}
	if req.MustCreate {
		if err := b.store.RepointLocalID(b.ctx, rec.LocalID, rec.ID); err != nil {
			b.respond(m, LayerGetOrCreateResponse{Error: err.Error()})
			return
		}
	} else if err := b.store.ClaimLocalID(b.ctx, rec.LocalID, rec.ID); err != nil {
		if !errors.Is(err, errStoreConflict) {
			b.respond(m, LayerGetOrCreateResponse{Error: err.Error()})
			return
		}
		// Lost the claim race to a concurrent creator with the same
		// structural identity: discard this record and hand back the winner.
		existing, lookupErr := b.store.LookupLocalID(b.ctx, req.Layer.LocalID)
		if lookupErr != nil {
			b.respond(m, LayerGetOrCreateResponse{Error: lookupErr.Error()})
			return
		}
		if err := b.store.DeleteLayer(b.ctx, rec.ID); err != nil {
			b.log.Warnf("drop losing layer %s: %v", shortID(rec.ID), err)
		}
		if err := b.contexts.RemoveLayer(rec.ID); err != nil {
			b.log.Warnf("drop losing context %s: %v", shortID(rec.ID), err)
		}
		b.log.Debugf("dedup race lost local_id=%s layer=%s", shortID(req.Layer.LocalID), shortID(existing))
		b.respond(m, LayerGetOrCreateResponse{LayerID: existing})
		return
	}

	b.log.Infof("building layer %s session=%s", shortID(rec.ID), shortID(req.SessionID))
	go b.runBuildJob(rec)
	b.respond(m, LayerGetOrCreateResponse{LayerID: rec.ID})
}

// handleJoin parks on the waiter hub, so it must not block the subscription's
// dispatch goroutine: other polls (and the build result delivery itself) ride
// the same connection.
func (b *Buildd) handleJoin(m *nats.Msg) {
	go b.answerJoin(m)
}

func (b *Buildd) answerJoin(m *nats.Msg) {
	var req LayerJoinRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		b.respond(m, LayerJoinResponse{Error: "malformed request"})
		return
	}

	// Park before re-reading the record: a job settling between the read and
	// the park would otherwise leave this poll hanging a full ceiling.
	ch := b.waiters.register(req.LayerID)
	defer b.waiters.unregister(req.LayerID, ch)

	rec, err := b.store.GetLayer(b.ctx, req.LayerID)
	if err != nil {
		if errors.Is(err, errStoreNotFound) {
			b.respond(m, LayerJoinResponse{Error: fmt.Sprintf("unknown layer %s", req.LayerID)})
			return
		}
		b.respond(m, LayerJoinResponse{Error: err.Error()})
		return
	}
	if !rec.Status.pending() {
		b.respond(m, LayerJoinResponse{Status: rec.Status, LayerID: rec.ID, Exception: rec.Exception})
		return
	}

	ceiling := joinLongPollWait
	if req.TimeoutSeconds > 0 {
		asked := time.Duration(req.TimeoutSeconds) * time.Second
		if asked < ceiling {
			ceiling = asked
		}
	}
	select {
	case res := <-ch:
		b.respond(m, LayerJoinResponse{Status: res.Status, LayerID: res.LayerID, Exception: res.Exception})
	case <-time.After(ceiling):
		b.respond(m, LayerJoinResponse{Status: BuildStatusPending})
	case <-b.ctx.Done():
		b.respond(m, LayerJoinResponse{Error: "service shutting down"})
	}
}

func (b *Buildd) handleSetTag(m *nats.Msg) {
	var req LayerSetTagRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		b.respond(m, LayerSetTagResponse{Error: "malformed request"})
		return
	}
	if _, err := b.store.GetLayer(b.ctx, req.LayerID); err != nil {
		if errors.Is(err, errStoreNotFound) {
			b.respond(m, LayerSetTagResponse{Error: fmt.Sprintf("unknown layer %s", req.LayerID)})
			return
		}
		b.respond(m, LayerSetTagResponse{Error: err.Error()})
		return
	}
	if err := b.store.PutTag(b.ctx, req.Tag, req.LayerID); err != nil {
		b.respond(m, LayerSetTagResponse{Error: err.Error()})
		return
	}
	b.respond(m, LayerSetTagResponse{})
}

func (b *Buildd) handleEnvDictCreate(m *nats.Msg) {
	var req EnvDictCreateRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		b.respond(m, EnvDictCreateResponse{Error: "malformed request"})
		return
	}
	envDictID, err := b.store.PutEnvDict(b.ctx, req.EnvDict)
	if err != nil {
		b.respond(m, EnvDictCreateResponse{Error: err.Error()})
		return
	}
	b.respond(m, EnvDictCreateResponse{EnvDictID: envDictID})
}

// runBuildJob renders and builds one layer, persists the terminal status with
// the backend's outcome and wakes every parked join. Render failures are
// terminal build failures whose text becomes the Join diagnostic.
func (b *Buildd) runBuildJob(rec LayerRecord) {
	imageRef := imageRefForLayer(rec.ID)
	outcome := buildOutcome{Status: BuildStatusSuccess}

	if files, err := b.contexts.ListFiles(rec.ID); err == nil && len(files) > 0 {
		b.log.Debugf("layer %s context files=%d", shortID(rec.ID), len(files))
	}

	var res layerBuildResult
	dockerfile, err := renderDockerfile(rec.Definition)
	if err == nil {
		res, err = b.backend.build(b.ctx, layerBuildRequest{
			LayerID:        rec.ID,
			ImageRef:       imageRef,
			ContextDir:     b.contexts.LayerDir(rec.ID),
			DockerfileBody: dockerfile,
		})
	}
	if err != nil {
		outcome.Status = BuildStatusFailure
		outcome.Exception = err.Error()
		b.log.Errorf("layer %s failed: %v", shortID(rec.ID), err)
	} else {
		outcome.ImageRef = imageRef
		outcome.Summary = res.summary
		outcome.Metadata = res.metadata
		b.log.Infof("layer %s built as %s", shortID(rec.ID), imageRef)
	}

	if err := b.store.SettleLayer(b.ctx, rec.ID, outcome); err != nil {
		b.log.Errorf("persist outcome for layer %s: %v", shortID(rec.ID), err)
	}
	if outcome.Status == BuildStatusSuccess {
		// Failed contexts stay on disk so the Dockerfile inputs can be
		// inspected; successful ones are no longer needed.
		if err := b.contexts.RemoveLayer(rec.ID); err != nil {
			b.log.Warnf("remove context for layer %s: %v", shortID(rec.ID), err)
		}
	}
	b.waiters.deliver(jobResult{LayerID: rec.ID, Status: outcome.Status, Exception: outcome.Exception})
}

// SeedPublishedTag registers tag as an already-built layer, the way a real
// deployment pre-publishes its base catalog.
func (b *Buildd) SeedPublishedTag(ctx context.Context, tag string) (string, error) {
	if existing, err := b.store.LookupTag(ctx, tag); err == nil {
		return existing, nil
	} else if !errors.Is(err, errStoreNotFound) {
		return "", err
	}
	rec := LayerRecord{
		ID:        newID(),
		Status:    BuildStatusSuccess,
		ImageRef:  tag,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.PutLayer(ctx, rec); err != nil {
		return "", err
	}
	if err := b.store.PutTag(ctx, tag, rec.ID); err != nil {
		return "", err
	}
	return rec.ID, nil
}
