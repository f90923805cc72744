//nolint:testpackage,exhaustruct // End-to-end fixtures reach unexported wiring and favor partial structs.
package strata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type builddFixture struct {
	nc     *nats.Conn
	store  *Store
	buildd *Buildd
	svc    BuildService
	close  func()
}

func newBuilddFixture(t *testing.T) *builddFixture {
	t.Helper()

	ns, natsURL, nsDir, err := startEmbeddedNATS()
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	teardownServer := func() {
		ns.Shutdown()
		ns.WaitForShutdown()
		_ = os.RemoveAll(nsDir)
	}

	nc, err := nats.Connect(natsURL, nats.Name("buildd-test"))
	if err != nil {
		teardownServer()
		t.Fatalf("connect nats: %v", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		_ = nc.Drain()
		teardownServer()
		t.Fatalf("jetstream setup: %v", err)
	}
	store, err := newStore(context.Background(), js)
	if err != nil {
		_ = nc.Drain()
		teardownServer()
		t.Fatalf("store setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	buildd := NewBuildd(nc, store, NewFSContexts(t.TempDir()))
	if err := buildd.Start(ctx); err != nil {
		cancel()
		_ = nc.Drain()
		teardownServer()
		t.Fatalf("start buildd: %v", err)
	}

	return &builddFixture{
		nc:     nc,
		store:  store,
		buildd: buildd,
		svc:    NewNATSBuildService(nc),
		close: func() {
			buildd.Stop()
			cancel()
			_ = nc.Drain()
			teardownServer()
		},
	}
}

func TestBuildd_EndToEndResolve(t *testing.T) {
	fx := newBuilddFixture(t)
	defer fx.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	baseTag := fmt.Sprintf("python-%s-slim-buster-base", defaultPythonVersion)
	if _, err := fx.buildd.SeedPublishedTag(ctx, baseTag); err != nil {
		t.Fatalf("seed tag: %v", err)
	}

	slim, err := NewDebianSlim(defaultPythonVersion)
	if err != nil {
		t.Fatalf("debian slim: %v", err)
	}
	layer, err := slim.RunCommands([]string{"apt-get update"})
	if err != nil {
		t.Fatalf("run commands: %v", err)
	}

	r := NewResolver(NewSession(fx.svc))
	layerID, err := r.Resolve(ctx, layer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if layerID == "" {
		t.Fatal("empty layer id")
	}

	rec, err := fx.store.GetLayer(ctx, layerID)
	if err != nil {
		t.Fatalf("read back layer record: %v", err)
	}
	if rec.Status != BuildStatusSuccess {
		t.Fatalf("layer not built: status=%q exception=%q", rec.Status, rec.Exception)
	}
	if rec.LocalID != layer.LocalID() {
		t.Fatal("service stored a different structural identity")
	}
	if rec.ImageRef != imageRefForLayer(layerID) {
		t.Fatalf("built layer carries image ref %q, want %q", rec.ImageRef, imageRefForLayer(layerID))
	}
	if rec.BuildSummary == "" {
		t.Fatal("built layer lost the backend's build summary")
	}
	if _, err := os.Stat(fx.buildd.contexts.LayerDir(layerID)); !os.IsNotExist(err) {
		t.Fatalf("materialized context survived a successful build: %v", err)
	}
}

func TestBuildd_DedupAcrossResolvers(t *testing.T) {
	fx := newBuilddFixture(t)
	defer fx.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	build := func() *Layer {
		return MustLayer(LayerConfig{
			Commands: []Command{TextCommand("RUN echo deduped")},
			ContextFiles: map[string][]byte{
				"marker.txt": []byte("same bytes"),
			},
		})
	}

	// Independent resolvers, independent layer instances, identical
	// derivation: the service must hand back the same layer.
	first, err := NewResolver(NewSession(fx.svc)).Resolve(ctx, build())
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := NewResolver(NewSession(fx.svc)).Resolve(ctx, build())
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("dedup miss: %s vs %s", first, second)
	}

	// mustCreate bypasses the dedup index.
	forced := MustLayer(LayerConfig{
		Commands: []Command{TextCommand("RUN echo deduped")},
		ContextFiles: map[string][]byte{
			"marker.txt": []byte("same bytes"),
		},
		MustCreate: true,
	})
	third, err := NewResolver(NewSession(fx.svc)).Resolve(ctx, forced)
	if err != nil {
		t.Fatalf("forced resolve: %v", err)
	}
	if third == first {
		t.Fatal("must_create layer was deduped")
	}
}

func TestBuildd_RenderFailureSurfacesAsBuildError(t *testing.T) {
	fx := newBuilddFixture(t)
	defer fx.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	broken := MustLayer(LayerConfig{
		Commands: []Command{TextCommand("FROM missingalias")},
	})
	_, err := NewResolver(NewSession(fx.svc)).Resolve(ctx, broken)
	var buildErr *RemoteBuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected RemoteBuildError, got %v", err)
	}
	if !strings.Contains(buildErr.Exception, "unknown base") {
		t.Fatalf("diagnostic lost: %q", buildErr.Exception)
	}
}

func TestBuildd_SetTagThenGetByTag(t *testing.T) {
	fx := newBuilddFixture(t)
	defer fx.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	layer := MustLayer(LayerConfig{
		Commands: []Command{TextCommand("RUN echo tagged")},
	})
	r := NewResolver(NewSession(fx.svc))
	layerID, err := r.Resolve(ctx, layer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := r.SetTag(ctx, layer, "release-v1"); err != nil {
		t.Fatalf("set tag: %v", err)
	}

	tagged := MustLayer(LayerConfig{Tag: "release-v1"})
	got, err := NewResolver(NewSession(fx.svc)).Resolve(ctx, tagged)
	if err != nil {
		t.Fatalf("resolve by tag: %v", err)
	}
	if got != layerID {
		t.Fatalf("tag lookup returned %s, want %s", got, layerID)
	}
}

func TestBuildd_EnvDictRoundTrip(t *testing.T) {
	fx := newBuilddFixture(t)
	defer fx.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r := NewResolver(NewSession(fx.svc))
	id, err := r.ResolveEnvDict(ctx, NewEnvDict(map[string]string{"APP_ENV": "test"}))
	if err != nil {
		t.Fatalf("resolve env dict: %v", err)
	}
	vars, err := fx.store.GetEnvDict(ctx, id)
	if err != nil {
		t.Fatalf("read back env dict: %v", err)
	}
	if vars["APP_ENV"] != "test" {
		t.Fatalf("env dict lost content: %v", vars)
	}
}

func TestStore_LocalIDClaimIsExclusive(t *testing.T) {
	fx := newBuilddFixture(t)
	defer fx.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	localID := "c:" + ContentDigest([]byte("claim probe"))
	if err := fx.store.ClaimLocalID(ctx, localID, "layer-one"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := fx.store.ClaimLocalID(ctx, localID, "layer-two"); !errors.Is(err, errStoreConflict) {
		t.Fatalf("second claim returned %v, want conflict", err)
	}
	got, err := fx.store.LookupLocalID(ctx, localID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != "layer-one" {
		t.Fatalf("index points at %s after lost claim, want layer-one", got)
	}

	// Forced creation is allowed to re-point the index.
	if err := fx.store.RepointLocalID(ctx, localID, "layer-three"); err != nil {
		t.Fatalf("repoint: %v", err)
	}
	if got, err = fx.store.LookupLocalID(ctx, localID); err != nil || got != "layer-three" {
		t.Fatalf("lookup after repoint: %s, %v", got, err)
	}
}

func TestBuildd_ConcurrentGetOrCreateConverges(t *testing.T) {
	fx := newBuilddFixture(t)
	defer fx.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	layer, err := NewLayer(LayerConfig{Commands: []Command{TextCommand("FROM scratch")}})
	if err != nil {
		t.Fatalf("layer: %v", err)
	}
	req := LayerGetOrCreateRequest{
		SessionID: "concurrent-session",
		Layer: LayerDefinition{
			Commands: [][]byte{[]byte("FROM scratch")},
			LocalID:  layer.LocalID(),
		},
	}

	const callers = 4
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			resp, callErr := fx.svc.LayerGetOrCreate(ctx, req)
			if callErr != nil || resp.Error != "" {
				t.Errorf("get-or-create %d: %v %q", slot, callErr, resp.Error)
				return
			}
			ids[slot] = resp.LayerID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent creators diverged: %v", ids)
		}
	}
	if got, err := fx.store.LookupLocalID(ctx, layer.LocalID()); err != nil || got != ids[0] {
		t.Fatalf("index lookup after concurrent create: %s, %v", got, err)
	}
}
