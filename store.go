package strata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Persistence: layer records, dedup index, tags, env dicts in KV (JSON)
////////////////////////////////////////////////////////////////////////////////

var (
	errStoreNotFound = errors.New("not found in store")
	errStoreConflict = errors.New("conflict in store")
)

// LayerRecord is the durable server-side state of one layer: its definition,
// its build status and, on failure, the diagnostic handed back over Join.
type LayerRecord struct {
	ID         string          `json:"id"`
	LocalID    string          `json:"local_id"`
	Definition LayerDefinition `json:"definition"`
	Status     BuildStatus     `json:"status"`
	Exception  string          `json:"exception,omitempty"`
	ImageRef   string          `json:"image_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	BuildSummary  string         `json:"build_summary,omitempty"`
	BuildMetadata map[string]any `json:"build_metadata,omitempty"`
}

// buildOutcome is the terminal result persisted onto a layer record.
type buildOutcome struct {
	Status    BuildStatus
	Exception string
	ImageRef  string
	Summary   string
	Metadata  map[string]any
}

type envDictRecord struct {
	ID        string            `json:"id"`
	Vars      map[string]string `json:"vars"`
	CreatedAt time.Time         `json:"created_at"`
}

type layerIDRef struct {
	LayerID string `json:"layer_id"`
}

// Store keeps all durable buildd state in JetStream KV. Layer records live
// under layer/<id>; the dedup index maps a digest of the localID (raw
// localIDs contain characters KV keys reject) to a layer ID; tags map
// tag/<tag> to a layer ID.
type Store struct {
	kvLayers   jetstream.KeyValue
	kvEnvDicts jetstream.KeyValue
}

func newStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	var layersKV jetstream.KeyValue
	err := ensureKVBucket(ctx, js, kvBucketLayers, defaultKVLayerHistory, &layersKV)
	if err != nil {
		return nil, err
	}
	var envDictsKV jetstream.KeyValue
	err = ensureKVBucket(ctx, js, kvBucketEnvDicts, defaultKVEnvDictHistory, &envDictsKV)
	if err != nil {
		return nil, err
	}
	return &Store{
		kvLayers:   layersKV,
		kvEnvDicts: envDictsKV,
	}, nil
}

func localIDIndexKey(localID string) string {
	return kvLocalIDKeyPrefix + ContentDigest([]byte(localID))
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, key, b)
	return err
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return errStoreNotFound
		}
		return err
	}
	return json.Unmarshal(entry.Value(), v)
}

func (s *Store) PutLayer(ctx context.Context, rec LayerRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return putJSON(ctx, s.kvLayers, kvLayerKeyPrefix+rec.ID, rec)
}

func (s *Store) GetLayer(ctx context.Context, layerID string) (LayerRecord, error) {
	var rec LayerRecord
	if err := getJSON(ctx, s.kvLayers, kvLayerKeyPrefix+layerID, &rec); err != nil {
		return LayerRecord{}, err
	}
	return rec, nil
}

// SettleLayer moves a record to a terminal status and persists the build
// outcome alongside it.
func (s *Store) SettleLayer(ctx context.Context, layerID string, out buildOutcome) error {
	rec, err := s.GetLayer(ctx, layerID)
	if err != nil {
		return err
	}
	rec.Status = out.Status
	rec.Exception = out.Exception
	rec.ImageRef = out.ImageRef
	rec.BuildSummary = out.Summary
	rec.BuildMetadata = out.Metadata
	return s.PutLayer(ctx, rec)
}

// DeleteLayer drops a record, e.g. one that lost a dedup claim race.
func (s *Store) DeleteLayer(ctx context.Context, layerID string) error {
	return s.kvLayers.Delete(ctx, kvLayerKeyPrefix+layerID)
}

// ClaimLocalID claims localID -> layerID for dedup lookups. The KV create is
// the atomicity point: concurrent creators race here, and the loser gets
// errStoreConflict instead of silently shadowing the winner's entry.
func (s *Store) ClaimLocalID(ctx context.Context, localID, layerID string) error {
	payload, err := json.Marshal(layerIDRef{LayerID: layerID})
	if err != nil {
		return err
	}
	_, err = s.kvLayers.Create(ctx, localIDIndexKey(localID), payload)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return errStoreConflict
	}
	return err
}

// RepointLocalID overwrites the dedup index entry for localID. Forced
// creation uses it so later lookups land on the newest layer.
func (s *Store) RepointLocalID(ctx context.Context, localID, layerID string) error {
	return putJSON(ctx, s.kvLayers, localIDIndexKey(localID), layerIDRef{LayerID: layerID})
}

// LookupLocalID returns the layer already created for localID, if any.
func (s *Store) LookupLocalID(ctx context.Context, localID string) (string, error) {
	var ref layerIDRef
	if err := getJSON(ctx, s.kvLayers, localIDIndexKey(localID), &ref); err != nil {
		return "", err
	}
	return ref.LayerID, nil
}

func (s *Store) PutTag(ctx context.Context, tag, layerID string) error {
	if !layerTagRe.MatchString(tag) {
		return fmt.Errorf("invalid tag %q", tag)
	}
	return putJSON(ctx, s.kvLayers, kvTagKeyPrefix+tag, layerIDRef{LayerID: layerID})
}

func (s *Store) LookupTag(ctx context.Context, tag string) (string, error) {
	var ref layerIDRef
	if err := getJSON(ctx, s.kvLayers, kvTagKeyPrefix+tag, &ref); err != nil {
		return "", err
	}
	return ref.LayerID, nil
}

func (s *Store) PutEnvDict(ctx context.Context, vars map[string]string) (string, error) {
	rec := envDictRecord{
		ID:        newID(),
		Vars:      vars,
		CreatedAt: time.Now().UTC(),
	}
	if err := putJSON(ctx, s.kvEnvDicts, kvEnvDictKeyPrefix+rec.ID, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *Store) GetEnvDict(ctx context.Context, envDictID string) (map[string]string, error) {
	var rec envDictRecord
	if err := getJSON(ctx, s.kvEnvDicts, kvEnvDictKeyPrefix+envDictID, &rec); err != nil {
		return nil, err
	}
	return rec.Vars, nil
}
