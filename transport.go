package strata

import "context"

////////////////////////////////////////////////////////////////////////////////
// Build service RPC surface (logical shapes, JSON over the transport)
////////////////////////////////////////////////////////////////////////////////

// BuildStatus is the Join status reported by the service. The empty string
// means the job has no status yet, exactly like an explicit "pending".
type BuildStatus string

const (
	BuildStatusPending BuildStatus = "pending"
	BuildStatusSuccess BuildStatus = "success"
	BuildStatusFailure BuildStatus = "failure"
)

func (s BuildStatus) pending() bool {
	return s == "" || s == BuildStatusPending
}

// WireBaseLayer pairs a base alias with its already-resolved layer ID.
type WireBaseLayer struct {
	Alias   string `json:"alias"`
	LayerID string `json:"layer_id"`
}

// WireContextFile carries one context file inline.
type WireContextFile struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

// LayerDefinition is the payload of a GetOrCreate: everything the service
// needs to either dedup against an existing layer (by LocalID) or build it.
type LayerDefinition struct {
	BaseLayers   []WireBaseLayer   `json:"base_layers,omitempty"`
	Commands     [][]byte          `json:"commands,omitempty"`
	ContextFiles []WireContextFile `json:"context_files,omitempty"`
	LocalID      string            `json:"local_id"`
	Local        bool              `json:"local,omitempty"`
}

type LayerGetByTagRequest struct {
	Tag string `json:"tag"`
}

type LayerGetByTagResponse struct {
	LayerID  string `json:"layer_id,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
	Error    string `json:"error,omitempty"`
}

type LayerGetOrCreateRequest struct {
	SessionID  string          `json:"session_id"`
	Layer      LayerDefinition `json:"layer"`
	MustCreate bool            `json:"must_create,omitempty"`
}

type LayerGetOrCreateResponse struct {
	LayerID string `json:"layer_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type LayerJoinRequest struct {
	LayerID        string `json:"layer_id"`
	SessionID      string `json:"session_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type LayerJoinResponse struct {
	Status    BuildStatus `json:"status,omitempty"`
	LayerID   string      `json:"layer_id,omitempty"`
	Exception string      `json:"exception,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type LayerSetTagRequest struct {
	LayerID string `json:"layer_id"`
	Tag     string `json:"tag"`
}

type LayerSetTagResponse struct {
	Error string `json:"error,omitempty"`
}

type EnvDictCreateRequest struct {
	SessionID string            `json:"session_id"`
	EnvDict   map[string]string `json:"env_dict"`
}

type EnvDictCreateResponse struct {
	EnvDictID string `json:"env_dict_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BuildService is the remote build service at its interface boundary. The
// NATS transport implements it for real; tests script it.
type BuildService interface {
	LayerGetByTag(ctx context.Context, req LayerGetByTagRequest) (LayerGetByTagResponse, error)
	LayerGetOrCreate(ctx context.Context, req LayerGetOrCreateRequest) (LayerGetOrCreateResponse, error)
	LayerJoin(ctx context.Context, req LayerJoinRequest) (LayerJoinResponse, error)
	LayerSetTag(ctx context.Context, req LayerSetTagRequest) (LayerSetTagResponse, error)
	EnvDictCreate(ctx context.Context, req EnvDictCreateRequest) (EnvDictCreateResponse, error)
}
