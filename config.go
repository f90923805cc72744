package strata

import (
	"os"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Subjects (layer RPC surface) + KV buckets + limits
////////////////////////////////////////////////////////////////////////////////

const (
	// RPC subjects served by buildd and called by the SDK transport.
	subjectLayerGetByTag    = "strata.rpc.layer.getbytag"
	subjectLayerGetOrCreate = "strata.rpc.layer.getorcreate"
	subjectLayerJoin        = "strata.rpc.layer.join"
	subjectLayerSetTag      = "strata.rpc.layer.settag"
	subjectEnvDictCreate    = "strata.rpc.envdict.create"

	// KV buckets.
	kvBucketLayers   = "strata_layers"
	kvBucketEnvDicts = "strata_envdicts"

	// Key prefixes inside the buckets.
	kvLayerKeyPrefix   = "layer/"
	kvLocalIDKeyPrefix = "localid/"
	kvTagKeyPrefix     = "tag/"
	kvEnvDictKeyPrefix = "envdict/"

	// Per-call deadline for unary RPCs (GetByTag, GetOrCreate, SetTag,
	// EnvDictCreate). Bounds transport reliability, not remote work.
	rpcCallWait = 10 * time.Second

	// Ceiling the service holds a Join reply open before answering "pending".
	joinLongPollWait = 30 * time.Second

	// Per-call deadline for a single Join request. Must exceed the long-poll
	// ceiling or every well-behaved poll would look like a transport timeout.
	joinCallWait = joinLongPollWait + 5*time.Second

	// Bounded transport retries around one Join request. PENDING retries are
	// unbounded and handled above this layer.
	joinTransportRetries  = 4
	joinRetryBackoffFloor = 250 * time.Millisecond

	// Where buildd materializes layer build contexts.
	defaultContextsRoot = "./data/contexts"

	// Environment surface.
	imageLocalIDEnv  = "STRATA_IMAGE_LOCAL_ID"
	pythonVersionEnv = "STRATA_IMAGE_PYTHON_VERSION"
	natsURLEnv       = "STRATA_NATS_URL"

	defaultPythonVersion = "3.11"

	defaultKVLayerHistory   = 5
	defaultKVEnvDictHistory = 1
	defaultStartupWait      = 10 * time.Second

	tunnelReadyWait      = 15 * time.Second
	tunnelReadyProbeStep = 100 * time.Millisecond

	fileModePrivate    os.FileMode = 0o600
	dirModePrivateRead os.FileMode = 0o750

	shortIDLength = 12

	// Context files travel inline in the GetOrCreate payload.
	maxContextFileSize = 1 << 20
)

func envOr(name, fallback string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return v
}
