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
// NATS request/reply transport for the build service
////////////////////////////////////////////////////////////////////////////////

// natsBuildService speaks the strata.rpc.* subjects over core NATS
// request/reply. Each call carries its own short deadline; Join alone gets a
// deadline wide enough to outlive the service-side long poll.
type natsBuildService struct {
	nc *nats.Conn
}

// NewNATSBuildService wraps an established connection. The caller owns the
// connection lifecycle.
func NewNATSBuildService(nc *nats.Conn) BuildService {
	return &natsBuildService{nc: nc}
}

func requestJSON[Req any, Resp any](
	ctx context.Context,
	nc *nats.Conn,
	subject string,
	wait time.Duration,
	req Req,
	resp *Resp,
) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", subject, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msg, err := nc.RequestWithContext(callCtx, subject, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", subject, err)
	}
	return nil
}

func (s *natsBuildService) LayerGetByTag(
	ctx context.Context,
	req LayerGetByTagRequest,
) (LayerGetByTagResponse, error) {
	var resp LayerGetByTagResponse
	err := requestJSON(ctx, s.nc, subjectLayerGetByTag, rpcCallWait, req, &resp)
	return resp, err
}

func (s *natsBuildService) LayerGetOrCreate(
	ctx context.Context,
	req LayerGetOrCreateRequest,
) (LayerGetOrCreateResponse, error) {
	var resp LayerGetOrCreateResponse
	err := requestJSON(ctx, s.nc, subjectLayerGetOrCreate, rpcCallWait, req, &resp)
	return resp, err
}

func (s *natsBuildService) LayerJoin(
	ctx context.Context,
	req LayerJoinRequest,
) (LayerJoinResponse, error) {
	var resp LayerJoinResponse
	err := requestJSON(ctx, s.nc, subjectLayerJoin, joinCallWait, req, &resp)
	return resp, err
}

func (s *natsBuildService) LayerSetTag(
	ctx context.Context,
	req LayerSetTagRequest,
) (LayerSetTagResponse, error) {
	var resp LayerSetTagResponse
	err := requestJSON(ctx, s.nc, subjectLayerSetTag, rpcCallWait, req, &resp)
	return resp, err
}

func (s *natsBuildService) EnvDictCreate(
	ctx context.Context,
	req EnvDictCreateRequest,
) (EnvDictCreateResponse, error) {
	var resp EnvDictCreateResponse
	err := requestJSON(ctx, s.nc, subjectEnvDictCreate, rpcCallWait, req, &resp)
	return resp, err
}

// isTransientTransportErr classifies failures eligible for the bounded retry
// policy. Everything else is permanent and surfaces immediately.
func isTransientTransportErr(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, context.DeadlineExceeded)
}
