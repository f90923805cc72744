package strata

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

////////////////////////////////////////////////////////////////////////////////
// Join protocol: long-poll a build job to a terminal status
////////////////////////////////////////////////////////////////////////////////

// awaitBuildJob polls a build job until the service reports a terminal
// status. Two very different retry regimes coexist here:
//
//   - a pending reply is legitimate ongoing remote work and is re-polled
//     immediately, forever, bounded only by ctx;
//   - a transport failure on one poll is retried a bounded number of times
//     with backoff (joinWithRetry), then surfaces as *TransportError.
//
// FAILURE terminates with *RemoteBuildError carrying the remote diagnostic.
// A status this client does not know is version skew: *BuildProtocolError,
// never retried.
func awaitBuildJob(
	ctx context.Context,
	svc BuildService,
	sessionID, layerID string,
	log sourceLogger,
) (string, error) {
	req := LayerJoinRequest{
		LayerID:        layerID,
		SessionID:      sessionID,
		TimeoutSeconds: int(joinLongPollWait.Seconds()),
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := joinWithRetry(ctx, svc, req)
		if err != nil {
			return "", err
		}
		switch {
		case resp.Status.pending():
			log.Debugf("layer %s still building", shortID(layerID))
			continue
		case resp.Status == BuildStatusFailure:
			return "", &RemoteBuildError{LayerID: layerID, Exception: resp.Exception}
		case resp.Status == BuildStatusSuccess:
			finalized := resp.LayerID
			if finalized == "" {
				finalized = layerID
			}
			return finalized, nil
		default:
			return "", &BuildProtocolError{Status: string(resp.Status)}
		}
	}
}

// joinWithRetry issues one business-level poll, absorbing transient transport
// failures with bounded exponential backoff.
func joinWithRetry(
	ctx context.Context,
	svc BuildService,
	req LayerJoinRequest,
) (LayerJoinResponse, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newJoinBackoff(), joinTransportRetries),
		ctx,
	)
	var resp LayerJoinResponse
	err := backoff.Retry(func() error {
		r, callErr := svc.LayerJoin(ctx, req)
		if callErr != nil {
			if isTransientTransportErr(callErr) && ctx.Err() == nil {
				return callErr
			}
			return backoff.Permanent(callErr)
		}
		resp = r
		return nil
	}, policy)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return LayerJoinResponse{}, ctxErr
		}
		return LayerJoinResponse{}, &TransportError{Op: "LayerJoin", Err: err}
	}
	return resp, nil
}

func newJoinBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = joinRetryBackoffFloor
	return b
}
