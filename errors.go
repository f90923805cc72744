package strata

import (
	"errors"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// Error taxonomy: construction, lookup, remote build, transport, protocol
////////////////////////////////////////////////////////////////////////////////

var (
	// errLayerNotResolved is returned by operations that require a layer to
	// already hold a remote identifier in the calling resolver (SetTag).
	errLayerNotResolved = errors.New("layer has not been resolved")
)

// RemoteBuildError is the terminal outcome of a build job that reached
// FAILURE. It carries the remote diagnostic verbatim and is never retried.
type RemoteBuildError struct {
	LayerID   string
	Exception string
}

func (e *RemoteBuildError) Error() string {
	return fmt.Sprintf("remote build of layer %s failed: %s", shortID(e.LayerID), e.Exception)
}

// TagNotFoundError reports a GetByTag miss. Tag lookups never create, so a
// missing tag is a resolution failure, not a retry condition.
type TagNotFoundError struct {
	Tag string
}

func (e *TagNotFoundError) Error() string {
	return fmt.Sprintf("no layer published under tag %q", e.Tag)
}

// TransportError wraps a transport failure that survived the bounded retry
// policy. Distinct from RemoteBuildError: the build outcome is unknown.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure in %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BuildProtocolError reports a Join status this client does not know,
// indicating version skew between client and service. Fatal, never retried.
type BuildProtocolError struct {
	Status string
}

func (e *BuildProtocolError) Error() string {
	return fmt.Sprintf("unknown build status %q from service", e.Status)
}
