package reward

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/finalizer"
)

var requestTimeout = time.Second * 10

// Subject describes the prize a delegate must hand over to a winner.
type Subject struct {
	Kind auction.Subject
	// Ref locates the asset, e.g., a collection address or registrar
	// handle.
	Ref string
	// DomainName is set when Kind is SubjectNamedDomain.
	DomainName string
}

// String returns a short description of the subject.
func (s Subject) String() string {
	if s.Kind == auction.SubjectNamedDomain {
		return fmt.Sprintf("%s %s", s.Kind, s.DomainName)
	}
	return fmt.Sprintf("%s %s", s.Kind, s.Ref)
}

// Delegate performs the asset transfer that represents giving the prize
// to the auction winner. The concrete effect is opaque to the auction
// core; failures must be surfaced so settlement can be retried.
type Delegate interface {
	io.Closer

	// Grant transfers the subject to the winner.
	Grant(ctx context.Context, winner auction.BidderID, subject Subject) error
}

type relayStruct struct {
	Internal struct {
		GrantAsset  func(ctx context.Context, collection, to string) error
		GrantDomain func(ctx context.Context, name, to string) error
	}
}

type relay struct {
	api relayStruct

	finalizer *finalizer.Finalizer
}

// NewRelay returns a Delegate backed by a settlement relay reachable at
// addr over JSON RPC.
func NewRelay(addr string) (Delegate, error) {
	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	var api relayStruct
	closer, err := jsonrpc.NewClient(ctx, addr, "Relay", &api.Internal, http.Header{})
	if err != nil {
		return nil, fin.Cleanupf("creating json rpc client: %v", err)
	}
	fin.AddFn(closer)

	return &relay{
		api:       api,
		finalizer: fin,
	}, nil
}

// Close the relay client.
func (r *relay) Close() error {
	return r.finalizer.Cleanup(nil)
}

// Grant dispatches the transfer matching the subject kind.
func (r *relay) Grant(ctx context.Context, winner auction.BidderID, subject Subject) error {
	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	switch subject.Kind {
	case auction.SubjectAssetCollection:
		if err := r.api.Internal.GrantAsset(rctx, subject.Ref, string(winner)); err != nil {
			return fmt.Errorf("granting asset: %v", err)
		}
	case auction.SubjectNamedDomain:
		if err := r.api.Internal.GrantDomain(rctx, subject.DomainName, string(winner)); err != nil {
			return fmt.Errorf("granting domain: %v", err)
		}
	default:
		return fmt.Errorf("subject %d is reserved", subject.Kind)
	}
	return nil
}
