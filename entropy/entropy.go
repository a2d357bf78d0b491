package entropy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/textileio/candle-auction/finalizer"
)

var requestTimeout = time.Second * 10

// Source supplies pseudo-random integers for candle finalization. A
// value derived from a reference tick is unbiased only for ticks
// strictly after it; callers must let the source's safety delay elapse
// before asking.
type Source interface {
	io.Closer

	// Random returns a pseudo-random integer seeded by ticks strictly
	// after the reference tick.
	Random(ctx context.Context, ref uint64) (uint64, error)
}

type beaconStruct struct {
	Internal struct {
		Randomness func(ctx context.Context, ref uint64) (uint64, error)
	}
}

type beacon struct {
	api beaconStruct

	finalizer *finalizer.Finalizer
}

// NewBeacon returns a Source backed by a randomness beacon reachable at
// addr over JSON RPC.
func NewBeacon(addr string) (Source, error) {
	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	var api beaconStruct
	closer, err := jsonrpc.NewClient(ctx, addr, "Beacon", &api.Internal, http.Header{})
	if err != nil {
		return nil, fin.Cleanupf("creating json rpc client: %v", err)
	}
	fin.AddFn(closer)

	return &beacon{
		api:       api,
		finalizer: fin,
	}, nil
}

// Close the beacon client.
func (b *beacon) Close() error {
	return b.finalizer.Cleanup(nil)
}

// Random returns one beacon value for the round following ref.
func (b *beacon) Random(ctx context.Context, ref uint64) (uint64, error) {
	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	r, err := b.api.Internal.Randomness(rctx, ref)
	if err != nil {
		return 0, fmt.Errorf("getting beacon randomness: %v", err)
	}
	return r, nil
}
