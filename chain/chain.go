package chain

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

// Chain provides the tick height used as the auction clock.
type Chain interface {
	io.Closer

	GetTickHeight() (uint64, error)
}

type clockStruct struct {
	Internal struct {
		TickHeight func(ctx context.Context) (uint64, error)
	}
}

type chain struct {
	api clockStruct

	ctx       context.Context
	finalizer *finalizer.Finalizer
}

// New returns a new Chain talking to the clock endpoint at addr.
func New(addr string) (Chain, error) {
	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	var api clockStruct
	closer, err := jsonrpc.NewClient(ctx, addr, "Clock", &api.Internal, http.Header{})
	if err != nil {
		return nil, fin.Cleanupf("creating json rpc client: %v", err)
	}
	fin.AddFn(closer)

	return &chain{
		api:       api,
		ctx:       ctx,
		finalizer: fin,
	}, nil
}

// Close the client.
func (c *chain) Close() error {
	return c.finalizer.Cleanup(nil)
}

// GetTickHeight returns the current tick height.
func (c *chain) GetTickHeight() (uint64, error) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()
	h, err := c.api.Internal.TickHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting tick height: %v", err)
	}
	return h, nil
}
