package source

import (
	"context"
	"encoding/json"
)

// Accept hands one observation from an adapter to the runtime. The runtime
// buffers it durably and raises the corresponding event; an error means the
// observation was not accepted and the adapter should treat the attempt as
// failed.
type Accept func(ctx context.Context, sourceName string, body json.RawMessage) error

// Adapter is a running source. Adapters are isolated from each other: one
// failing or panicking adapter never disturbs the rest.
type Adapter interface {
	Name() string
	Kind() Kind
	// Start launches the adapter's work and returns immediately. The
	// adapter stops when ctx is cancelled or Stop is called.
	Start(ctx context.Context) error
	// Stop halts the adapter and waits for its goroutines to exit.
	Stop()
}
