package session

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/arcgis-community/portal-session/instrumentation"
)

// inflight guarantees at most one outstanding token operation per cache key
// within one Session: concurrent callers for the same key observe literally
// the same operation and the same outcome. singleflight drops a key the
// moment its call settles, so failures are never cached and the next caller
// after settlement starts a fresh operation.
//
// Abandoning a caller's context does not stop the underlying operation; it
// continues and still updates session state on completion, which is what
// waiters that joined later expect.
type inflight struct {
	group singleflight.Group
	inst  *instrumentation.Instrumentation
}

// do runs fn under key, joining an in-flight operation if one exists.
func (f *inflight) do(ctx context.Context, key string, fn func() (string, error)) (string, error) {
	v, err, shared := f.group.Do(key, func() (any, error) {
		return fn()
	})
	if shared {
		f.inst.Metrics().InflightShared.Add(ctx, 1)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
