package correlation

import (
	"context"
	"strings"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// namespacedStore prefixes chain ids so several reducers can share one
// backend. An aggregate that keeps its chain id would otherwise find the
// chain already processed at the next reducer.
type namespacedStore struct {
	Store
	prefix string
}

// WithNamespace returns a view of s whose chain ids live under ns.
// PurgeExpired sweeps the whole backend and Close closes it.
func WithNamespace(s Store, ns string) Store {
	if ns == "" {
		return s
	}
	return &namespacedStore{Store: s, prefix: ns + "/"}
}

func (n *namespacedStore) key(chainID string) string {
	if chainID == "" {
		return ""
	}
	return n.prefix + chainID
}

func (n *namespacedStore) AppendEvent(ctx context.Context, chainID string, evt *event.Event) (AppendResult, error) {
	return n.Store.AppendEvent(ctx, n.key(chainID), evt)
}

func (n *namespacedStore) ListEvents(ctx context.Context, chainID string) ([]Record, error) {
	records, err := n.Store.ListEvents(ctx, n.key(chainID))
	for i := range records {
		records[i].ChainID = strings.TrimPrefix(records[i].ChainID, n.prefix)
	}
	return records, err
}

func (n *namespacedStore) MarkProcessed(ctx context.Context, chainID string) (bool, error) {
	return n.Store.MarkProcessed(ctx, n.key(chainID))
}

func (n *namespacedStore) Status(ctx context.Context, chainID string) (ChainStatus, error) {
	st, err := n.Store.Status(ctx, n.key(chainID))
	st.ChainID = strings.TrimPrefix(st.ChainID, n.prefix)
	return st, err
}
