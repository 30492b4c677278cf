// Package seeds resolves bootstrap nodes from external sources.
package seeds

import (
	"context"

	"bitchan/pkg/model"
)

// Source yields bootstrap nodes. Returned nodes carry a zero LastActive so
// they are never advertised to other peers.
type Source interface {
	Name() string
	Resolve(ctx context.Context) ([]model.KnownNode, error)
}
