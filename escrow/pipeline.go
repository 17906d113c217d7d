package escrow

import (
	"context"
	"fmt"

	"github.com/coinparty/mixpeer/chaincfg"
	"github.com/coinparty/mixpeer/smpc"
)

// GenerateAll precomputes count escrows, one at a time, in index order.
// §4.D requires this: generating all E escrows concurrently would let a
// single mixing round saturate the committee with E simultaneous DKG runs,
// so each index's full pipeline (d, k, e/us/u/ki, kid, address) must finish
// before the next one starts. Failure of any single escrow aborts the
// whole batch, matching "failure of any sub-DKG fails the session."
func GenerateAll(ctx context.Context, net smpc.Network, store *smpc.Store, count int, params *chaincfg.Params, opts ...smpc.DKGOption) ([]*Escrow, error) {
	escrows := make([]*Escrow, 0, count)
	for i := 0; i < count; i++ {
		e, err := Generate(ctx, net, store, uint32(i), params, opts...)
		if err != nil {
			return nil, fmt.Errorf("escrow batch: index %d: %w", i, err)
		}
		escrows = append(escrows, e)
	}
	log.Infof("generated %d escrow addresses", len(escrows))
	return escrows, nil
}
