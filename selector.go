package x402

import (
	"math/big"
	"sort"
)

// SelectOption chooses the payment option a client should satisfy from
// the accepts array of a 402 response. Options are ordered by
// maxAmountRequired ascending; ties prefer L2 networks over L1. Options
// on unsupported networks, with unknown schemes, or with unparseable
// amounts are skipped.
func SelectOption(accepts []PaymentRequirements) (*PaymentRequirements, error) {
	type candidate struct {
		req    PaymentRequirements
		amount *big.Int
		index  int
	}

	var candidates []candidate
	for i, req := range accepts {
		if req.Scheme != SchemeExact && req.Scheme != SchemeUpto {
			continue
		}
		if !IsSupportedNetwork(req.Network) {
			continue
		}
		amount, err := ParseAmount(req.MaxAmountRequired)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{req: req, amount: amount, index: i})
	}

	if len(candidates) == 0 {
		return nil, ErrNoValidOption
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		cmp := candidates[i].amount.Cmp(candidates[j].amount)
		if cmp != 0 {
			return cmp < 0
		}
		iL2 := IsL2Network(candidates[i].req.Network)
		jL2 := IsL2Network(candidates[j].req.Network)
		if iL2 != jL2 {
			return iL2
		}
		return candidates[i].index < candidates[j].index
	})

	selected := candidates[0].req
	return &selected, nil
}
