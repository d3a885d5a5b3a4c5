// Package ratebackend quotes exchange rates for ordered asset pairs. It is
// read-only once loaded; the file-backed implementation supports atomic
// hot-reload, per the connector's concurrency model.
package ratebackend

import (
	"fmt"
	"math/big"
)

// RateBackend quotes the exchange rate between an ingress and an egress
// asset, already incorporating the scale difference between them: the
// returned rational is the factor an integer amount denominated in src
// (at srcScale) must be multiplied by to land in dst units (at dstScale).
type RateBackend interface {
	// Quote returns the conversion rate from (srcAsset, srcScale) to
	// (dstAsset, dstScale). An unknown asset pair is an error.
	Quote(srcAsset string, srcScale uint8, dstAsset string, dstScale uint8) (*big.Rat, error)
}

// pairKey is an ordered asset pair used as a lookup key into the spot
// table; the rate is directional, src -> dst.
type pairKey struct {
	src string
	dst string
}

// StaticTable is a RateBackend backed by a fixed in-memory table of
// unscaled spot rates (i.e. the rate between one whole unit of src and
// one whole unit of dst, ignoring asset scale). Quote applies the
// src/dst scale adjustment on top of the configured spot rate.
type StaticTable struct {
	rates map[pairKey]*big.Rat
}

// NewStaticTable builds a StaticTable from unscaled spot rates. Same-asset
// pairs are implicitly rate 1 and need not be configured.
func NewStaticTable(spotRates map[string]map[string]*big.Rat) *StaticTable {
	t := &StaticTable{rates: make(map[pairKey]*big.Rat)}
	for src, dsts := range spotRates {
		for dst, rate := range dsts {
			t.rates[pairKey{src, dst}] = new(big.Rat).Set(rate)
		}
	}
	return t
}

func (t *StaticTable) Quote(srcAsset string, srcScale uint8, dstAsset string, dstScale uint8) (*big.Rat, error) {
	var spot *big.Rat
	if srcAsset == dstAsset {
		spot = big.NewRat(1, 1)
	} else {
		var ok bool
		spot, ok = t.rates[pairKey{srcAsset, dstAsset}]
		if !ok {
			return nil, fmt.Errorf("ratebackend: no quote for %s -> %s", srcAsset, dstAsset)
		}
	}

	return scaleRate(spot, srcScale, dstScale), nil
}

// scaleRate adjusts an unscaled spot rate by the asset-scale difference:
// an integer amount in src units represents amount*10^-srcScale whole
// src units, and the result must be in dst units at dstScale, so the
// scaled rate is spot * 10^(dstScale-srcScale).
func scaleRate(spot *big.Rat, srcScale, dstScale uint8) *big.Rat {
	out := new(big.Rat).Set(spot)

	if dstScale > srcScale {
		factor := new(big.Rat).SetInt(pow10(int(dstScale - srcScale)))
		out.Mul(out, factor)
	} else if srcScale > dstScale {
		factor := new(big.Rat).SetInt(pow10(int(srcScale - dstScale)))
		out.Quo(out, factor)
	}

	return out
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
