package exchange

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
)

// AddLiquidity deposits amountA and amountB into the pair, creating it on
// first use, and returns the pair shares minted to provider. Later deposits
// mint against the smaller of the two ratios, so excess on one side is a
// donation to the pair.
func (r *Router) AddLiquidity(provider, tokenA, tokenB common.Address, amountA, amountB *big.Int) (*big.Int, error) {
	if amountA == nil || amountB == nil || amountA.Sign() <= 0 || amountB.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	addr, err := PairAddress(tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	var minted *big.Int
	err = r.run(func() error {
		pair, ok, err := r.loadPair(addr)
		if err != nil {
			return err
		}
		if !ok {
			token0, token1, _ := sortTokens(tokenA, tokenB)
			pair = (&Pair{Token0: token0, Token1: token1}).normalise()
		}
		if _, err := r.bank.Transfer(tokenA, provider, addr, amountA); err != nil {
			return err
		}
		if _, err := r.bank.Transfer(tokenB, provider, addr, amountB); err != nil {
			return err
		}
		b0, err := r.bank.BalanceOf(pair.Token0, addr)
		if err != nil {
			return err
		}
		b1, err := r.bank.BalanceOf(pair.Token1, addr)
		if err != nil {
			return err
		}
		in0 := new(big.Int).Sub(b0, pair.Reserve0)
		in1 := new(big.Int).Sub(b1, pair.Reserve1)

		var liquidity *big.Int
		if pair.TotalSupply.Sign() == 0 {
			liquidity = new(big.Int).Sqrt(new(big.Int).Mul(in0, in1))
			if liquidity.Cmp(minimumLiquidity) <= 0 {
				return fmt.Errorf("%w: initial deposit too small", ErrInsufficientLiquidity)
			}
			liquidity.Sub(liquidity, minimumLiquidity)
			pair.TotalSupply = new(big.Int).Set(minimumLiquidity)
		} else {
			l0 := new(big.Int).Mul(in0, pair.TotalSupply)
			l0.Quo(l0, pair.Reserve0)
			l1 := new(big.Int).Mul(in1, pair.TotalSupply)
			l1.Quo(l1, pair.Reserve1)
			liquidity = l0
			if l1.Cmp(l0) < 0 {
				liquidity = l1
			}
			if liquidity.Sign() == 0 {
				return fmt.Errorf("%w: deposit mints no shares", ErrInsufficientLiquidity)
			}
		}
		pair.TotalSupply = new(big.Int).Add(pair.TotalSupply, liquidity)
		share := new(big.Int)
		if _, err := r.state.KVGet(shareKey(addr, provider), share); err != nil {
			return err
		}
		if err := r.state.KVPut(shareKey(addr, provider), share.Add(share, liquidity)); err != nil {
			return err
		}
		if err := r.sync(addr, pair); err != nil {
			return err
		}
		r.state.Emit(&types.Event{Type: EventTypeLiquidityAdded, Attributes: map[string]string{
			"pair":      addr.Hex(),
			"provider":  provider.Hex(),
			"amount0":   in0.String(),
			"amount1":   in1.String(),
			"liquidity": liquidity.String(),
		}})
		minted = liquidity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// RemoveLiquidity burns shares and pays out the pro-rata reserves to
// provider. It returns the amounts of tokenA and tokenB released.
func (r *Router) RemoveLiquidity(provider, tokenA, tokenB common.Address, shares *big.Int) (*big.Int, *big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	addr, err := PairAddress(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}
	var outA, outB *big.Int
	err = r.run(func() error {
		pair, ok, err := r.loadPair(addr)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPairNotFound
		}
		held := new(big.Int)
		if _, err := r.state.KVGet(shareKey(addr, provider), held); err != nil {
			return err
		}
		if held.Cmp(shares) < 0 {
			return fmt.Errorf("%w: %s shares held", ErrInsufficientLiquidity, held)
		}
		out0 := new(big.Int).Mul(shares, pair.Reserve0)
		out0.Quo(out0, pair.TotalSupply)
		out1 := new(big.Int).Mul(shares, pair.Reserve1)
		out1.Quo(out1, pair.TotalSupply)
		if out0.Sign() == 0 || out1.Sign() == 0 {
			return fmt.Errorf("%w: burn releases nothing", ErrInsufficientLiquidity)
		}
		pair.TotalSupply = new(big.Int).Sub(pair.TotalSupply, shares)
		if err := r.state.KVPut(shareKey(addr, provider), held.Sub(held, shares)); err != nil {
			return err
		}
		if _, err := r.bank.Transfer(pair.Token0, addr, provider, out0); err != nil {
			return err
		}
		if _, err := r.bank.Transfer(pair.Token1, addr, provider, out1); err != nil {
			return err
		}
		if err := r.sync(addr, pair); err != nil {
			return err
		}
		r.state.Emit(&types.Event{Type: EventTypeLiquidityRemoved, Attributes: map[string]string{
			"pair":      addr.Hex(),
			"provider":  provider.Hex(),
			"amount0":   out0.String(),
			"amount1":   out1.String(),
			"liquidity": shares.String(),
		}})
		outA, outB = out0, out1
		if tokenA != pair.Token0 {
			outA, outB = out1, out0
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outA, outB, nil
}

// GetAmountOut applies the 0.3% fee:
//
//	out = in*997*reserveOut / (reserveIn*1000 + in*997)
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	withFee := new(big.Int).Mul(amountIn, big.NewInt(997))
	numerator := new(big.Int).Mul(withFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(1000))
	denominator.Add(denominator, withFee)
	return numerator.Quo(numerator, denominator), nil
}

// GetAmountsOut quotes every hop of path for amountIn at the stored reserves.
func (r *Router) GetAmountsOut(amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	for i := 0; i < len(path)-1; i++ {
		pair, err := r.Pair(path[i], path[i+1])
		if err != nil {
			return nil, err
		}
		reserveIn, reserveOut := pair.reserves(path[i])
		out, err := GetAmountOut(amounts[i], reserveIn, reserveOut)
		if err != nil {
			return nil, err
		}
		amounts[i+1] = out
	}
	return amounts, nil
}

// SwapExactTokensForTokens sells amountIn of path[0] from sender for
// path[len-1] delivered to to. Each hop prices the tokens its pair actually
// received, so fee-on-transfer tokens are supported. The call fails once the
// clock is past deadline or when to receives less than minOut. It returns the
// amount delivered at every hop.
func (r *Router) SwapExactTokensForTokens(sender common.Address, amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline uint64) ([]*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	if now := r.clock.Current(); now > deadline {
		return nil, fmt.Errorf("%w: %d > %d", ErrExpired, now, deadline)
	}
	var amounts []*big.Int
	err := r.run(func() error {
		hops := make([]common.Address, len(path)-1)
		pairs := make([]*Pair, len(path)-1)
		for i := range hops {
			addr, err := PairAddress(path[i], path[i+1])
			if err != nil {
				return err
			}
			pair, ok, err := r.loadPair(addr)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s/%s", ErrPairNotFound, path[i].Hex(), path[i+1].Hex())
			}
			hops[i], pairs[i] = addr, pair
		}

		final := path[len(path)-1]
		before, err := r.bank.BalanceOf(final, to)
		if err != nil {
			return err
		}
		if _, err := r.bank.Transfer(path[0], sender, hops[0], amountIn); err != nil {
			return err
		}
		amounts = make([]*big.Int, len(path))
		for i, addr := range hops {
			pair := pairs[i]
			reserveIn, reserveOut := pair.reserves(path[i])
			balanceIn, err := r.bank.BalanceOf(path[i], addr)
			if err != nil {
				return err
			}
			received := new(big.Int).Sub(balanceIn, reserveIn)
			amounts[i] = received
			out, err := GetAmountOut(received, reserveIn, reserveOut)
			if err != nil {
				return err
			}
			if out.Sign() == 0 {
				return fmt.Errorf("%w: hop %d yields nothing", ErrInsufficientOutput, i)
			}
			recipient := to
			if i < len(hops)-1 {
				recipient = hops[i+1]
			}
			if _, err := r.bank.Transfer(path[i+1], addr, recipient, out); err != nil {
				return err
			}
			if err := r.sync(addr, pair); err != nil {
				return err
			}
		}
		after, err := r.bank.BalanceOf(final, to)
		if err != nil {
			return err
		}
		delivered := new(big.Int).Sub(after, before)
		amounts[len(amounts)-1] = delivered
		if minOut != nil && delivered.Cmp(minOut) < 0 {
			return fmt.Errorf("%w: %s < %s", ErrInsufficientOutput, delivered, minOut)
		}
		r.state.Emit(&types.Event{Type: EventTypeSwap, Attributes: map[string]string{
			"sender":    sender.Hex(),
			"to":        to.Hex(),
			"tokenIn":   path[0].Hex(),
			"tokenOut":  final.Hex(),
			"amountIn":  amountIn.String(),
			"amountOut": delivered.String(),
			"hops":      fmt.Sprint(len(hops)),
		}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amounts, nil
}
