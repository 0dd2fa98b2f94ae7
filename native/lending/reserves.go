package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/native/fixedpoint"
)

const sigReduceReserves = "reduceReserves(uint256)"

// AddReserves donates amount of underlying from payer straight into the
// market's reserves.
func (m *Market) AddReserves(payer common.Address, amount *big.Int) (*big.Int, error) {
	if payer == (common.Address{}) {
		return nil, ErrInvalidParams
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	var added *big.Int
	err := m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		ledger, err := m.loadLedger()
		if err != nil {
			return err
		}
		if err := m.requireFresh(ledger); err != nil {
			return err
		}
		received, err := m.transferIn(payer, amount)
		if err != nil {
			return err
		}
		if ledger.Cash, err = fixedpoint.Add(ledger.Cash, received); err != nil {
			return err
		}
		if ledger.TotalReserves, err = fixedpoint.Add(ledger.TotalReserves, received); err != nil {
			return err
		}
		if err := m.putLedger(ledger); err != nil {
			return err
		}
		m.state.Emit(m.newEvent(EventTypeReservesAdded, map[string]string{
			"payer":    payer.Hex(),
			"amount":   amountString(received),
			"reserves": amountString(ledger.TotalReserves),
		}))
		added = received
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// ReduceReserves releases amount of reserves to the reserve converter.
func (m *Market) ReduceReserves(caller common.Address, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := m.authorize(caller, sigReduceReserves); err != nil {
		return err
	}
	return m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		ledger, err := m.loadLedger()
		if err != nil {
			return err
		}
		if err := m.requireFresh(ledger); err != nil {
			return err
		}
		return m.releaseReserves(ledger, amount)
	})
}

// releaseReserves writes the reduced ledger before handing the tokens to the
// converter.
func (m *Market) releaseReserves(ledger *Ledger, amount *big.Int) error {
	if m.converter == nil {
		return errConverterNotConfigured
	}
	if amount.Cmp(ledger.TotalReserves) > 0 {
		return fmt.Errorf("%w: reduce %s exceeds reserves %s", ErrInvalidAmount, amount, ledger.TotalReserves)
	}
	if amount.Cmp(ledger.Cash) > 0 {
		return ErrInsufficientCash
	}
	ledger.TotalReserves = new(big.Int).Sub(ledger.TotalReserves, amount)
	ledger.Cash = new(big.Int).Sub(ledger.Cash, amount)
	if err := m.putLedger(ledger); err != nil {
		return err
	}
	destination := m.converter.Address()
	if err := m.transferOut(destination, amount); err != nil {
		return err
	}
	if err := m.converter.ReleaseFunds(m.address, m.pool, m.underlying, amount); err != nil {
		return err
	}
	m.state.Emit(m.newEvent(EventTypeReservesReduced, map[string]string{
		"amount":      amountString(amount),
		"reserves":    amountString(ledger.TotalReserves),
		"destination": destination.Hex(),
	}))
	return nil
}
