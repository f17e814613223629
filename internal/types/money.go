// README: Common money value object used across modules.
package types

import "fmt"

// Money is an amount in the smallest unit of a zero-decimal currency.
type Money struct {
	Amount   int64
	Currency string
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// IsZero reports whether no amount has been set.
func (m Money) IsZero() bool { return m.Amount == 0 }
