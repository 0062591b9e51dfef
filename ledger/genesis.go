package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Genesis seeds a ledger with items, balances and approvals.
type Genesis struct {
	Items      []GenesisItem      `toml:"Items"`
	Native     []GenesisBalance   `toml:"Native"`
	Tokens     []GenesisBalance   `toml:"Tokens"`
	Operators  []GenesisOperator  `toml:"Operators"`
	Allowances []GenesisAllowance `toml:"Allowances"`
}

// GenesisItem mints TokenID of Collection to Owner.
type GenesisItem struct {
	Collection common.Address `toml:"Collection"`
	TokenID    string         `toml:"TokenID"`
	Owner      common.Address `toml:"Owner"`
}

// GenesisBalance credits Amount to Account. Token is ignored for native
// balances.
type GenesisBalance struct {
	Token   common.Address `toml:"Token"`
	Account common.Address `toml:"Account"`
	Amount  string         `toml:"Amount"`
}

// GenesisOperator approves Operator for every item Owner holds in Collection.
type GenesisOperator struct {
	Collection common.Address `toml:"Collection"`
	Owner      common.Address `toml:"Owner"`
	Operator   common.Address `toml:"Operator"`
}

// GenesisAllowance lets Spender pull Amount of Token from Owner. An Amount
// of "max" never decreases.
type GenesisAllowance struct {
	Token   common.Address `toml:"Token"`
	Owner   common.Address `toml:"Owner"`
	Spender common.Address `toml:"Spender"`
	Amount  string         `toml:"Amount"`
}

// IsZero reports whether g seeds nothing.
func (g *Genesis) IsZero() bool {
	return len(g.Items) == 0 && len(g.Native) == 0 && len(g.Tokens) == 0 &&
		len(g.Operators) == 0 && len(g.Allowances) == 0
}

// Apply writes g to l as a unit. Nothing is written if any entry is invalid.
func (g *Genesis) Apply(l *Ledger) error {
	snap := l.Snapshot()
	if err := g.apply(l); err != nil {
		l.RevertToSnapshot(snap)
		return err
	}
	l.DiscardSnapshot(snap)
	return l.Flush()
}

func (g *Genesis) apply(l *Ledger) error {
	for _, it := range g.Items {
		id, ok := new(big.Int).SetString(it.TokenID, 0)
		if !ok {
			return fmt.Errorf("%w: genesis token id %q", ErrInvalidAmount, it.TokenID)
		}
		if err := l.Mint721(it.Collection, id, it.Owner); err != nil {
			return fmt.Errorf("genesis item %s #%s: %w", it.Collection.Hex(), it.TokenID, err)
		}
	}
	for _, b := range g.Native {
		amount, err := parseAmount(b.Amount)
		if err != nil {
			return err
		}
		if err := l.SetNativeBalance(b.Account, amount); err != nil {
			return err
		}
	}
	for _, b := range g.Tokens {
		amount, err := parseAmount(b.Amount)
		if err != nil {
			return err
		}
		if err := l.MintFungible(b.Token, b.Account, amount); err != nil {
			return err
		}
	}
	for _, op := range g.Operators {
		if err := l.SetApprovalForAll(op.Collection, op.Owner, op.Operator, true); err != nil {
			return err
		}
	}
	for _, a := range g.Allowances {
		amount, err := parseAmount(a.Amount)
		if err != nil {
			return err
		}
		if err := l.ApproveToken(a.Token, a.Owner, a.Spender, amount); err != nil {
			return err
		}
	}
	return nil
}

// parseAmount accepts decimal or 0x prefixed base units, or "max".
func parseAmount(s string) (*big.Int, error) {
	if strings.EqualFold(strings.TrimSpace(s), "max") {
		return new(big.Int).Set(maxUint256), nil
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: genesis amount %q", ErrInvalidAmount, s)
	}
	return v, nil
}
