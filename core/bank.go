package core

// bank.go implements the in-memory account buffer (Bank): a map of account
// id to {wallet, per-token balances, creation block}. It is mutated only
// from the block-application task (see the concurrency model); readers
// wanting a consistent snapshot should copy under an external lock rather
// than rely on internal synchronization here.

import "fmt"

// Bank holds every known account, keyed by id.
type Bank struct {
	accounts map[uint64]*Account
}

// NewBank returns an empty account buffer.
func NewBank() *Bank {
	return &Bank{accounts: make(map[uint64]*Account)}
}

// Has reports whether id is a known account.
func (b *Bank) Has(id uint64) bool {
	_, ok := b.accounts[id]
	return ok
}

// GetAccount returns a read-only view of id's account.
func (b *Bank) GetAccount(id uint64) (*Account, error) {
	a, ok := b.accounts[id]
	if !ok {
		return nil, newErrf(ErrAccountNotFound, nil, "bank: account %d not found", id)
	}
	return a, nil
}

// Add inserts a new account, failing if the id already exists.
func (b *Bank) Add(a Account) error {
	if _, ok := b.accounts[a.ID]; ok {
		return newErrf(ErrAccountExists, nil, "bank: account %d already exists", a.ID)
	}
	if a.Balances == nil {
		a.Balances = make(map[uint64]int64)
	}
	cp := a
	cp.Balances = a.CloneBalances()
	b.accounts[a.ID] = &cp
	return nil
}

// Remove deletes an account outright (used internally by renewal/write-off;
// prefer WriteOff for T_END_USER semantics).
func (b *Bank) Remove(id uint64) {
	delete(b.accounts, id)
}

// GetBalance returns the balance of tokenId held by id, or 0 if either is
// unknown.
func (b *Bank) GetBalance(id, tokenID uint64) int64 {
	a, ok := b.accounts[id]
	if !ok {
		return 0
	}
	return a.Balances[tokenID]
}

// isTokenGenesis reports whether id is the genesis wallet of tokenId — the
// one account permitted to carry a negative balance of its own token.
func isTokenGenesis(id, tokenID uint64) bool {
	return id == tokenID && id < IDFirstUser
}

// VerifySpendingPower checks that from can afford amount (+fee when
// tokenId == IDGenesis) without mutating state.
func (b *Bank) VerifySpendingPower(from, tokenID uint64, amount, fee int64) error {
	if amount < 0 || fee < 0 {
		return newErrf(ErrBadAmount, nil, "bank: amount/fee must be non-negative (amount=%d fee=%d)", amount, fee)
	}
	a, ok := b.accounts[from]
	if !ok {
		return newErrf(ErrAccountNotFound, nil, "bank: account %d not found", from)
	}
	if tokenID == IDGenesis {
		need := amount + fee
		bal := a.Balances[IDGenesis]
		if bal < need && !isTokenGenesis(from, IDGenesis) {
			return newErrf(ErrInsufficientBalance, nil, "bank: account %d has %d, needs %d", from, bal, need)
		}
		return nil
	}
	bal := a.Balances[tokenID]
	if bal < amount && !isTokenGenesis(from, tokenID) {
		return newErrf(ErrInsufficientBalance, nil, "bank: account %d has %d of token %d, needs %d", from, bal, tokenID, amount)
	}
	feeBal := a.Balances[IDGenesis]
	if feeBal < fee && !isTokenGenesis(from, IDGenesis) {
		return newErrf(ErrInsufficientBalance, nil, "bank: account %d has %d native, needs fee %d", from, feeBal, fee)
	}
	return nil
}

// TransferBalance debits amount (+fee, in IDGenesis) from `from` and
// credits amount to `to`. Overflow on the destination and underflow on the
// source (beyond the token-genesis exception) are rejected explicitly.
func (b *Bank) TransferBalance(from, to, tokenID uint64, amount, fee int64) error {
	if err := b.VerifySpendingPower(from, tokenID, amount, fee); err != nil {
		return err
	}
	fromAcct, ok := b.accounts[from]
	if !ok {
		return newErrf(ErrAccountNotFound, nil, "bank: account %d not found", from)
	}
	toAcct, ok := b.accounts[to]
	if !ok {
		return newErrf(ErrAccountNotFound, nil, "bank: account %d not found", to)
	}

	if tokenID == IDGenesis {
		newFromBal := fromAcct.Balances[IDGenesis] - amount - fee
		if newFromBal < 0 && !isTokenGenesis(from, IDGenesis) {
			return newErrf(ErrInsufficientBalance, nil, "bank: transfer would underflow account %d", from)
		}
		newToBal, err := addChecked(toAcct.Balances[IDGenesis], amount)
		if err != nil {
			return newErrf(ErrTransferFailed, err, "bank: destination %d overflow", to)
		}
		fromAcct.Balances[IDGenesis] = newFromBal
		toAcct.Balances[IDGenesis] = newToBal
		return nil
	}

	newFromBal := fromAcct.Balances[tokenID] - amount
	if newFromBal < 0 && !isTokenGenesis(from, tokenID) {
		return newErrf(ErrInsufficientBalance, nil, "bank: transfer would underflow account %d token %d", from, tokenID)
	}
	newFromFee := fromAcct.Balances[IDGenesis] - fee
	if newFromFee < 0 && !isTokenGenesis(from, IDGenesis) {
		return newErrf(ErrInsufficientBalance, nil, "bank: transfer would underflow fee balance of %d", from)
	}
	newToBal, err := addChecked(toAcct.Balances[tokenID], amount)
	if err != nil {
		return newErrf(ErrTransferFailed, err, "bank: destination %d overflow", to)
	}
	fromAcct.Balances[tokenID] = newFromBal
	fromAcct.Balances[IDGenesis] = newFromFee
	toAcct.Balances[tokenID] = newToBal
	return nil
}

// Deposit credits amount of tokenId to id. amount must be non-negative.
func (b *Bank) Deposit(id, tokenID uint64, amount int64) error {
	if amount < 0 {
		return newErrf(ErrBadAmount, nil, "bank: deposit amount must be non-negative")
	}
	a, ok := b.accounts[id]
	if !ok {
		return newErrf(ErrAccountNotFound, nil, "bank: account %d not found", id)
	}
	newBal, err := addChecked(a.Balances[tokenID], amount)
	if err != nil {
		return newErrf(ErrTransferFailed, err, "bank: deposit overflow on %d", id)
	}
	a.Balances[tokenID] = newBal
	return nil
}

// Withdraw debits amount of tokenId from id. amount must be non-negative
// and the resulting balance must not go negative unless id is the
// token-genesis account.
func (b *Bank) Withdraw(id, tokenID uint64, amount int64) error {
	if amount < 0 {
		return newErrf(ErrBadAmount, nil, "bank: withdraw amount must be non-negative")
	}
	a, ok := b.accounts[id]
	if !ok {
		return newErrf(ErrAccountNotFound, nil, "bank: account %d not found", id)
	}
	newBal := a.Balances[tokenID] - amount
	if newBal < 0 && !isTokenGenesis(id, tokenID) {
		return newErrf(ErrInsufficientBalance, nil, "bank: withdraw would underflow account %d", id)
	}
	a.Balances[tokenID] = newBal
	return nil
}

// WriteOff moves every positive balance of id, including its IDGenesis
// balance, to IDRecycle, then deletes the account. Used by T_END_USER.
func (b *Bank) WriteOff(id uint64) error {
	a, ok := b.accounts[id]
	if !ok {
		return newErrf(ErrAccountNotFound, nil, "bank: account %d not found", id)
	}
	recycle, ok := b.accounts[IDRecycle]
	if !ok {
		return newErrf(ErrAccountNotFound, nil, "bank: recycle account missing")
	}
	for tok, bal := range a.Balances {
		if bal <= 0 {
			continue
		}
		newBal, err := addChecked(recycle.Balances[tok], bal)
		if err != nil {
			return newErrf(ErrTransferFailed, err, "bank: write-off overflow into recycle")
		}
		recycle.Balances[tok] = newBal
	}
	delete(b.accounts, id)
	return nil
}

// GetStakeholders returns every account with a positive IDGenesis balance,
// forming the stake snapshot consumed by Ouroboros.
func (b *Bank) GetStakeholders() []StakeholderInfo {
	out := make([]StakeholderInfo, 0, len(b.accounts))
	for id, a := range b.accounts {
		if stake := a.Balances[IDGenesis]; stake > 0 {
			out = append(out, StakeholderInfo{ID: id, Stake: uint64(stake)})
		}
	}
	return out
}

// GetAccountIdsBeforeBlockId returns the ids of every account whose BlockID
// (block of creation or last update) is strictly less than blockID —
// candidates that must renew or be ended.
func (b *Bank) GetAccountIdsBeforeBlockId(blockID uint64) []uint64 {
	var out []uint64
	for id, a := range b.accounts {
		if a.BlockID < blockID {
			out = append(out, id)
		}
	}
	return out
}

// addChecked adds amount to base, returning an error on signed overflow.
func addChecked(base, amount int64) (int64, error) {
	sum := base + amount
	if amount > 0 && sum < base {
		return 0, fmt.Errorf("overflow adding %d to %d", amount, base)
	}
	if amount < 0 && sum > base {
		return 0, fmt.Errorf("underflow adding %d to %d", amount, base)
	}
	return sum, nil
}
