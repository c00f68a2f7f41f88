package core

import "testing"

func mustAdd(t *testing.T, b *Bank, id uint64, genesisBal int64) {
	t.Helper()
	if err := b.Add(Account{ID: id, Balances: map[uint64]int64{IDGenesis: genesisBal}}); err != nil {
		t.Fatalf("add account %d: %v", id, err)
	}
}

// Funding A with 100 and attempting to move 50 with a fee of 60 (110 total,
// more than A holds) must fail, leaving both accounts untouched.
func TestBankTransferRejectsInsufficientBalance(t *testing.T) {
	b := NewBank()
	mustAdd(t, b, 10, 100)
	mustAdd(t, b, 11, 0)

	err := b.TransferBalance(10, 11, IDGenesis, 50, 60)
	if err == nil {
		t.Fatal("expected transfer to fail")
	}
	if CodeOf(err) != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if b.GetBalance(10, IDGenesis) != 100 {
		t.Fatalf("expected sender balance untouched at 100, got %d", b.GetBalance(10, IDGenesis))
	}
	if b.GetBalance(11, IDGenesis) != 0 {
		t.Fatalf("expected receiver balance untouched at 0, got %d", b.GetBalance(11, IDGenesis))
	}
}

// A successful transfer conserves total supply modulo the burned fee (fees
// decrement the sender only, with no corresponding credit).
func TestBankTransferConservesSupplyModuloFee(t *testing.T) {
	b := NewBank()
	mustAdd(t, b, 10, 100)
	mustAdd(t, b, 11, 0)

	before := b.GetBalance(10, IDGenesis) + b.GetBalance(11, IDGenesis)
	if err := b.TransferBalance(10, 11, IDGenesis, 50, 5); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	after := b.GetBalance(10, IDGenesis) + b.GetBalance(11, IDGenesis)
	if before-after != 5 {
		t.Fatalf("expected exactly the fee (5) to vanish from total supply, got delta %d", before-after)
	}
	if b.GetBalance(10, IDGenesis) != 45 {
		t.Fatalf("expected sender left with 45, got %d", b.GetBalance(10, IDGenesis))
	}
	if b.GetBalance(11, IDGenesis) != 50 {
		t.Fatalf("expected receiver credited 50, got %d", b.GetBalance(11, IDGenesis))
	}
}

func TestBankTransferOfNonGenesisTokenDebitsFeeSeparately(t *testing.T) {
	b := NewBank()
	if err := b.Add(Account{ID: 10, Balances: map[uint64]int64{IDGenesis: 10, 99: 200}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Add(Account{ID: 11, Balances: map[uint64]int64{}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.TransferBalance(10, 11, 99, 150, 3); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if b.GetBalance(10, 99) != 50 {
		t.Fatalf("expected sender left with 50 of token 99, got %d", b.GetBalance(10, 99))
	}
	if b.GetBalance(11, 99) != 150 {
		t.Fatalf("expected receiver credited 150 of token 99, got %d", b.GetBalance(11, 99))
	}
	if b.GetBalance(10, IDGenesis) != 7 {
		t.Fatalf("expected fee of 3 debited from native balance, got %d", b.GetBalance(10, IDGenesis))
	}
}

func TestBankTokenGenesisAccountMaySpendBelowZero(t *testing.T) {
	b := NewBank()
	if err := b.Add(Account{ID: IDGenesis, Balances: map[uint64]int64{IDGenesis: 0}}); err != nil {
		t.Fatalf("add genesis: %v", err)
	}
	mustAdd(t, b, IDFirstUser+1, 0)
	if err := b.TransferBalance(IDGenesis, IDFirstUser+1, IDGenesis, InitialTokenSupply, 0); err != nil {
		t.Fatalf("expected genesis wallet to mint below-zero balance, got error: %v", err)
	}
	if b.GetBalance(IDGenesis, IDGenesis) != -InitialTokenSupply {
		t.Fatalf("expected genesis balance to go negative by the minted amount, got %d", b.GetBalance(IDGenesis, IDGenesis))
	}
}

func TestBankWriteOffMovesPositiveBalancesToRecycleAndDeletesAccount(t *testing.T) {
	b := NewBank()
	mustAdd(t, b, IDRecycle, 0)
	if err := b.Add(Account{ID: 20, Balances: map[uint64]int64{IDGenesis: 40, 5: 10}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.WriteOff(20); err != nil {
		t.Fatalf("writeoff: %v", err)
	}
	if b.Has(20) {
		t.Fatal("expected account 20 to be removed")
	}
	if b.GetBalance(IDRecycle, IDGenesis) != 40 {
		t.Fatalf("expected 40 recycled into IDGenesis balance, got %d", b.GetBalance(IDRecycle, IDGenesis))
	}
	if b.GetBalance(IDRecycle, 5) != 10 {
		t.Fatalf("expected 10 recycled into token 5 balance, got %d", b.GetBalance(IDRecycle, 5))
	}
}

func TestBankAddRejectsDuplicateID(t *testing.T) {
	b := NewBank()
	mustAdd(t, b, 30, 0)
	if err := b.Add(Account{ID: 30}); err == nil {
		t.Fatal("expected duplicate add to fail")
	}
}

func TestBankGetStakeholdersOnlyReturnsPositiveStake(t *testing.T) {
	b := NewBank()
	mustAdd(t, b, 1, 100)
	mustAdd(t, b, 2, 0)
	mustAdd(t, b, 3, 50)
	stakes := b.GetStakeholders()
	if len(stakes) != 2 {
		t.Fatalf("expected 2 stakeholders, got %d", len(stakes))
	}
	total := uint64(0)
	for _, s := range stakes {
		total += s.Stake
	}
	if total != 150 {
		t.Fatalf("expected total stake 150, got %d", total)
	}
}

func TestBankDepositAndWithdrawRejectNegativeAmounts(t *testing.T) {
	b := NewBank()
	mustAdd(t, b, 1, 0)
	if err := b.Deposit(1, IDGenesis, -5); err == nil {
		t.Fatal("expected negative deposit to be rejected")
	}
	if err := b.Withdraw(1, IDGenesis, -5); err == nil {
		t.Fatal("expected negative withdraw to be rejected")
	}
}
