// Package ledger is the authoritative in-memory balance book. It is the only
// component allowed to move funds.
//
// Mutations run on the engine goroutine and need no locking. Every record
// republishes an immutable Balance after each change so Balance can be
// called from any goroutine without blocking the writer.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")

	// ErrLockUnderflow means more was released or settled than was locked.
	// It is always a bookkeeping bug upstream.
	ErrLockUnderflow = errors.New("ledger: locked balance underflow")
	ErrOverflow      = errors.New("ledger: balance overflow")
)

type Key struct {
	Account uint64
	Asset   string
}

type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

func (b Balance) Total() int64 { return b.Available + b.Locked }

// Entry is one record in a deterministic dump of the ledger.
type Entry struct {
	Key
	Balance
}

type record struct {
	bal  Balance
	view atomic.Pointer[Balance]
}

func (r *record) publish() {
	b := r.bal
	r.view.Store(&b)
}

type Ledger struct {
	records map[Key]*record
	views   sync.Map // Key -> *record, read side only
}

func New() *Ledger {
	return &Ledger{records: make(map[Key]*record)}
}

// get returns the record for k, creating it on first reference.
func (l *Ledger) get(k Key) *record {
	r, ok := l.records[k]
	if !ok {
		r = &record{}
		r.publish()
		l.records[k] = r
		l.views.Store(k, r)
	}
	return r
}

// Balance is safe for concurrent use. Unknown records read as zero.
func (l *Ledger) Balance(account uint64, asset string) Balance {
	v, ok := l.views.Load(Key{account, asset})
	if !ok {
		return Balance{}
	}
	return *v.(*record).view.Load()
}

// Reserve moves amount from available to locked, or fails without change.
func (l *Ledger) Reserve(account uint64, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: reserve %d", ErrInvalidAmount, amount)
	}
	if amount == 0 {
		return nil
	}
	r := l.get(Key{account, asset})
	if r.bal.Available < amount {
		return fmt.Errorf("%w: account %d %s available %d, need %d",
			ErrInsufficientFunds, account, asset, r.bal.Available, amount)
	}
	r.bal.Available -= amount
	r.bal.Locked += amount
	r.publish()
	return nil
}

// Release moves amount from locked back to available.
func (l *Ledger) Release(account uint64, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: release %d", ErrInvalidAmount, amount)
	}
	if amount == 0 {
		return nil
	}
	r := l.get(Key{account, asset})
	if r.bal.Locked < amount {
		return fmt.Errorf("%w: account %d %s locked %d, release %d",
			ErrLockUnderflow, account, asset, r.bal.Locked, amount)
	}
	r.bal.Locked -= amount
	r.bal.Available += amount
	r.publish()
	return nil
}

func (l *Ledger) Deposit(account uint64, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit %d", ErrInvalidAmount, amount)
	}
	r := l.get(Key{account, asset})
	if r.bal.Available > math.MaxInt64-amount-r.bal.Locked {
		return fmt.Errorf("%w: account %d %s", ErrOverflow, account, asset)
	}
	r.bal.Available += amount
	r.publish()
	return nil
}

// Withdraw only draws on available funds.
func (l *Ledger) Withdraw(account uint64, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw %d", ErrInvalidAmount, amount)
	}
	r := l.get(Key{account, asset})
	if r.bal.Available < amount {
		return fmt.Errorf("%w: account %d %s available %d, withdraw %d",
			ErrInsufficientFunds, account, asset, r.bal.Available, amount)
	}
	r.bal.Available -= amount
	r.publish()
	return nil
}

// Settlement describes one fill from the ledger's point of view. Fees are
// paid by each side in the asset it receives and credited to FeeAccount.
type Settlement struct {
	Buyer, Seller uint64
	Base, Quote   string
	Price         int64
	Quantity      int64
	BuyerFee      int64 // base
	SellerFee     int64 // quote
	FeeAccount    uint64
}

func (s Settlement) Notional() int64 { return s.Price * s.Quantity }

// SettleFill moves the buyer's locked quote to the seller and the seller's
// locked base to the buyer, net of fees. All preconditions are checked
// before anything changes.
func (l *Ledger) SettleFill(s Settlement) error {
	if s.Price <= 0 || s.Quantity <= 0 {
		return fmt.Errorf("ledger: invalid fill %d@%d", s.Quantity, s.Price)
	}
	if s.Price > math.MaxInt64/s.Quantity {
		return fmt.Errorf("%w: notional %d@%d", ErrOverflow, s.Quantity, s.Price)
	}
	notional := s.Notional()
	if s.BuyerFee < 0 || s.BuyerFee > s.Quantity || s.SellerFee < 0 || s.SellerFee > notional {
		return fmt.Errorf("ledger: fee out of range buyer=%d seller=%d", s.BuyerFee, s.SellerFee)
	}

	buyerQuote := l.get(Key{s.Buyer, s.Quote})
	sellerBase := l.get(Key{s.Seller, s.Base})
	if buyerQuote.bal.Locked < notional {
		return fmt.Errorf("%w: buyer %d %s locked %d, settle %d",
			ErrLockUnderflow, s.Buyer, s.Quote, buyerQuote.bal.Locked, notional)
	}
	if sellerBase.bal.Locked < s.Quantity {
		return fmt.Errorf("%w: seller %d %s locked %d, settle %d",
			ErrLockUnderflow, s.Seller, s.Base, sellerBase.bal.Locked, s.Quantity)
	}

	buyerQuote.bal.Locked -= notional
	buyerQuote.publish()
	sellerBase.bal.Locked -= s.Quantity
	sellerBase.publish()

	l.credit(Key{s.Buyer, s.Base}, s.Quantity-s.BuyerFee)
	l.credit(Key{s.Seller, s.Quote}, notional-s.SellerFee)
	l.credit(Key{s.FeeAccount, s.Base}, s.BuyerFee)
	l.credit(Key{s.FeeAccount, s.Quote}, s.SellerFee)
	return nil
}

func (l *Ledger) credit(k Key, amount int64) {
	if amount == 0 {
		return
	}
	r := l.get(k)
	r.bal.Available += amount
	r.publish()
}

// Total sums available and locked for asset over every account.
// Engine goroutine only.
func (l *Ledger) Total(asset string) int64 {
	var sum int64
	for k, r := range l.records {
		if k.Asset == asset {
			sum += r.bal.Total()
		}
	}
	return sum
}

// Entries returns every non-empty record ordered by account then asset.
// Engine goroutine only.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l.records))
	for k, r := range l.records {
		if r.bal == (Balance{}) {
			continue
		}
		out = append(out, Entry{Key: k, Balance: r.bal})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Restore replaces the whole ledger. Used when loading a checkpoint before
// any command is processed.
func (l *Ledger) Restore(entries []Entry) error {
	for k := range l.records {
		l.views.Delete(k)
	}
	l.records = make(map[Key]*record, len(entries))
	for _, e := range entries {
		if e.Available < 0 || e.Locked < 0 {
			return fmt.Errorf("ledger: negative balance in checkpoint for %d %s", e.Account, e.Asset)
		}
		r := l.get(e.Key)
		r.bal = e.Balance
		r.publish()
	}
	return nil
}
