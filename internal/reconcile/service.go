package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/metrics"
)

var ErrInvalidParty = errors.New("invalid party")

// DefaultTolerance is the largest difference between the ledger and the
// stored balance still reported as a match. The bound is inclusive and
// applies to the difference rounded to cents: a ledger of 100.01 against
// a stored 100.00 matches, 100.02 against 100.00 is a mismatch.
var DefaultTolerance = decimal.RequireFromString("0.01")

type Store interface {
	SumLedger(ctx context.Context, kind ledger.PartyKind, partyID string, asOf *time.Time) ([]ledger.VoucherTotal, error)
	CachedBalance(ctx context.Context, kind ledger.PartyKind, partyID string) (decimal.Decimal, error)
	UpdateCachedBalance(ctx context.Context, kind ledger.PartyKind, partyID string, balance decimal.Decimal) error
	ListPartyIDs(ctx context.Context, kind ledger.PartyKind) ([]string, error)
}

type Party struct {
	Kind ledger.PartyKind `json:"kind"`
	ID   string           `json:"id"`
}

func Customer(id string) Party { return Party{Kind: ledger.PartyCustomer, ID: id} }

func Supplier(id string) Party { return Party{Kind: ledger.PartySupplier, ID: id} }

type Breakdown struct {
	Sales        decimal.Decimal `json:"sales"`
	Purchases    decimal.Decimal `json:"purchases"`
	CashPayments decimal.Decimal `json:"cash_payments"`
	BankPayments decimal.Decimal `json:"bank_payments"`
	CashReceipts decimal.Decimal `json:"cash_receipts"`
	BankReceipts decimal.Decimal `json:"bank_receipts"`
	Returns      decimal.Decimal `json:"returns"`
}

type Counts struct {
	Sales     int `json:"sales"`
	Purchases int `json:"purchases"`
	Payments  int `json:"payments"`
	Receipts  int `json:"receipts"`
	Returns   int `json:"returns"`
}

type Balance struct {
	Party     Party           `json:"party"`
	Balance   decimal.Decimal `json:"balance"`
	Breakdown Breakdown       `json:"breakdown"`
	Counts    Counts          `json:"counts"`
	AsOf      *time.Time      `json:"as_of,omitempty"`
}

type Verification struct {
	Party      Party           `json:"party"`
	Ledger     decimal.Decimal `json:"ledger_balance"`
	Stored     decimal.Decimal `json:"stored_balance"`
	Difference decimal.Decimal `json:"difference"`
	IsMatch    bool            `json:"is_match"`
}

type PartyError struct {
	Party   Party  `json:"party"`
	Message string `json:"message"`
}

type BulkReport struct {
	Kind       ledger.PartyKind `json:"kind"`
	Checked    int              `json:"checked"`
	Matched    int              `json:"matched"`
	Mismatched int              `json:"mismatched"`
	Mismatches []Verification   `json:"mismatches"`
	Errors     []PartyError     `json:"errors"`
}

type Option func(*Service)

func WithTolerance(tolerance decimal.Decimal) Option {
	return func(s *Service) { s.tolerance = tolerance.Abs() }
}

// Service derives party balances from the ledger and compares them with
// the balance column cached on the party row.
type Service struct {
	store     Store
	tenantID  string
	tolerance decimal.Decimal
	logger    *zap.Logger
	metrics   *metrics.Collector
}

func NewService(store Store, logger *zap.Logger, collector *metrics.Collector, tenantID string, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		tenantID:  tenantID,
		tolerance: DefaultTolerance,
		logger:    logger.Named("reconcile").With(zap.String("tenant_id", tenantID)),
		metrics:   collector,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ComputeBalance sums the party's ledger up to asOf (all time when nil).
//
//	customer: sales + payments - (receipts + returns)
//	supplier: purchases - (payments + receipts + returns)
//
// Category sums are exact; only the final figures are rounded to cents.
func (s *Service) ComputeBalance(ctx context.Context, party Party, asOf *time.Time) (*Balance, error) {
	if !party.Kind.Valid() || party.ID == "" {
		return nil, ErrInvalidParty
	}

	totals, err := s.store.SumLedger(ctx, party.Kind, party.ID, asOf)
	if err != nil {
		return nil, fmt.Errorf("sum ledger for %s %s: %w", party.Kind, party.ID, err)
	}

	var b Breakdown
	var c Counts
	for _, t := range totals {
		amount := t.Net()
		switch t.VoucherType {
		case ledger.VoucherSale:
			b.Sales = b.Sales.Add(amount)
			c.Sales += t.Entries
		case ledger.VoucherPurchase:
			b.Purchases = b.Purchases.Add(amount)
			c.Purchases += t.Entries
		case ledger.VoucherCashPayment:
			b.CashPayments = b.CashPayments.Add(amount)
			c.Payments += t.Entries
		case ledger.VoucherBankPayment:
			b.BankPayments = b.BankPayments.Add(amount)
			c.Payments += t.Entries
		case ledger.VoucherCashReceipt:
			b.CashReceipts = b.CashReceipts.Add(amount)
			c.Receipts += t.Entries
		case ledger.VoucherBankReceipt:
			b.BankReceipts = b.BankReceipts.Add(amount)
			c.Receipts += t.Entries
		case ledger.VoucherSaleReturn:
			if party.Kind == ledger.PartyCustomer {
				b.Returns = b.Returns.Add(amount)
				c.Returns += t.Entries
			}
		case ledger.VoucherPurchaseReturn:
			if party.Kind == ledger.PartySupplier {
				b.Returns = b.Returns.Add(amount)
				c.Returns += t.Entries
			}
		}
	}

	payments := b.CashPayments.Add(b.BankPayments)
	receipts := b.CashReceipts.Add(b.BankReceipts)

	var balance decimal.Decimal
	if party.Kind == ledger.PartyCustomer {
		balance = b.Sales.Add(payments).Sub(receipts.Add(b.Returns))
	} else {
		balance = b.Purchases.Sub(payments.Add(receipts).Add(b.Returns))
	}

	return &Balance{
		Party:     party,
		Balance:   balance.Round(2),
		Breakdown: b.rounded(),
		Counts:    c,
		AsOf:      asOf,
	}, nil
}

func (b Breakdown) rounded() Breakdown {
	return Breakdown{
		Sales:        b.Sales.Round(2),
		Purchases:    b.Purchases.Round(2),
		CashPayments: b.CashPayments.Round(2),
		BankPayments: b.BankPayments.Round(2),
		CashReceipts: b.CashReceipts.Round(2),
		BankReceipts: b.BankReceipts.Round(2),
		Returns:      b.Returns.Round(2),
	}
}

// VerifyBalance compares the ledger balance with the stored one. It
// never writes.
func (s *Service) VerifyBalance(ctx context.Context, party Party) (*Verification, error) {
	computed, err := s.ComputeBalance(ctx, party, nil)
	if err != nil {
		return nil, err
	}

	stored, err := s.store.CachedBalance(ctx, party.Kind, party.ID)
	if err != nil {
		return nil, fmt.Errorf("stored balance for %s %s: %w", party.Kind, party.ID, err)
	}

	diff := computed.Balance.Sub(stored).Round(2)
	v := &Verification{
		Party:      party,
		Ledger:     computed.Balance,
		Stored:     stored.Round(2),
		Difference: diff,
		IsMatch:    diff.Abs().LessThanOrEqual(s.tolerance),
	}

	s.metrics.RecordBalanceVerification(s.tenantID, string(party.Kind), v.IsMatch)
	if !v.IsMatch {
		s.logger.Warn("Balance drift detected",
			zap.String("party_kind", string(party.Kind)),
			zap.String("party_id", party.ID),
			zap.String("ledger", v.Ledger.StringFixed(2)),
			zap.String("stored", v.Stored.StringFixed(2)),
		)
	}

	return v, nil
}

// SyncBalance overwrites the stored balance with the ledger balance.
func (s *Service) SyncBalance(ctx context.Context, party Party) (*Balance, error) {
	computed, err := s.ComputeBalance(ctx, party, nil)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateCachedBalance(ctx, party.Kind, party.ID, computed.Balance); err != nil {
		return nil, fmt.Errorf("update stored balance for %s %s: %w", party.Kind, party.ID, err)
	}

	s.logger.Info("Balance synced",
		zap.String("party_kind", string(party.Kind)),
		zap.String("party_id", party.ID),
		zap.String("balance", computed.Balance.StringFixed(2)),
	)
	return computed, nil
}

// VerifyAll verifies every party of a kind. A party that cannot be
// verified is listed in Errors and does not stop the sweep.
func (s *Service) VerifyAll(ctx context.Context, kind ledger.PartyKind) (*BulkReport, error) {
	if !kind.Valid() {
		return nil, ErrInvalidParty
	}

	ids, err := s.store.ListPartyIDs(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", kind, err)
	}

	report := &BulkReport{Kind: kind, Mismatches: []Verification{}, Errors: []PartyError{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		party := Party{Kind: kind, ID: id}
		v, err := s.VerifyBalance(ctx, party)
		if err != nil {
			report.Errors = append(report.Errors, PartyError{Party: party, Message: err.Error()})
			continue
		}

		report.Checked++
		if v.IsMatch {
			report.Matched++
		} else {
			report.Mismatched++
			report.Mismatches = append(report.Mismatches, *v)
		}
	}

	s.metrics.RecordBalanceDrift(s.tenantID, string(kind), report.Mismatched)
	return report, nil
}
