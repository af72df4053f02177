// Package engine is the transaction state machine: it creates transactions,
// routes them to approval or straight to settlement, and owns every status
// transition a transaction goes through.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tevinmoran/corebank/internal/config"
	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/fees"
	"github.com/tevinmoran/corebank/internal/metrics"
)

type transactionRepo interface {
	Create(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TransactionStatus, failureReason *string, completedAt *time.Time) error
	SetProcessor(ctx context.Context, tx *sql.Tx, id, processorID uuid.UUID) error
	MergeMetadata(ctx context.Context, tx *sql.Tx, id uuid.UUID, fields map[string]any) error
}

type accountRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
}

type approvalRepo interface {
	CancelPending(ctx context.Context, tx *sql.Tx, transactionID uuid.UUID) (int, error)
}

type eventRepo interface {
	Create(ctx context.Context, tx *sql.Tx, e *domain.TransactionEvent) error
}

type balanceMutator interface {
	Apply(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error
	Reverse(ctx context.Context, tx *sql.Tx, reversal, original *domain.Transaction) error
}

// RiskScore is the fraud collaborator's verdict on a transaction.
type RiskScore struct {
	Score    int
	HighRisk bool
}

// RiskAssessor is the external fraud-scoring collaborator. A failing
// assessor never blocks transaction creation; the engine degrades to a
// low-risk assumption and logs it.
type RiskAssessor interface {
	Score(ctx context.Context, txn *domain.Transaction) (RiskScore, error)
}

// workflowStarter is implemented by the approval workflow engine. It runs
// inside the creation transaction so a transaction and its approval set are
// committed atomically.
type workflowStarter interface {
	Start(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error
}

type Engine struct {
	db           *sql.DB
	transactions transactionRepo
	accounts     accountRepo
	approvals    approvalRepo
	events       eventRepo
	mutator      balanceMutator
	risk         RiskAssessor
	workflows    workflowStarter
	dispatcher   *Dispatcher
	feeCfg       fees.Config
	cfg          *config.Config
	metrics      *metrics.Set
}

func NewEngine(
	transactions transactionRepo,
	accounts accountRepo,
	approvals approvalRepo,
	events eventRepo,
	mutator balanceMutator,
	risk RiskAssessor,
	dispatcher *Dispatcher,
	db *sql.DB,
	cfg *config.Config,
	m *metrics.Set,
) *Engine {
	return &Engine{
		db:           db,
		transactions: transactions,
		accounts:     accounts,
		approvals:    approvals,
		events:       events,
		mutator:      mutator,
		risk:         risk,
		dispatcher:   dispatcher,
		feeCfg:       FeeConfig(cfg),
		cfg:          cfg,
		metrics:      m,
	}
}

// SetWorkflows wires the approval engine in after construction; the two
// components reference each other, so one side has to be attached late.
func (e *Engine) SetWorkflows(w workflowStarter) {
	e.workflows = w
}

// FeeConfig projects the application config onto the fee calculator's
// policy struct.
func FeeConfig(cfg *config.Config) fees.Config {
	return fees.Config{
		TransferPct:      cfg.FeeTransferPct,
		TransferTierPct:  cfg.FeeTransferTierPct,
		TransferTierFrom: cfg.FeeTransferTierFrom,
		WithdrawalFlat:   cfg.FeeWithdrawalFlat,
		DepositPct:       cfg.FeeDepositPct,
		ScheduledPct:     cfg.FeeScheduledPct,
		CrossCurrencyPct: cfg.FeeCrossCurrencyPct,
		Min:              cfg.FeeMin,
		Max:              cfg.FeeMax,

		SameOwnerDiscountPct:   cfg.SameOwnerDiscountPct,
		HighBalanceDiscountPct: cfg.HighBalanceDiscountPct,
		HighBalanceFloor:       cfg.HighBalanceFloor,
		LoyaltyDiscountPct:     cfg.LoyaltyDiscountPct,
		LoyaltyAgeDays:         cfg.LoyaltyAgeDays,
		PromoDiscountPct:       cfg.PromoDiscountPct,
		PromoStart:             cfg.PromoStart,
		PromoEnd:               cfg.PromoEnd,
	}
}

func (e *Engine) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := e.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return t, nil
}

// QuoteFee computes the fee a request would be charged without creating
// anything. The calculator is pure, so the eventual charge is identical for
// identical inputs.
func (e *Engine) QuoteFee(ctx context.Context, req CreateRequest) (fees.Breakdown, error) {
	source, target, err := e.loadAccounts(ctx, req)
	if err != nil {
		return fees.Breakdown{}, fmt.Errorf("QuoteFee: %w", err)
	}
	return fees.Compute(e.feeCfg, fees.Input{
		Type:          req.Type,
		Amount:        req.Amount,
		Currency:      req.Currency,
		CrossCurrency: isCrossCurrency(req.Currency, target),
		Source:        source,
		Target:        target,
		Now:           time.Now().UTC(),
	}), nil
}

// writeEvent persists a lifecycle event row inside tx and returns the event
// for post-commit dispatch.
func (e *Engine) writeEvent(ctx context.Context, tx *sql.Tx, txnID uuid.UUID, eventType domain.EventType, actor string, payload map[string]any) (domain.TransactionEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return domain.TransactionEvent{}, fmt.Errorf("writeEvent: marshal: %w", err)
		}
		raw = encoded
	}

	event := domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: txnID,
		EventType:     eventType,
		Actor:         actor,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.events.Create(ctx, tx, &event); err != nil {
		return domain.TransactionEvent{}, fmt.Errorf("writeEvent: %w", err)
	}
	return event, nil
}

func actorTag(id uuid.UUID) string {
	return "user:" + id.String()
}

func isCrossCurrency(currency string, target *domain.Account) bool {
	return target != nil && target.Currency != currency
}

func amountInBounds(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(domain.MinTransactionAmount) &&
		amount.LessThanOrEqual(domain.MaxTransactionAmount)
}
