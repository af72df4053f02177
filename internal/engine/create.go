package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/fees"
	"github.com/tevinmoran/corebank/internal/logging"
)

type CreateRequest struct {
	Type            domain.TransactionType
	Amount          decimal.Decimal
	Currency        string
	SourceAccountID *uuid.UUID
	TargetAccountID *uuid.UUID
	Metadata        json.RawMessage
}

// createState accumulates what the pipeline stages learn about a request.
type createState struct {
	req    CreateRequest
	actor  uuid.UUID
	source *domain.Account
	target *domain.Account

	fee              decimal.Decimal
	crossCurrency    bool
	riskScore        int
	highRisk         bool
	requiresApproval bool
}

type stage struct {
	name    string
	enabled bool
	run     func(ctx context.Context, st *createState) error
}

// Create validates the request, quotes its fee, consults the risk
// collaborator and either settles immediately or opens an approval
// workflow. The routing decision is made once here and cached on the
// transaction.
func (e *Engine) Create(ctx context.Context, req CreateRequest, actor uuid.UUID) (*domain.Transaction, error) {
	st := &createState{req: req, actor: actor}

	stages := []stage{
		{name: "validate", enabled: true, run: e.stageValidate},
		{name: "accounts", enabled: true, run: e.stageAccounts},
		{name: "fee", enabled: true, run: e.stageFee},
		{name: "risk", enabled: e.cfg.RiskCheckEnabled, run: e.stageRisk},
		{name: "route", enabled: true, run: e.stageRoute},
	}
	for _, s := range stages {
		if !s.enabled {
			continue
		}
		if err := s.run(ctx, st); err != nil {
			return nil, fmt.Errorf("Create: %s: %w", s.name, err)
		}
	}

	txn, err := e.persist(ctx, st)
	if err != nil {
		return txn, fmt.Errorf("Create: %w", err)
	}
	return txn, nil
}

func (e *Engine) stageValidate(_ context.Context, st *createState) error {
	req := st.req

	switch req.Type {
	case domain.TransactionTypeDeposit,
		domain.TransactionTypeWithdrawal,
		domain.TransactionTypeTransfer,
		domain.TransactionTypeScheduled,
		domain.TransactionTypeAdjustment:
	default:
		return fmt.Errorf("type %q not creatable: %w", req.Type, domain.ErrInvalidTransaction)
	}

	if !amountInBounds(req.Amount) {
		return fmt.Errorf("amount %s: %w", req.Amount, domain.ErrInvalidAmount)
	}
	if !domain.ValidCurrency(req.Currency) {
		return fmt.Errorf("currency %q: %w", req.Currency, domain.ErrInvalidCurrency)
	}

	if req.Type.RequiresSource() && req.SourceAccountID == nil {
		return fmt.Errorf("%s requires a source account: %w", req.Type, domain.ErrInvalidTransaction)
	}
	if req.Type.RequiresTarget() && req.TargetAccountID == nil {
		return fmt.Errorf("%s requires a target account: %w", req.Type, domain.ErrInvalidTransaction)
	}
	if req.Type == domain.TransactionTypeDeposit && req.SourceAccountID != nil {
		return fmt.Errorf("deposit must not name a source account: %w", domain.ErrInvalidTransaction)
	}
	if req.Type == domain.TransactionTypeWithdrawal && req.TargetAccountID != nil {
		return fmt.Errorf("withdrawal must not name a target account: %w", domain.ErrInvalidTransaction)
	}
	if req.Type == domain.TransactionTypeAdjustment && req.SourceAccountID == nil && req.TargetAccountID == nil {
		return fmt.Errorf("adjustment requires an account: %w", domain.ErrInvalidTransaction)
	}
	if req.SourceAccountID != nil && req.TargetAccountID != nil && *req.SourceAccountID == *req.TargetAccountID {
		return fmt.Errorf("%w", domain.ErrSelfTransfer)
	}

	return nil
}

func (e *Engine) stageAccounts(ctx context.Context, st *createState) error {
	source, target, err := e.loadAccounts(ctx, st.req)
	if err != nil {
		return err
	}

	// Fail fast on inoperable accounts; the settlement path re-checks under
	// lock.
	if source != nil {
		if err := source.VerifyOperable(); err != nil {
			return fmt.Errorf("source account: %w", err)
		}
		if source.Currency != st.req.Currency {
			return fmt.Errorf("source account is %s: %w", source.Currency, domain.ErrInvalidCurrency)
		}
	}
	if target != nil {
		if err := target.VerifyOperable(); err != nil {
			return fmt.Errorf("target account: %w", err)
		}
	}

	st.source = source
	st.target = target
	st.crossCurrency = isCrossCurrency(st.req.Currency, target)
	return nil
}

func (e *Engine) loadAccounts(ctx context.Context, req CreateRequest) (source, target *domain.Account, err error) {
	if req.SourceAccountID != nil {
		source, err = e.accounts.GetByID(ctx, *req.SourceAccountID)
		if err != nil {
			return nil, nil, fmt.Errorf("source account: %w", err)
		}
	}
	if req.TargetAccountID != nil {
		target, err = e.accounts.GetByID(ctx, *req.TargetAccountID)
		if err != nil {
			return nil, nil, fmt.Errorf("target account: %w", err)
		}
	}
	return source, target, nil
}

func (e *Engine) stageFee(_ context.Context, st *createState) error {
	st.fee = fees.Calculate(e.feeCfg, fees.Input{
		Type:          st.req.Type,
		Amount:        st.req.Amount,
		Currency:      st.req.Currency,
		CrossCurrency: st.crossCurrency,
		Source:        st.source,
		Target:        st.target,
		Now:           time.Now().UTC(),
	})
	return nil
}

func (e *Engine) stageRisk(ctx context.Context, st *createState) error {
	probe := &domain.Transaction{
		ID:              uuid.New(),
		Type:            st.req.Type,
		Amount:          st.req.Amount,
		Currency:        st.req.Currency,
		SourceAccountID: st.req.SourceAccountID,
		TargetAccountID: st.req.TargetAccountID,
		InitiatorID:     st.actor,
	}

	score, err := e.risk.Score(ctx, probe)
	if err != nil {
		// The risk collaborator must never block creation.
		logging.FromContext(ctx).Warn("risk assessment degraded, assuming low risk",
			"error", err,
		)
		st.highRisk = false
		return nil
	}

	st.riskScore = score.Score
	st.highRisk = score.HighRisk
	return nil
}

func (e *Engine) stageRoute(_ context.Context, st *createState) error {
	st.requiresApproval = st.req.Amount.GreaterThan(e.cfg.AutoApproveLimit) || st.highRisk
	return nil
}

func (e *Engine) persist(ctx context.Context, st *createState) (*domain.Transaction, error) {
	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:               uuid.New(),
		Type:             st.req.Type,
		Status:           domain.TransactionStatusPending,
		Amount:           st.req.Amount,
		Currency:         st.req.Currency,
		SourceAccountID:  st.req.SourceAccountID,
		TargetAccountID:  st.req.TargetAccountID,
		Fee:              st.fee,
		RequiresApproval: st.requiresApproval,
		HighRisk:         st.highRisk,
		CrossCurrency:    st.crossCurrency,
		InitiatorID:      st.actor,
		Metadata:         st.req.Metadata,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := e.transactions.Create(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}

	var pending []domain.TransactionEvent
	created, err := e.writeEvent(ctx, tx, txn.ID, domain.EventTypeCreated, actorTag(st.actor), map[string]any{
		"amount":     txn.Amount,
		"currency":   txn.Currency,
		"risk_score": st.riskScore,
	})
	if err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	pending = append(pending, created)

	if txn.RequiresApproval {
		events, err := e.routeToApproval(ctx, tx, txn, st.actor)
		if err != nil && !errors.Is(err, domain.ErrNoApproverAvailable) {
			return nil, fmt.Errorf("persist: %w", err)
		}
		pending = append(pending, events...)
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, fmt.Errorf("persist: commit: %w", commitErr)
		}
		e.dispatcher.Dispatch(ctx, pending...)
		if err != nil {
			return txn, fmt.Errorf("persist: %w", err)
		}
		return txn, nil
	}

	events, settleErr := e.settleInTx(ctx, tx, txn, st.actor)
	if settleErr != nil && !domain.IsSettlementFailure(settleErr) {
		return nil, fmt.Errorf("persist: %w", settleErr)
	}
	pending = append(pending, events...)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("persist: commit: %w", err)
	}
	e.dispatcher.Dispatch(ctx, pending...)

	if settleErr != nil {
		return txn, fmt.Errorf("persist: settlement: %w", settleErr)
	}
	return txn, nil
}

// routeToApproval hands the transaction to the workflow engine. When no
// approver can be found for a required level the whole workflow is
// abandoned and the transaction lands in failed.
func (e *Engine) routeToApproval(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, actor uuid.UUID) ([]domain.TransactionEvent, error) {
	// The failed transaction still commits in this tx, so an abandoned
	// workflow's partial work (approver rotation bumps) is scoped to a
	// savepoint and rolled back on its own.
	if _, spErr := tx.ExecContext(ctx, "SAVEPOINT workflow_start"); spErr != nil {
		return nil, fmt.Errorf("savepoint: %w", spErr)
	}

	err := e.workflows.Start(ctx, tx, txn)
	if err == nil {
		if _, spErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT workflow_start"); spErr != nil {
			return nil, fmt.Errorf("release savepoint: %w", spErr)
		}
		txn.Status = domain.TransactionStatusPendingApproval
		event, werr := e.writeEvent(ctx, tx, txn.ID, domain.EventTypePendingApproval, actorTag(actor), nil)
		if werr != nil {
			return nil, werr
		}
		e.metrics.WorkflowsStarted.Inc()
		return []domain.TransactionEvent{event}, nil
	}

	if !errors.Is(err, domain.ErrNoApproverAvailable) {
		return nil, err
	}
	if _, spErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT workflow_start"); spErr != nil {
		return nil, fmt.Errorf("rollback to savepoint: %w", spErr)
	}

	reason := "no available approvers"
	if uerr := e.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusFailed, &reason, nil); uerr != nil {
		return nil, uerr
	}
	if merr := e.transactions.MergeMetadata(ctx, tx, txn.ID, map[string]any{"error": reason}); merr != nil {
		return nil, merr
	}
	txn.Status = domain.TransactionStatusFailed
	txn.FailureReason = &reason

	event, werr := e.writeEvent(ctx, tx, txn.ID, domain.EventTypeFailed, actorTag(actor), map[string]any{"reason": reason})
	if werr != nil {
		return nil, werr
	}
	return []domain.TransactionEvent{event}, err
}
