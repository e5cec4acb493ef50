package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockledger/stockledger/internal/masterdata"
	"github.com/stockledger/stockledger/internal/shared"
	"github.com/stockledger/stockledger/internal/stock"
)

// Executor runs a staged mutation. Implemented by the stock service.
type Executor interface {
	ReceivePurchase(ctx context.Context, input stock.ReceiveInput) (stock.MutationResult, error)
	ConfirmSale(ctx context.Context, input stock.SaleInput) (stock.MutationResult, error)
	AdjustStock(ctx context.Context, input stock.AdjustInput) (stock.MutationResult, error)
	TransferStock(ctx context.Context, input stock.TransferInput) (stock.MutationResult, error)
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPolicy(ctx context.Context, entityType EntityType) (Policy, error)
	GetRequest(ctx context.Context, id int64) (Request, error)
	ListPending(ctx context.Context, limit int) ([]Request, error)
	GetStaged(ctx context.Context, id int64) (StagedPayload, error)
	TransitionIfPending(ctx context.Context, id int64, to Status, reviewerID int64, comment string) (bool, error)
	RevertToPending(ctx context.Context, id int64) error
	MarkExecuted(ctx context.Context, id int64) error
}

// ProductPort resolves product costs for policy thresholds.
type ProductPort interface {
	GetProduct(ctx context.Context, id int64) (masterdata.Product, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service implements the approval gate state machine.
type Service struct {
	repo     RepositoryPort
	products ProductPort
	executor Executor
	audit    AuditPort
	logger   *slog.Logger
}

// NewService constructs the approvals service.
func NewService(repo RepositoryPort, products ProductPort, executor Executor, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, products: products, executor: executor, audit: audit, logger: logger}
}

var _ stock.Gate = (*Service)(nil)

// SubmitReceive gates a purchase receipt.
func (s *Service) SubmitReceive(ctx context.Context, input stock.ReceiveInput) (stock.SubmitOutcome, error) {
	amount, err := s.lineAmount(ctx, input.ProductID, input.Quantity)
	if err != nil {
		return stock.SubmitOutcome{}, err
	}
	summary := ReceiveSummary{
		ProductID:   input.ProductID,
		WarehouseID: input.WarehouseID,
		Quantity:    input.Quantity,
		Amount:      amount,
		SerialCount: len(input.SerialNumbers),
	}
	return s.submit(ctx, EntityPurchaseReceive, input.WarehouseID, amount, input.ActorID, summary, input, func(ctx context.Context) (stock.MutationResult, error) {
		return s.executor.ReceivePurchase(ctx, input)
	})
}

// SubmitSale gates a sale confirmation.
func (s *Service) SubmitSale(ctx context.Context, input stock.SaleInput) (stock.SubmitOutcome, error) {
	amount, err := s.lineAmount(ctx, input.ProductID, input.Quantity)
	if err != nil {
		return stock.SubmitOutcome{}, err
	}
	summary := SaleSummary{
		ProductID:   input.ProductID,
		WarehouseID: input.WarehouseID,
		Quantity:    input.Quantity,
		Amount:      amount,
	}
	return s.submit(ctx, EntitySaleConfirm, input.WarehouseID, amount, input.ActorID, summary, input, func(ctx context.Context) (stock.MutationResult, error) {
		return s.executor.ConfirmSale(ctx, input)
	})
}

// SubmitAdjust gates a manual adjustment.
func (s *Service) SubmitAdjust(ctx context.Context, input stock.AdjustInput) (stock.SubmitOutcome, error) {
	amount, err := s.lineAmount(ctx, input.ProductID, input.Quantity)
	if err != nil {
		return stock.SubmitOutcome{}, err
	}
	summary := AdjustmentSummary{
		ProductID:   input.ProductID,
		WarehouseID: input.WarehouseID,
		Method:      string(input.Method),
		Quantity:    input.Quantity,
		Reason:      input.Reason,
	}
	return s.submit(ctx, EntityStockAdjustment, input.WarehouseID, amount, input.ActorID, summary, input, func(ctx context.Context) (stock.MutationResult, error) {
		return s.executor.AdjustStock(ctx, input)
	})
}

// SubmitTransfer gates a warehouse transfer.
func (s *Service) SubmitTransfer(ctx context.Context, input stock.TransferInput) (stock.SubmitOutcome, error) {
	amount, err := s.lineAmount(ctx, input.ProductID, input.Quantity)
	if err != nil {
		return stock.SubmitOutcome{}, err
	}
	summary := TransferSummary{
		ProductID:     input.ProductID,
		FromWarehouse: input.FromWarehouse,
		ToWarehouse:   input.ToWarehouse,
		Quantity:      input.Quantity,
	}
	return s.submit(ctx, EntityStockTransfer, input.FromWarehouse, amount, input.ActorID, summary, input, func(ctx context.Context) (stock.MutationResult, error) {
		return s.executor.TransferStock(ctx, input)
	})
}

func (s *Service) submit(ctx context.Context, entityType EntityType, warehouseID int64, amount decimal.Decimal, actorID int64, summary EntitySummary, payload any, execute func(context.Context) (stock.MutationResult, error)) (stock.SubmitOutcome, error) {
	policy, err := s.repo.GetPolicy(ctx, entityType)
	if err != nil {
		return stock.SubmitOutcome{}, err
	}
	if !policy.Applies(amount, warehouseID) {
		result, err := execute(ctx)
		if err != nil {
			return stock.SubmitOutcome{}, err
		}
		return stock.SubmitOutcome{Result: result}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return stock.SubmitOutcome{}, err
	}
	var requestID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stagedID, err := tx.InsertStaged(ctx, entityType, data)
		if err != nil {
			return err
		}
		requestID, err = tx.InsertRequest(ctx, Request{
			EntityType:  entityType,
			StagedID:    stagedID,
			Status:      StatusPending,
			RequesterID: actorID,
			Summary:     summary,
		})
		return err
	})
	if err != nil {
		return stock.SubmitOutcome{}, err
	}
	s.record(ctx, actorID, "approvals:submit", requestID, map[string]any{"entity_type": string(entityType), "amount": amount.String()})
	return stock.SubmitOutcome{Deferred: true, ApprovalRequestID: requestID}, nil
}

// Approve claims a PENDING request and executes the staged mutation exactly
// once. A repeat approve reports AlreadyApproved without re-executing. When
// execution fails, the claim is reverted so the request stays resolvable.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, requestID int64, comment string) (ApproveResult, error) {
	request, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return ApproveResult{}, err
	}
	if err := s.requireReviewPermission(ctx, actor, request.EntityType); err != nil {
		return ApproveResult{}, err
	}
	if request.Status == StatusApproved {
		return ApproveResult{AlreadyApproved: true, Request: request}, nil
	}

	claimed, err := s.repo.TransitionIfPending(ctx, requestID, StatusApproved, actor.ID, comment)
	if err != nil {
		return ApproveResult{}, err
	}
	if !claimed {
		request, err = s.repo.GetRequest(ctx, requestID)
		if err != nil {
			return ApproveResult{}, err
		}
		if request.Status == StatusApproved {
			return ApproveResult{AlreadyApproved: true, Request: request}, nil
		}
		return ApproveResult{}, fmt.Errorf("%w: request %d is %s", shared.ErrInvalidState, requestID, request.Status)
	}

	staged, err := s.repo.GetStaged(ctx, request.StagedID)
	if err != nil {
		s.revert(ctx, requestID)
		return ApproveResult{}, err
	}
	executed, err := s.executeStaged(ctx, staged)
	if err != nil {
		s.revert(ctx, requestID)
		return ApproveResult{}, fmt.Errorf("approvals: execute staged mutation: %w", err)
	}
	// The mutation is committed at this point. A failed stamp is only
	// logged; the integrity scan reports approved requests that never got
	// one so a crash in this window cannot go unnoticed.
	if err := s.repo.MarkExecuted(ctx, requestID); err != nil && s.logger != nil {
		s.logger.Warn("mark approval executed", slog.Int64("request_id", requestID), slog.Any("error", err))
	}

	request, err = s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return ApproveResult{}, err
	}
	s.record(ctx, actor.ID, "approvals:approve", requestID, map[string]any{"entity_type": string(request.EntityType)})
	return ApproveResult{Request: request, Executed: executed}, nil
}

// Reject resolves a PENDING request without executing anything.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, requestID int64, comment string) (Request, error) {
	request, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if err := s.requireReviewPermission(ctx, actor, request.EntityType); err != nil {
		return Request{}, err
	}
	ok, err := s.repo.TransitionIfPending(ctx, requestID, StatusRejected, actor.ID, comment)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, fmt.Errorf("%w: request %d is %s", shared.ErrInvalidState, requestID, request.Status)
	}
	s.record(ctx, actor.ID, "approvals:reject", requestID, map[string]any{"entity_type": string(request.EntityType)})
	return s.repo.GetRequest(ctx, requestID)
}

// Cancel withdraws a PENDING request. Permitted for the original requester or
// an actor holding the manage permission.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, requestID int64) (Request, error) {
	request, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if actor.ID == 0 || (actor.ID != request.RequesterID && !actor.Has(ManagePermission)) {
		return Request{}, fmt.Errorf("%w: only the requester or a manager may cancel", shared.ErrForbidden)
	}
	ok, err := s.repo.TransitionIfPending(ctx, requestID, StatusCancelled, actor.ID, "")
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, fmt.Errorf("%w: request %d is %s", shared.ErrInvalidState, requestID, request.Status)
	}
	s.record(ctx, actor.ID, "approvals:cancel", requestID, nil)
	return s.repo.GetRequest(ctx, requestID)
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, requestID int64) (Request, error) {
	return s.repo.GetRequest(ctx, requestID)
}

// ListPending returns requests awaiting review.
func (s *Service) ListPending(ctx context.Context, limit int) ([]Request, error) {
	return s.repo.ListPending(ctx, limit)
}

// executeStaged dispatches the staged payload to the executor by entity type.
func (s *Service) executeStaged(ctx context.Context, staged StagedPayload) (stock.MutationResult, error) {
	switch staged.EntityType {
	case EntityPurchaseReceive:
		var input stock.ReceiveInput
		if err := json.Unmarshal(staged.Data, &input); err != nil {
			return stock.MutationResult{}, err
		}
		return s.executor.ReceivePurchase(ctx, input)
	case EntitySaleConfirm:
		var input stock.SaleInput
		if err := json.Unmarshal(staged.Data, &input); err != nil {
			return stock.MutationResult{}, err
		}
		return s.executor.ConfirmSale(ctx, input)
	case EntityStockAdjustment:
		var input stock.AdjustInput
		if err := json.Unmarshal(staged.Data, &input); err != nil {
			return stock.MutationResult{}, err
		}
		return s.executor.AdjustStock(ctx, input)
	case EntityStockTransfer:
		var input stock.TransferInput
		if err := json.Unmarshal(staged.Data, &input); err != nil {
			return stock.MutationResult{}, err
		}
		return s.executor.TransferStock(ctx, input)
	default:
		return stock.MutationResult{}, fmt.Errorf("approvals: unknown entity type %q", staged.EntityType)
	}
}

func (s *Service) requireReviewPermission(ctx context.Context, actor shared.Actor, entityType EntityType) error {
	policy, err := s.repo.GetPolicy(ctx, entityType)
	if err != nil {
		return err
	}
	if policy.ReviewPermission != "" && !actor.Has(policy.ReviewPermission) {
		return fmt.Errorf("%w: requires %s", shared.ErrForbidden, policy.ReviewPermission)
	}
	return nil
}

// lineAmount values the mutation for threshold comparison. Products without a
// unit cost fall back to the raw quantity.
func (s *Service) lineAmount(ctx context.Context, productID int64, quantity decimal.Decimal) (decimal.Decimal, error) {
	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// Let the mutation engine produce the NotFound on execution.
			return quantity, nil
		}
		return decimal.Zero, err
	}
	if product.UnitCost.IsZero() {
		return quantity, nil
	}
	return quantity.Mul(product.UnitCost), nil
}

func (s *Service) revert(ctx context.Context, requestID int64) {
	if err := s.repo.RevertToPending(ctx, requestID); err != nil && s.logger != nil {
		s.logger.Error("revert approval claim", slog.Int64("request_id", requestID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, requestID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "approval_request",
		EntityID: fmt.Sprintf("%d", requestID),
		Meta:     meta,
		At:       time.Now().UTC(),
	})
}
