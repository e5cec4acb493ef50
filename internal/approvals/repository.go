package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockledger/stockledger/internal/platform/db"
	"github.com/stockledger/stockledger/internal/shared"
)

// Repository persists approval requests, staged payloads and policies.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertStaged(ctx context.Context, entityType EntityType, data []byte) (int64, error)
	InsertRequest(ctx context.Context, request Request) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("approvals repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetPolicy loads the policy for an entity type. A missing row reads as a
// disabled policy.
func (r *Repository) GetPolicy(ctx context.Context, entityType EntityType) (Policy, error) {
	var p Policy
	err := r.pool.QueryRow(ctx, `SELECT entity_type, enabled, review_permission, min_amount, warehouse_id
FROM approval_policies WHERE entity_type=$1`, string(entityType)).
		Scan(&p.EntityType, &p.Enabled, &p.ReviewPermission, &p.MinAmount, &p.WarehouseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{EntityType: entityType, Enabled: false}, nil
		}
		return Policy{}, err
	}
	return p, nil
}

// GetRequest loads a request by id.
func (r *Repository) GetRequest(ctx context.Context, id int64) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, entity_type, staged_id, status, requester_id, reviewer_id, request_comment, review_comment, summary, requested_at, reviewed_at, executed_at
FROM approval_requests WHERE id=$1`, id)
	request, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("approvals: request %d: %w", id, shared.ErrNotFound)
		}
		return Request{}, err
	}
	return request, nil
}

// ListPending returns PENDING requests oldest first.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, entity_type, staged_id, status, requester_id, reviewer_id, request_comment, review_comment, summary, requested_at, reviewed_at, executed_at
FROM approval_requests WHERE status=$1 ORDER BY requested_at ASC LIMIT $2`, string(StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	requests := []Request{}
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// GetStaged loads a staged payload.
func (r *Repository) GetStaged(ctx context.Context, id int64) (StagedPayload, error) {
	var p StagedPayload
	var entityType string
	err := r.pool.QueryRow(ctx, `SELECT id, entity_type, payload, created_at FROM approval_staged_payloads WHERE id=$1`, id).
		Scan(&p.ID, &entityType, &p.Data, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StagedPayload{}, fmt.Errorf("approvals: staged payload %d: %w", id, shared.ErrNotFound)
		}
		return StagedPayload{}, err
	}
	p.EntityType = EntityType(entityType)
	return p, nil
}

// TransitionIfPending atomically flips a PENDING request into a terminal
// status. Returns false when the request was no longer PENDING.
func (r *Repository) TransitionIfPending(ctx context.Context, id int64, to Status, reviewerID int64, comment string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE approval_requests
SET status=$2, reviewer_id=$3, review_comment=$4, reviewed_at=NOW()
WHERE id=$1 AND status=$5`, id, string(to), reviewerID, comment, string(StatusPending))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkExecuted stamps the committed execution of an approved request.
func (r *Repository) MarkExecuted(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE approval_requests SET executed_at=NOW() WHERE id=$1`, id)
	return err
}

// RevertToPending undoes a claim after a failed downstream execution so the
// request stays resolvable.
func (r *Repository) RevertToPending(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE approval_requests
SET status=$2, reviewer_id=NULL, review_comment='', reviewed_at=NULL
WHERE id=$1`, id, string(StatusPending))
	return err
}

func (r *txRepository) InsertStaged(ctx context.Context, entityType EntityType, data []byte) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO approval_staged_payloads (entity_type, payload, created_at)
VALUES ($1,$2,NOW()) RETURNING id`, string(entityType), data).Scan(&id)
	return id, err
}

func (r *txRepository) InsertRequest(ctx context.Context, request Request) (int64, error) {
	summaryJSON, err := encodeSummary(request.Summary)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.tx.QueryRow(ctx, `INSERT INTO approval_requests (entity_type, staged_id, status, requester_id, request_comment, review_comment, summary, requested_at)
VALUES ($1,$2,$3,$4,$5,'',$6,NOW()) RETURNING id`,
		string(request.EntityType), request.StagedID, string(request.Status), nullID(request.RequesterID), request.RequestComment, summaryJSON).Scan(&id)
	return id, err
}

type summaryEnvelope struct {
	Type EntityType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encodeSummary(summary EntitySummary) ([]byte, error) {
	if summary == nil {
		return []byte(`null`), nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	return json.Marshal(summaryEnvelope{Type: summary.SummaryType(), Data: data})
}

func decodeSummary(raw []byte) (EntitySummary, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var envelope summaryEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case EntityPurchaseReceive:
		var s ReceiveSummary
		return s, json.Unmarshal(envelope.Data, &s)
	case EntitySaleConfirm:
		var s SaleSummary
		return s, json.Unmarshal(envelope.Data, &s)
	case EntityStockAdjustment:
		var s AdjustmentSummary
		return s, json.Unmarshal(envelope.Data, &s)
	case EntityStockTransfer:
		var s TransferSummary
		return s, json.Unmarshal(envelope.Data, &s)
	default:
		return nil, fmt.Errorf("approvals: unknown summary type %q", envelope.Type)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var request Request
	var entityType, status string
	var requesterID *int64
	var summaryRaw []byte
	err := row.Scan(&request.ID, &entityType, &request.StagedID, &status, &requesterID, &request.ReviewerID,
		&request.RequestComment, &request.ReviewComment, &summaryRaw, &request.RequestedAt, &request.ReviewedAt, &request.ExecutedAt)
	if err != nil {
		return Request{}, err
	}
	request.EntityType = EntityType(entityType)
	request.Status = Status(status)
	if requesterID != nil {
		request.RequesterID = *requesterID
	}
	request.Summary, err = decodeSummary(summaryRaw)
	if err != nil {
		return Request{}, err
	}
	return request, nil
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
