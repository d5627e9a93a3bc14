package quote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agrispare-be/internal/logger"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// errStatusConflict means a conditional status write matched no row: the
// quote changed status (or vanished) since it was read.
var errStatusConflict = errors.New("quote status changed concurrently")

// Repository is the quote store adapter. It executes reads and writes only;
// permission logic lives in Authorize.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Quote, error)
	List(ctx context.Context, filter ListFilter) ([]*Quote, error)
	GetItems(ctx context.Context, quoteID uuid.UUID) ([]QuoteItem, error)
	GetItemsForQuotes(ctx context.Context, quoteIDs []uuid.UUID) (map[uuid.UUID][]QuoteItem, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	UpdateHeader(ctx context.Context, id uuid.UUID, h HeaderUpdate) error
	UpsertItems(ctx context.Context, quoteID uuid.UUID, items []ItemDelta) error
}

// Revision is everything a revise commits in one unit.
type Revision struct {
	QuoteID uuid.UUID
	From    Status
	Items   []ItemDelta
	Notes   string
	Status  Status
}

// RevisionCommitter is implemented by stores that can commit a revision in a
// single transaction. Stores without it get the ordered-write protocol.
type RevisionCommitter interface {
	CommitRevision(ctx context.Context, rev Revision) error
}

// NameResolver maps client/vendor ids to display names. Presentation only.
type NameResolver interface {
	DisplayNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const quoteColumns = `id, quote_number, status, client_id, vendor_id, notes, total_amount, valid_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*Quote, error) {
	var (
		q          Quote
		validUntil sql.NullTime
		notes      sql.NullString
	)
	if err := row.Scan(
		&q.ID,
		&q.QuoteNumber,
		&q.Status,
		&q.ClientID,
		&q.VendorID,
		&notes,
		&q.TotalAmount,
		&validUntil,
		&q.CreatedAt,
		&q.UpdatedAt,
	); err != nil {
		return nil, err
	}
	q.Notes = notes.String
	if validUntil.Valid {
		t := validUntil.Time
		q.ValidUntil = &t
	}
	return &q, nil
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Quote, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id)
	q, err := scanQuote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.FromCtx(ctx).Error("failed to get quote",
			zap.String("layer", "repository"),
			zap.String("quote_id", id.String()),
			zap.Error(err),
		)
		return nil, storageErr("get quote", err)
	}
	return q, nil
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]*Quote, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "repository"),
		zap.String("method", "List"),
		zap.Int32("limit", filter.Limit),
		zap.Int32("offset", filter.Offset),
	)

	// ---------- BASE QUERY ----------
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE 1=1`
	args := []any{}
	argIndex := 1

	// ---------- SCOPE ----------
	if filter.ClientID != nil {
		query += fmt.Sprintf(" AND client_id = $%d", argIndex)
		args = append(args, *filter.ClientID)
		argIndex++
	}
	if filter.VendorID != nil {
		query += fmt.Sprintf(" AND vendor_id = $%d", argIndex)
		args = append(args, *filter.VendorID)
		argIndex++
	}

	// ---------- FILTERING ----------
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}

	query += " ORDER BY created_at DESC, id DESC"

	// ---------- PAGINATION ----------
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	log.Debug("executing list quotes query", zap.String("query", query))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query quotes", zap.Error(err))
		return nil, storageErr("list quotes", err)
	}
	defer rows.Close()

	quotes := []*Quote{}
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			log.Error("failed to scan quote row", zap.Error(err))
			return nil, storageErr("list quotes", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		log.Error("rows iteration error", zap.Error(err))
		return nil, storageErr("list quotes", err)
	}

	log.Debug("list quotes success", zap.Int("count", len(quotes)))
	return quotes, nil
}

func (r *repository) GetItems(ctx context.Context, quoteID uuid.UUID) ([]QuoteItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, quote_id, product_name, quantity, price
		FROM quote_items
		WHERE quote_id = $1
		ORDER BY product_name, id
	`, quoteID)
	if err != nil {
		return nil, storageErr("get items", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, storageErr("get items", err)
	}
	return items, nil
}

func (r *repository) GetItemsForQuotes(ctx context.Context, quoteIDs []uuid.UUID) (map[uuid.UUID][]QuoteItem, error) {
	out := make(map[uuid.UUID][]QuoteItem, len(quoteIDs))
	if len(quoteIDs) == 0 {
		return out, nil
	}

	ids := make([]string, len(quoteIDs))
	for i, id := range quoteIDs {
		ids[i] = id.String()
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, quote_id, product_name, quantity, price
		FROM quote_items
		WHERE quote_id = ANY($1::uuid[])
		ORDER BY product_name, id
	`, pq.Array(ids))
	if err != nil {
		return nil, storageErr("get items for quotes", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, storageErr("get items for quotes", err)
	}
	for _, it := range items {
		out[it.QuoteID] = append(out[it.QuoteID], it)
	}
	return out, nil
}

func scanItems(rows *sql.Rows) ([]QuoteItem, error) {
	items := []QuoteItem{}
	for rows.Next() {
		var it QuoteItem
		if err := rows.Scan(&it.ID, &it.QuoteID, &it.ProductName, &it.Quantity, &it.Price); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpdateStatus moves a quote from one status to another. It only matches the
// row while it is still in from.
func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE quotes
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		logger.FromCtx(ctx).Error("failed to update quote status",
			zap.String("layer", "repository"),
			zap.String("quote_id", id.String()),
			zap.Error(err),
		)
		return storageErr("update status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("update status", err)
	}
	if affected == 0 {
		return errStatusConflict
	}
	return nil
}

func (r *repository) UpdateHeader(ctx context.Context, id uuid.UUID, h HeaderUpdate) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE quotes
		SET notes = $1, total_amount = $2, status = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`, h.Notes, h.TotalAmount, h.Status, id, h.From)
	if err != nil {
		return storageErr("update header", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("update header", err)
	}
	if affected == 0 {
		return errStatusConflict
	}
	return nil
}

// UpsertItems writes new quantity/price values for existing lines.
func (r *repository) UpsertItems(ctx context.Context, quoteID uuid.UUID, items []ItemDelta) error {
	for _, it := range items {
		if err := updateItem(ctx, r.db, quoteID, it); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateItem(ctx context.Context, db execer, quoteID uuid.UUID, it ItemDelta) error {
	res, err := db.ExecContext(ctx, `
		UPDATE quote_items
		SET quantity = $1, price = $2
		WHERE id = $3 AND quote_id = $4
	`, it.Quantity, it.Price, it.ID, quoteID)
	if err != nil {
		return storageErr("update item", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("update item", err)
	}
	if affected == 0 {
		return storageErr("update item", fmt.Errorf("item %s not found on quote %s", it.ID, quoteID))
	}
	return nil
}

// CommitRevision applies item changes, the recomputed total, notes and the new
// status in one transaction. The total is computed from the item set as it
// stands inside the transaction, so a concurrent revise can never leave the
// header and lines disagreeing.
func (r *repository) CommitRevision(ctx context.Context, rev Revision) error {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "repository"),
		zap.String("method", "CommitRevision"),
		zap.String("quote_id", rev.QuoteID.String()),
		zap.Int("changed_items", len(rev.Items)),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("failed to begin transaction", zap.Error(err))
		return storageErr("begin revision", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()

	var current Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM quotes WHERE id = $1 FOR UPDATE`, rev.QuoteID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		log.Error("failed to lock quote", zap.Error(err))
		return storageErr("lock quote", err)
	}
	if current != rev.From {
		log.Info("quote status moved before revision", zap.String("current", string(current)))
		return errStatusConflict
	}

	for _, it := range rev.Items {
		if err := updateItem(ctx, tx, rev.QuoteID, it); err != nil {
			log.Error("failed to update quote item", zap.String("item_id", it.ID.String()), zap.Error(err))
			return err
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, quote_id, product_name, quantity, price
		FROM quote_items
		WHERE quote_id = $1
	`, rev.QuoteID)
	if err != nil {
		return storageErr("read items", err)
	}
	items, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return storageErr("read items", err)
	}
	total := ComputeTotal(items)

	if _, err := tx.ExecContext(ctx, `
		UPDATE quotes
		SET notes = $1, total_amount = $2, status = $3, updated_at = NOW()
		WHERE id = $4
	`, rev.Notes, total, rev.Status, rev.QuoteID); err != nil {
		log.Error("failed to update quote header", zap.Error(err))
		return storageErr("update header", err)
	}

	if err := tx.Commit(); err != nil {
		log.Error("failed to commit revision", zap.Error(err))
		return storageErr("commit revision", err)
	}
	committed = true

	log.Info("revision committed", zap.String("total_amount", total.StringFixed(MinorUnits)))
	return nil
}
