package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vbonduro/homeinv/internal/domain"
)

var ErrNotFound = errors.New("item not found")

const itemColumns = `id, category, name, purchase_date, price, manufacturer, model_number,
	official_page, notes, image_key, warranty_key, receipt_key, manual_key, created_at, updated_at`

type ItemStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewItemStore(db *sql.DB, logger *slog.Logger) *ItemStore {
	return &ItemStore{db: db, logger: logger}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*domain.Item, error) {
	item := &domain.Item{}
	var price sql.NullFloat64
	err := row.Scan(
		&item.ID, &item.Category, &item.Name, &item.PurchaseDate, &price,
		&item.Manufacturer, &item.ModelNumber, &item.OfficialPage, &item.Notes,
		&item.ImageKey, &item.WarrantyKey, &item.ReceiptKey, &item.ManualKey,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if price.Valid {
		item.Price = &price.Float64
	}
	return item, nil
}

// Create inserts item and returns the stored row. Attachment keys are ignored;
// use SetAttachment.
func (s *ItemStore) Create(ctx context.Context, item *domain.Item) (*domain.Item, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO items (category, name, name_search, purchase_date, price, manufacturer, model_number, official_page, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.Category, item.Name, foldName(item.Name), item.PurchaseDate, item.Price,
		item.Manufacturer, item.ModelNumber, item.OfficialPage, item.Notes)
	if err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID returns nil, nil when no item has id.
func (s *ItemStore) GetByID(ctx context.Context, id int64) (*domain.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// List returns all items, most recent purchase first.
func (s *ItemStore) List(ctx context.Context) ([]*domain.Item, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM items ORDER BY purchase_date DESC, id DESC`)
}

// ListByCategory returns the items in category, most recent purchase first.
func (s *ItemStore) ListByCategory(ctx context.Context, category domain.Category) ([]*domain.Item, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM items WHERE category = ? ORDER BY purchase_date DESC, id DESC`, category)
}

// Search matches query as a case-insensitive substring of the item name.
// Matching runs against name_search, which holds the name folded in Go;
// SQLite's LOWER only folds ASCII.
func (s *ItemStore) Search(ctx context.Context, query string) ([]*domain.Item, error) {
	pattern := "%" + escapeLike(foldName(query)) + "%"
	return s.query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE name_search LIKE ? ESCAPE '\'
		ORDER BY purchase_date DESC, id DESC
	`, pattern)
}

func foldName(s string) string {
	return strings.ToLower(s)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *ItemStore) query(ctx context.Context, q string, args ...any) ([]*domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer s.closeRows(rows)

	items := make([]*domain.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}

// Update overwrites the editable fields of item.ID.
func (s *ItemStore) Update(ctx context.Context, item *domain.Item) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE items SET category = ?, name = ?, name_search = ?, purchase_date = ?, price = ?, manufacturer = ?,
			model_number = ?, official_page = ?, notes = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, item.Category, item.Name, foldName(item.Name), item.PurchaseDate, item.Price, item.Manufacturer,
		item.ModelNumber, item.OfficialPage, item.Notes, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	return checkAffected(result)
}

func (s *ItemStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return checkAffected(result)
}

func slotColumn(slot domain.Slot) (string, error) {
	switch slot {
	case domain.SlotImage:
		return "image_key", nil
	case domain.DocumentSlot(domain.DocumentWarranty):
		return "warranty_key", nil
	case domain.DocumentSlot(domain.DocumentReceipt):
		return "receipt_key", nil
	case domain.DocumentSlot(domain.DocumentManual):
		return "manual_key", nil
	}
	return "", fmt.Errorf("unknown attachment slot %q", slot)
}

// SetAttachment stores key in slot and returns the key it replaced.
func (s *ItemStore) SetAttachment(ctx context.Context, id int64, slot domain.Slot, key string) (previous string, err error) {
	column, err := slotColumn(slot)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				s.logger.Error("failed to roll back attachment update", "item_id", id, "error", rerr)
			}
		}
	}()

	err = tx.QueryRowContext(ctx, `SELECT `+column+` FROM items WHERE id = ?`, id).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read attachment: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE items SET `+column+` = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, key, id,
	); err != nil {
		return "", fmt.Errorf("failed to set attachment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit attachment: %w", err)
	}
	return previous, nil
}

// Totals returns the number of items and the sum of their prices.
func (s *ItemStore) Totals(ctx context.Context) (count int, cost float64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(price), 0) FROM items`).Scan(&count, &cost)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to total items: %w", err)
	}
	return count, cost, nil
}

// CategoryCounts returns the number of items per category. Categories with no
// items are absent.
func (s *ItemStore) CategoryCounts(ctx context.Context) (map[domain.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM items GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	defer s.closeRows(rows)

	counts := make(map[domain.Category]int)
	for rows.Next() {
		var category domain.Category
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		counts[category] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating category counts: %w", err)
	}
	return counts, nil
}

// MonthlyTotals sums prices by purchase month ("YYYY-MM") for purchases on or
// after since ("YYYY-MM-DD"). Months with no purchases are absent.
func (s *ItemStore) MonthlyTotals(ctx context.Context, since string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(purchase_date, 1, 7) AS month, COALESCE(SUM(price), 0)
		FROM items
		WHERE purchase_date >= ?
		GROUP BY month
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to total months: %w", err)
	}
	defer s.closeRows(rows)

	totals := make(map[string]float64)
	for rows.Next() {
		var month string
		var amount float64
		if err := rows.Scan(&month, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan monthly total: %w", err)
		}
		totals[month] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating monthly totals: %w", err)
	}
	return totals, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ItemStore) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.logger.Error("failed to close rows", "error", err)
	}
}
