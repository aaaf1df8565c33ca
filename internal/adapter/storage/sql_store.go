package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

// sweepLimit bounds Pending when the caller passes no limit.
const sweepLimit = 100

// dialect holds what differs between the SQL backends. lockCount is appended
// to the reads that derive a new id or position inside a read-write unit.
type dialect struct {
	name              string
	lockCount         string
	isUniqueViolation func(error) bool
}

// SQLStore persists marketplace state in a relational database. Each unit
// of work is one database transaction.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: time.Now}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func (s *SQLStore) Update(ctx context.Context, fn func(tx port.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLStore) View(ctx context.Context, fn func(tx port.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLStore) run(ctx context.Context, readOnly bool, fn func(tx port.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errStorageNotConfigured
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, store: s, readOnly: readOnly}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for maintenance and tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

type sqlTx struct {
	tx       *sql.Tx
	store    *SQLStore
	readOnly bool
}

func (t *sqlTx) Catalog() port.CatalogRepository { return sqlCatalog{t} }
func (t *sqlTx) Ledger() port.LedgerRepository   { return sqlLedger{t} }
func (t *sqlTx) Outbox() port.TransferOutbox     { return sqlOutbox{t} }

func (t *sqlTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

type sqlCatalog struct{ t *sqlTx }

func (c sqlCatalog) Count(ctx context.Context) (uint64, error) {
	query := `SELECT COUNT(*) FROM apps`
	if !c.t.readOnly {
		query += c.t.store.dialect.lockCount
	}
	var count uint64
	if err := c.t.tx.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count apps: %w", err)
	}
	return count, nil
}

func (c sqlCatalog) Insert(ctx context.Context, item domain.Item) error {
	if err := c.t.writable(); err != nil {
		return err
	}
	_, err := c.t.tx.ExecContext(ctx, `
		INSERT INTO apps (id, title, genre, price, published_at, publisher)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int64(item.ID), item.Title, string(item.Genre), item.Price,
		toMillis(item.PublishedAt), string(item.Publisher),
	)
	if err != nil {
		if c.t.store.dialect.isUniqueViolation(err) {
			return ErrItemExists
		}
		return fmt.Errorf("insert app: %w", err)
	}
	return nil
}

const selectApps = `SELECT id, title, genre, price, published_at, publisher FROM apps`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.Item, error) {
	var (
		item        domain.Item
		id          int64
		genre       string
		publisher   string
		publishedAt int64
	)
	if err := row.Scan(&id, &item.Title, &genre, &item.Price, &publishedAt, &publisher); err != nil {
		return domain.Item{}, err
	}
	item.ID = domain.ItemID(id)
	item.Genre = domain.Genre(genre)
	item.Publisher = domain.Identity(publisher)
	item.PublishedAt = fromMillis(publishedAt)
	return item, nil
}

func (c sqlCatalog) Get(ctx context.Context, id domain.ItemID) (domain.Item, error) {
	item, err := scanItem(c.t.tx.QueryRowContext(ctx, selectApps+` WHERE id = ?`, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Item{}, domain.ErrItemNotFound
		}
		return domain.Item{}, fmt.Errorf("get app: %w", err)
	}
	return item, nil
}

// Items streams rows lazily; the sequence is only valid inside the unit of
// work that produced it.
func (c sqlCatalog) Items(ctx context.Context) iter.Seq2[domain.Item, error] {
	return func(yield func(domain.Item, error) bool) {
		rows, err := c.t.tx.QueryContext(ctx, selectApps+` ORDER BY id ASC`)
		if err != nil {
			yield(domain.Item{}, fmt.Errorf("list apps: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				yield(domain.Item{}, fmt.Errorf("list apps: %w", err))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Item{}, fmt.Errorf("list apps: %w", err))
		}
	}
}

type sqlLedger struct{ t *sqlTx }

func (l sqlLedger) Contains(ctx context.Context, itemID domain.ItemID, buyer domain.Identity) (bool, error) {
	var n int
	err := l.t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchases WHERE item_id = ? AND buyer = ?`,
		int64(itemID), string(buyer),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query purchase: %w", err)
	}
	return n > 0, nil
}

func (l sqlLedger) Append(ctx context.Context, itemID domain.ItemID, buyer domain.Identity) error {
	if err := l.t.writable(); err != nil {
		return err
	}
	var position int64
	err := l.t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM purchases WHERE item_id = ?`+l.t.store.dialect.lockCount,
		int64(itemID),
	).Scan(&position)
	if err != nil {
		return fmt.Errorf("next purchase position: %w", err)
	}
	_, err = l.t.tx.ExecContext(ctx,
		`INSERT INTO purchases (item_id, position, buyer) VALUES (?, ?, ?)`,
		int64(itemID), position, string(buyer),
	)
	if err != nil {
		if l.t.store.dialect.isUniqueViolation(err) {
			return domain.ErrAlreadyPurchased
		}
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

func (l sqlLedger) Buyers(ctx context.Context, itemID domain.ItemID) ([]domain.Identity, error) {
	rows, err := l.t.tx.QueryContext(ctx,
		`SELECT buyer FROM purchases WHERE item_id = ? ORDER BY position ASC`, int64(itemID))
	if err != nil {
		return nil, fmt.Errorf("list buyers: %w", err)
	}
	defer rows.Close()

	buyers := make([]domain.Identity, 0)
	for rows.Next() {
		var buyer string
		if err := rows.Scan(&buyer); err != nil {
			return nil, fmt.Errorf("list buyers: %w", err)
		}
		buyers = append(buyers, domain.Identity(buyer))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buyers: %w", err)
	}
	return buyers, nil
}

func (l sqlLedger) ItemsOf(ctx context.Context, buyer domain.Identity) ([]domain.ItemID, error) {
	rows, err := l.t.tx.QueryContext(ctx,
		`SELECT item_id FROM purchases WHERE buyer = ? ORDER BY item_id ASC`, string(buyer))
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	ids := make([]domain.ItemID, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list purchases: %w", err)
		}
		ids = append(ids, domain.ItemID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	return ids, nil
}

type sqlOutbox struct{ t *sqlTx }

func (o sqlOutbox) Schedule(ctx context.Context, s domain.Settlement) error {
	if err := o.t.writable(); err != nil {
		return err
	}
	_, err := o.t.tx.ExecContext(ctx, `
		INSERT INTO settlements (id, item_id, buyer, seller, price, attached_value,
		                         platform_fee, seller_fee, refund, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, int64(s.ItemID), string(s.Buyer), string(s.Seller), s.Price, s.AttachedValue,
		s.PlatformFee, s.SellerFee, s.Refund, toMillis(s.CreatedAt),
	)
	if err != nil {
		if o.t.store.dialect.isUniqueViolation(err) {
			return ErrSettlementExists
		}
		return fmt.Errorf("insert settlement: %w", err)
	}

	for _, t := range s.Transfers {
		_, err := o.t.tx.ExecContext(ctx, `
			INSERT INTO transfers (id, settlement_id, seq, kind, recipient, amount, status, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, s.ID, t.Seq, string(t.Kind), string(t.Recipient), t.Amount,
			string(t.Status), t.LastError, toMillis(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert transfer %d: %w", t.Seq, err)
		}
	}
	return nil
}

func (o sqlOutbox) Pending(ctx context.Context, limit int) ([]domain.Settlement, error) {
	if limit <= 0 {
		limit = sweepLimit
	}
	rows, err := o.t.tx.QueryContext(ctx, `
		SELECT s.id FROM settlements s
		 WHERE EXISTS (SELECT 1 FROM transfers t WHERE t.settlement_id = s.id AND t.status = ?)
		 ORDER BY s.created_at ASC, s.id ASC
		 LIMIT ?`,
		string(domain.TransferPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending settlements: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("query pending settlements: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("query pending settlements: %w", err)
	}
	rows.Close()

	pending := make([]domain.Settlement, 0, len(ids))
	for _, id := range ids {
		s, err := o.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		pending = append(pending, s)
	}
	return pending, nil
}

func (o sqlOutbox) Get(ctx context.Context, settlementID string) (domain.Settlement, error) {
	var (
		s                 domain.Settlement
		itemID, createdAt int64
		buyer, seller     string
	)
	err := o.t.tx.QueryRowContext(ctx, `
		SELECT id, item_id, buyer, seller, price, attached_value, platform_fee, seller_fee, refund, created_at
		  FROM settlements WHERE id = ?`, settlementID,
	).Scan(&s.ID, &itemID, &buyer, &seller, &s.Price, &s.AttachedValue,
		&s.PlatformFee, &s.SellerFee, &s.Refund, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Settlement{}, ErrSettlementNotFound
		}
		return domain.Settlement{}, fmt.Errorf("get settlement: %w", err)
	}
	s.ItemID = domain.ItemID(itemID)
	s.Buyer = domain.Identity(buyer)
	s.Seller = domain.Identity(seller)
	s.CreatedAt = fromMillis(createdAt)

	rows, err := o.t.tx.QueryContext(ctx, `
		SELECT id, seq, kind, recipient, amount, status, last_error, updated_at
		  FROM transfers WHERE settlement_id = ? ORDER BY seq ASC`, settlementID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("get transfers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                       domain.Transfer
			kind, recipient, status string
			updatedAt               int64
		)
		if err := rows.Scan(&t.ID, &t.Seq, &kind, &recipient, &t.Amount, &status, &t.LastError, &updatedAt); err != nil {
			return domain.Settlement{}, fmt.Errorf("get transfers: %w", err)
		}
		t.SettlementID = s.ID
		t.Kind = domain.TransferKind(kind)
		t.Recipient = domain.Identity(recipient)
		t.Status = domain.TransferStatus(status)
		t.UpdatedAt = fromMillis(updatedAt)
		s.Transfers = append(s.Transfers, t)
	}
	if err := rows.Err(); err != nil {
		return domain.Settlement{}, fmt.Errorf("get transfers: %w", err)
	}
	return s, nil
}

func (o sqlOutbox) MarkTransfer(ctx context.Context, transferID string, status domain.TransferStatus, lastError string) error {
	if err := o.t.writable(); err != nil {
		return err
	}
	result, err := o.t.tx.ExecContext(ctx,
		`UPDATE transfers SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, toMillis(o.t.store.now()), transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransferNotFound
	}
	return nil
}

var _ port.Store = (*SQLStore)(nil)
