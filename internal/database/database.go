package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"marketplace-api/internal/models"
)

// DB is the durable store behind the in-memory authoritative state. The core
// writes through it: a mutation is only confirmed to the caller after the
// durable write succeeded, and everything is reloadable on process start.
type DB struct {
	conn *sql.DB
}

// NewDB opens (or creates) the database and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			state INTEGER NOT NULL,
			owners TEXT NOT NULL,
			managers TEXT NOT NULL,
			appointed_by TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			brand TEXT NOT NULL,
			price_cents INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			description TEXT NOT NULL,
			UNIQUE(store_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS discounts (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			spec TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			spec TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			nominator TEXT NOT NULL,
			nominee TEXT NOT NULL,
			votes TEXT NOT NULL,
			state INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			decided_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			store_id TEXT NOT NULL,
			lines TEXT NOT NULL,
			subtotal_cents INTEGER NOT NULL,
			discount_cents INTEGER NOT NULL,
			total_cents INTEGER NOT NULL,
			payment_ref TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_products_store ON products(store_id)`,
		`CREATE INDEX IF NOT EXISTS idx_discounts_store ON discounts(store_id)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_store ON policies(store_id)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_store ON appointments(store_id)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_store ON purchases(store_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return errors.Wrap(err, "execute schema query")
		}
	}
	return nil
}

// SaveStore upserts a store's core record (identity, state, membership).
// Inventory, discounts and policies live in their own tables.
func (db *DB) SaveStore(store *models.Store) error {
	owners, err := json.Marshal(store.Owners)
	if err != nil {
		return errors.Wrap(err, "marshal owners")
	}
	managers, err := json.Marshal(store.Managers)
	if err != nil {
		return errors.Wrap(err, "marshal managers")
	}
	appointedBy, err := json.Marshal(store.AppointedBy)
	if err != nil {
		return errors.Wrap(err, "marshal appointed_by")
	}

	query := `INSERT INTO stores (id, name, state, owners, managers, appointed_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			owners = excluded.owners,
			managers = excluded.managers,
			appointed_by = excluded.appointed_by,
			updated_at = excluded.updated_at`

	_, err = db.conn.Exec(query, store.ID.String(), store.Name, int(store.State),
		string(owners), string(managers), string(appointedBy),
		time.Now().UTC().Format(time.RFC3339))
	return errors.Wrap(err, "upsert store")
}

// SaveProduct upserts one product row.
func (db *DB) SaveProduct(p *models.Product) error {
	query := `INSERT INTO products (id, store_id, name, category, brand, price_cents, quantity, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			brand = excluded.brand,
			price_cents = excluded.price_cents,
			quantity = excluded.quantity,
			description = excluded.description`

	_, err := db.conn.Exec(query, p.ID.String(), p.StoreID.String(), p.Name,
		p.Category, p.Brand, p.PriceCents, p.Quantity, p.Description)
	return errors.Wrap(err, "upsert product")
}

// DeleteProduct removes a product row.
func (db *DB) DeleteProduct(id uuid.UUID) error {
	_, err := db.conn.Exec(`DELETE FROM products WHERE id = ?`, id.String())
	return errors.Wrap(err, "delete product")
}

// SaveDiscount upserts a discount rule; the tagged-variant spec is one JSON
// column rather than a table per variant.
func (db *DB) SaveDiscount(storeID uuid.UUID, d *models.Discount) error {
	spec, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal discount")
	}
	query := `INSERT INTO discounts (id, store_id, spec) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET spec = excluded.spec`
	_, err = db.conn.Exec(query, d.ID.String(), storeID.String(), string(spec))
	return errors.Wrap(err, "upsert discount")
}

// DeleteDiscount removes a discount rule.
func (db *DB) DeleteDiscount(id uuid.UUID) error {
	_, err := db.conn.Exec(`DELETE FROM discounts WHERE id = ?`, id.String())
	return errors.Wrap(err, "delete discount")
}

// SavePolicy upserts a purchase policy.
func (db *DB) SavePolicy(storeID uuid.UUID, p *models.Policy) error {
	spec, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal policy")
	}
	query := `INSERT INTO policies (id, store_id, spec) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET spec = excluded.spec`
	_, err = db.conn.Exec(query, p.ID.String(), storeID.String(), string(spec))
	return errors.Wrap(err, "upsert policy")
}

// DeletePolicy removes a purchase policy.
func (db *DB) DeletePolicy(id uuid.UUID) error {
	_, err := db.conn.Exec(`DELETE FROM policies WHERE id = ?`, id.String())
	return errors.Wrap(err, "delete policy")
}

// SaveAppointment upserts an appointment, pending or terminal.
func (db *DB) SaveAppointment(a *models.Appointment) error {
	votes, err := json.Marshal(a.Votes)
	if err != nil {
		return errors.Wrap(err, "marshal votes")
	}
	var decidedAt interface{}
	if !a.DecidedAt.IsZero() {
		decidedAt = a.DecidedAt.Format(time.RFC3339)
	}
	query := `INSERT INTO appointments (id, store_id, nominator, nominee, votes, state, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			votes = excluded.votes,
			state = excluded.state,
			decided_at = excluded.decided_at`
	_, err = db.conn.Exec(query, a.ID.String(), a.StoreID.String(), a.Nominator,
		a.Nominee, string(votes), int(a.State),
		a.CreatedAt.Format(time.RFC3339), decidedAt)
	return errors.Wrap(err, "upsert appointment")
}

// SavePurchases appends a checkout's immutable purchase records in one
// transaction. Purchases are never updated, so these are plain inserts and a
// duplicate id rolls the whole batch back.
func (db *DB) SavePurchases(purchases []*models.Purchase) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return errors.Wrap(err, "begin purchase batch")
	}
	query := `INSERT INTO purchases (id, user_id, store_id, lines, subtotal_cents, discount_cents, total_cents, payment_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, p := range purchases {
		lines, err := json.Marshal(p.Lines)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "marshal purchase lines")
		}
		_, err = tx.Exec(query, p.ID.String(), p.UserID, p.StoreID.String(),
			string(lines), p.SubtotalCents, p.DiscountCents, p.TotalCents,
			p.PaymentRef, p.CreatedAt.Format(time.RFC3339))
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "insert purchase")
		}
	}
	return errors.Wrap(tx.Commit(), "commit purchase batch")
}

// LoadStores rebuilds every store, with inventory, discounts and policies
// attached, for loading into the registry at startup.
func (db *DB) LoadStores() ([]*models.Store, error) {
	rows, err := db.conn.Query(`SELECT id, name, state, owners, managers, appointed_by FROM stores`)
	if err != nil {
		return nil, errors.Wrap(err, "query stores")
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*models.Store)
	var stores []*models.Store
	for rows.Next() {
		var (
			idStr, name, owners, managers, appointedBy string
			state                                      int
		)
		if err := rows.Scan(&idStr, &name, &state, &owners, &managers, &appointedBy); err != nil {
			return nil, errors.Wrap(err, "scan store")
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, errors.Wrap(err, "parse store id")
		}
		store := &models.Store{
			ID:        id,
			Name:      name,
			State:     models.StoreState(state),
			Inventory: make(map[string]*models.Product),
			Discounts: make(map[uuid.UUID]*models.Discount),
			Policies:  make(map[uuid.UUID]*models.Policy),
		}
		if err := json.Unmarshal([]byte(owners), &store.Owners); err != nil {
			return nil, errors.Wrap(err, "unmarshal owners")
		}
		if err := json.Unmarshal([]byte(managers), &store.Managers); err != nil {
			return nil, errors.Wrap(err, "unmarshal managers")
		}
		if err := json.Unmarshal([]byte(appointedBy), &store.AppointedBy); err != nil {
			return nil, errors.Wrap(err, "unmarshal appointed_by")
		}
		byID[id] = store
		stores = append(stores, store)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate stores")
	}

	if err := db.loadProducts(byID); err != nil {
		return nil, err
	}
	if err := db.loadDiscounts(byID); err != nil {
		return nil, err
	}
	if err := db.loadPolicies(byID); err != nil {
		return nil, err
	}
	return stores, nil
}

func (db *DB) loadProducts(stores map[uuid.UUID]*models.Store) error {
	rows, err := db.conn.Query(`SELECT id, store_id, name, category, brand, price_cents, quantity, description FROM products`)
	if err != nil {
		return errors.Wrap(err, "query products")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idStr, storeIDStr string
			p                 models.Product
		)
		if err := rows.Scan(&idStr, &storeIDStr, &p.Name, &p.Category, &p.Brand, &p.PriceCents, &p.Quantity, &p.Description); err != nil {
			return errors.Wrap(err, "scan product")
		}
		if p.ID, err = uuid.Parse(idStr); err != nil {
			return errors.Wrap(err, "parse product id")
		}
		if p.StoreID, err = uuid.Parse(storeIDStr); err != nil {
			return errors.Wrap(err, "parse product store id")
		}
		if store, ok := stores[p.StoreID]; ok {
			clone := p
			store.Inventory[p.Name] = &clone
		}
	}
	return errors.Wrap(rows.Err(), "iterate products")
}

func (db *DB) loadDiscounts(stores map[uuid.UUID]*models.Store) error {
	rows, err := db.conn.Query(`SELECT store_id, spec FROM discounts`)
	if err != nil {
		return errors.Wrap(err, "query discounts")
	}
	defer rows.Close()

	for rows.Next() {
		var storeIDStr, spec string
		if err := rows.Scan(&storeIDStr, &spec); err != nil {
			return errors.Wrap(err, "scan discount")
		}
		storeID, err := uuid.Parse(storeIDStr)
		if err != nil {
			return errors.Wrap(err, "parse discount store id")
		}
		var d models.Discount
		if err := json.Unmarshal([]byte(spec), &d); err != nil {
			return errors.Wrap(err, "unmarshal discount spec")
		}
		if store, ok := stores[storeID]; ok {
			store.Discounts[d.ID] = &d
		}
	}
	return errors.Wrap(rows.Err(), "iterate discounts")
}

func (db *DB) loadPolicies(stores map[uuid.UUID]*models.Store) error {
	rows, err := db.conn.Query(`SELECT store_id, spec FROM policies`)
	if err != nil {
		return errors.Wrap(err, "query policies")
	}
	defer rows.Close()

	for rows.Next() {
		var storeIDStr, spec string
		if err := rows.Scan(&storeIDStr, &spec); err != nil {
			return errors.Wrap(err, "scan policy")
		}
		storeID, err := uuid.Parse(storeIDStr)
		if err != nil {
			return errors.Wrap(err, "parse policy store id")
		}
		var p models.Policy
		if err := json.Unmarshal([]byte(spec), &p); err != nil {
			return errors.Wrap(err, "unmarshal policy spec")
		}
		if store, ok := stores[storeID]; ok {
			store.Policies[p.ID] = &p
		}
	}
	return errors.Wrap(rows.Err(), "iterate policies")
}

// LoadAppointments rebuilds every appointment record.
func (db *DB) LoadAppointments() ([]*models.Appointment, error) {
	rows, err := db.conn.Query(`SELECT id, store_id, nominator, nominee, votes, state, created_at, decided_at FROM appointments`)
	if err != nil {
		return nil, errors.Wrap(err, "query appointments")
	}
	defer rows.Close()

	var out []*models.Appointment
	for rows.Next() {
		var (
			idStr, storeIDStr, votes, createdAt string
			decidedAt                           sql.NullString
			a                                   models.Appointment
			state                               int
		)
		if err := rows.Scan(&idStr, &storeIDStr, &a.Nominator, &a.Nominee, &votes, &state, &createdAt, &decidedAt); err != nil {
			return nil, errors.Wrap(err, "scan appointment")
		}
		if a.ID, err = uuid.Parse(idStr); err != nil {
			return nil, errors.Wrap(err, "parse appointment id")
		}
		if a.StoreID, err = uuid.Parse(storeIDStr); err != nil {
			return nil, errors.Wrap(err, "parse appointment store id")
		}
		if err := json.Unmarshal([]byte(votes), &a.Votes); err != nil {
			return nil, errors.Wrap(err, "unmarshal votes")
		}
		a.State = models.AppointmentState(state)
		if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, errors.Wrap(err, "parse created_at")
		}
		if decidedAt.Valid {
			if a.DecidedAt, err = time.Parse(time.RFC3339, decidedAt.String); err != nil {
				return nil, errors.Wrap(err, "parse decided_at")
			}
		}
		out = append(out, &a)
	}
	return out, errors.Wrap(rows.Err(), "iterate appointments")
}

// PurchasesByUser returns a shopper's purchase history, newest first.
func (db *DB) PurchasesByUser(userID string) ([]models.Purchase, error) {
	return db.queryPurchases(`SELECT id, user_id, store_id, lines, subtotal_cents, discount_cents, total_cents, payment_ref, created_at
		FROM purchases WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
}

// PurchasesByStore returns a store's purchase history, newest first.
func (db *DB) PurchasesByStore(storeID uuid.UUID) ([]models.Purchase, error) {
	return db.queryPurchases(`SELECT id, user_id, store_id, lines, subtotal_cents, discount_cents, total_cents, payment_ref, created_at
		FROM purchases WHERE store_id = ? ORDER BY created_at DESC, id`, storeID.String())
}

// AllPurchases returns the system-wide purchase ledger, newest first.
func (db *DB) AllPurchases() ([]models.Purchase, error) {
	return db.queryPurchases(`SELECT id, user_id, store_id, lines, subtotal_cents, discount_cents, total_cents, payment_ref, created_at
		FROM purchases ORDER BY created_at DESC, id`)
}

func (db *DB) queryPurchases(query string, args ...interface{}) ([]models.Purchase, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query purchases")
	}
	defer rows.Close()

	var out []models.Purchase
	for rows.Next() {
		var (
			idStr, storeIDStr, lines, createdAt string
			p                                   models.Purchase
		)
		if err := rows.Scan(&idStr, &p.UserID, &storeIDStr, &lines, &p.SubtotalCents, &p.DiscountCents, &p.TotalCents, &p.PaymentRef, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan purchase")
		}
		if p.ID, err = uuid.Parse(idStr); err != nil {
			return nil, errors.Wrap(err, "parse purchase id")
		}
		if p.StoreID, err = uuid.Parse(storeIDStr); err != nil {
			return nil, errors.Wrap(err, "parse purchase store id")
		}
		if err := json.Unmarshal([]byte(lines), &p.Lines); err != nil {
			return nil, errors.Wrap(err, "unmarshal purchase lines")
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, errors.Wrap(err, "parse purchase created_at")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate purchases")
}
