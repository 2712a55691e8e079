// Package store persists lifecycle state to SQLite so the engine can rebuild
// its in-memory tables across restarts. Writes are write-through journals of
// individual mutations; reads happen once, at startup. The in-memory engine
// remains authoritative; per-call atomicity lives there, not here.
package store

import (
	"database/sql"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/trigslink/blockend/internal/ledger"
	"github.com/trigslink/blockend/internal/registry"
	_ "modernc.org/sqlite"
)

// Store provides journal persistence for the registry and the ledger.
type Store struct {
	db *sql.DB
}

// Snapshot is the full persisted state, as loaded at startup.
type Snapshot struct {
	Listings        []registry.Listing
	RegistryBalance *big.Int
	Participants    []string
	Subscriptions   map[string][]ledger.Subscription
	LedgerBalance   *big.Int
	Credits         map[string]*big.Int
}

// Open opens (or creates) the lifecycle database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "lifecycle.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lifecycle db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id          INTEGER PRIMARY KEY,
		owner       TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		url         TEXT NOT NULL DEFAULT '',
		price_usd   TEXT NOT NULL,
		updated_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_listings_owner ON listings(owner);

	CREATE TABLE IF NOT EXISTS subscriptions (
		consumer    TEXT NOT NULL,
		idx         INTEGER NOT NULL,
		listing_id  INTEGER NOT NULL,
		provider    TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		start_time  INTEGER NOT NULL,
		status      TEXT NOT NULL,
		service_url TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (consumer, idx)
	);

	CREATE TABLE IF NOT EXISTS participants (
		position  INTEGER PRIMARY KEY AUTOINCREMENT,
		principal TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS balances (
		component TEXT PRIMARY KEY,
		amount    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credits (
		principal TEXT PRIMARY KEY,
		amount    TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init lifecycle schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveListing implements registry.Journal.
func (s *Store) SaveListing(l registry.Listing) error {
	_, err := s.db.Exec(`
		INSERT INTO listings (id, owner, name, description, url, price_usd, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name        = excluded.name,
			description = excluded.description,
			url         = excluded.url,
			price_usd   = excluded.price_usd,
			updated_at  = excluded.updated_at`,
		l.ID, l.Owner, l.Name, l.Description, l.URL, amountText(l.PriceUSD), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save listing %d: %w", l.ID, err)
	}
	return nil
}

// SaveRegistryBalance implements registry.Journal.
func (s *Store) SaveRegistryBalance(balance *big.Int) error {
	return s.saveBalance("registry", balance)
}

// AddParticipant implements ledger.Journal. Repeat inserts are no-ops so the
// persisted order matches first-subscribe order.
func (s *Store) AddParticipant(principal string) error {
	_, err := s.db.Exec(
		`INSERT INTO participants (principal) VALUES (?) ON CONFLICT(principal) DO NOTHING`,
		principal,
	)
	if err != nil {
		return fmt.Errorf("save participant %s: %w", principal, err)
	}
	return nil
}

// SaveSubscription implements ledger.Journal.
func (s *Store) SaveSubscription(consumer string, index int, sub ledger.Subscription) error {
	_, err := s.db.Exec(`
		INSERT INTO subscriptions (consumer, idx, listing_id, provider, amount_paid, start_time, status, service_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(consumer, idx) DO UPDATE SET
			status = excluded.status`,
		consumer, index, sub.ListingID, sub.Provider, amountText(sub.AmountPaid),
		sub.StartTime.Unix(), string(sub.Status), sub.ServiceURL,
	)
	if err != nil {
		return fmt.Errorf("save subscription %s/%d: %w", consumer, index, err)
	}
	return nil
}

// SaveLedgerBalance implements ledger.Journal.
func (s *Store) SaveLedgerBalance(balance *big.Int) error {
	return s.saveBalance("ledger", balance)
}

// SaveCredit implements ledger.Journal.
func (s *Store) SaveCredit(principal string, credit *big.Int) error {
	_, err := s.db.Exec(`
		INSERT INTO credits (principal, amount) VALUES (?, ?)
		ON CONFLICT(principal) DO UPDATE SET amount = excluded.amount`,
		principal, amountText(credit),
	)
	if err != nil {
		return fmt.Errorf("save credit for %s: %w", principal, err)
	}
	return nil
}

func (s *Store) saveBalance(component string, balance *big.Int) error {
	_, err := s.db.Exec(`
		INSERT INTO balances (component, amount) VALUES (?, ?)
		ON CONFLICT(component) DO UPDATE SET amount = excluded.amount`,
		component, amountText(balance),
	)
	if err != nil {
		return fmt.Errorf("save %s balance: %w", component, err)
	}
	return nil
}

// Load reads the full persisted state for startup restoration.
func (s *Store) Load() (*Snapshot, error) {
	snap := &Snapshot{
		RegistryBalance: big.NewInt(0),
		Subscriptions:   make(map[string][]ledger.Subscription),
		LedgerBalance:   big.NewInt(0),
		Credits:         make(map[string]*big.Int),
	}

	rows, err := s.db.Query(`SELECT id, owner, name, description, url, price_usd FROM listings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	for rows.Next() {
		var l registry.Listing
		var price string
		if err := rows.Scan(&l.ID, &l.Owner, &l.Name, &l.Description, &l.URL, &price); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.PriceUSD = parseAmount(price)
		snap.Listings = append(snap.Listings, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}

	rows, err = s.db.Query(`SELECT principal FROM participants ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		snap.Participants = append(snap.Participants, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	rows, err = s.db.Query(`
		SELECT consumer, listing_id, provider, amount_paid, start_time, status, service_url
		FROM subscriptions ORDER BY consumer, idx`)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	for rows.Next() {
		var consumer, amount, status string
		var sub ledger.Subscription
		var startUnix int64
		if err := rows.Scan(&consumer, &sub.ListingID, &sub.Provider, &amount, &startUnix, &status, &sub.ServiceURL); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.AmountPaid = parseAmount(amount)
		sub.StartTime = time.Unix(startUnix, 0).UTC()
		sub.Status = ledger.Status(status)
		snap.Subscriptions[consumer] = append(snap.Subscriptions[consumer], sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	rows, err = s.db.Query(`SELECT principal, amount FROM credits`)
	if err != nil {
		return nil, fmt.Errorf("load credits: %w", err)
	}
	for rows.Next() {
		var principal, amount string
		if err := rows.Scan(&principal, &amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		snap.Credits[principal] = parseAmount(amount)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credits: %w", err)
	}

	balRows, err := s.db.Query(`SELECT component, amount FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer balRows.Close()
	for balRows.Next() {
		var component, amount string
		if err := balRows.Scan(&component, &amount); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		switch component {
		case "registry":
			snap.RegistryBalance = parseAmount(amount)
		case "ledger":
			snap.LedgerBalance = parseAmount(amount)
		}
	}
	if err := balRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}

	return snap, nil
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
