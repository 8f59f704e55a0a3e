// Copyright 2025 Certen Protocol
//
// Postgres-backed atomic store. Each named operation runs as a single
// transaction that locks the relevant row with SELECT ... FOR UPDATE before
// its conditional INSERT/UPDATE, so the compare-and-swap is evaluated and
// applied server-side as one atomic unit. No read-compare-write in the
// service layer is ever trusted for safety.
//
// AccountStore, IssuerChannelStore and VendorChannelStore are separate
// types sharing one *sql.DB because AccountRepo.Get and IssuerChannelRepo.Get
// address different record kinds under the same method name — Go does not
// let one type answer to "Get" with two unrelated signatures.

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/certen/settlement/pkg/settlement"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the shared connection pool and exposes one repository per
// concern. The issuer and vendor processes each construct their own
// instance against their own DATABASE_URL; nothing here assumes a shared
// database between them.
type DB struct {
	conn   *sql.DB
	logger *log.Logger
}

// Option configures a DB.
type Option func(*DB)

func WithLogger(logger *log.Logger) Option {
	return func(d *DB) { d.logger = logger }
}

func Open(ctx context.Context, databaseURL string, opts ...Option) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("store: database URL cannot be empty")
	}
	d := &DB{logger: log.New(log.Writer(), "[Store] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(d)
	}
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	d.conn = conn
	return d, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// Accounts returns the AccountRepo view over this connection.
func (d *DB) Accounts() *AccountStore { return &AccountStore{db: d.conn} }

// IssuerChannels returns the IssuerChannelRepo view over this connection.
func (d *DB) IssuerChannels() *IssuerChannelStore { return &IssuerChannelStore{db: d.conn} }

// VendorChannels returns the VendorChannelRepo view over this connection.
func (d *DB) VendorChannels() *VendorChannelStore { return &VendorChannelStore{db: d.conn} }

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, in filename order.
func (d *DB) MigrateUp(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		version := strings.TrimSuffix(name, ".sql")

		var applied bool
		_ = d.conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&applied)
		if applied {
			continue
		}

		tx, err := d.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES ($1) ON CONFLICT DO NOTHING`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %s: %w", name, err)
		}
		d.logger.Printf("applied migration %s", name)
	}
	return nil
}

// ---------------------------------------------------------------------
// AccountStore : AccountRepo
// ---------------------------------------------------------------------

type AccountStore struct{ db *sql.DB }

func (s *AccountStore) Get(ctx context.Context, pubKeyDERB64 string) (*settlement.Account, error) {
	var a settlement.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key_der_b64, balance FROM accounts WHERE public_key_der_b64=$1`,
		pubKeyDERB64,
	).Scan(&a.PublicKeyDERB64, &a.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account: %w", err)
	}
	return &a, nil
}

func (s *AccountStore) Register(ctx context.Context, pubKeyDERB64 string) (settlement.Account, error) {
	acc := settlement.NewAccount(pubKeyDERB64)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(public_key_der_b64, balance) VALUES ($1, $2)
		 ON CONFLICT (public_key_der_b64) DO NOTHING`,
		acc.PublicKeyDERB64, acc.Balance,
	)
	if err != nil {
		return settlement.Account{}, fmt.Errorf("store: register account: %w", err)
	}
	existing, err := s.Get(ctx, pubKeyDERB64)
	if err != nil {
		return settlement.Account{}, err
	}
	return *existing, nil
}

func (s *AccountStore) UpdateBalance(ctx context.Context, pubKeyDERB64 string, delta int64) (settlement.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return settlement.Account{}, fmt.Errorf("store: begin update balance: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE public_key_der_b64=$1 FOR UPDATE`, pubKeyDERB64,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Account{}, settlement.ErrAccountNotFound
	}
	if err != nil {
		return settlement.Account{}, fmt.Errorf("store: lock account: %w", err)
	}

	next := balance + delta
	if next < 0 {
		return settlement.Account{}, settlement.ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=$1 WHERE public_key_der_b64=$2`, next, pubKeyDERB64); err != nil {
		return settlement.Account{}, fmt.Errorf("store: update balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return settlement.Account{}, fmt.Errorf("store: commit update balance: %w", err)
	}
	return settlement.Account{PublicKeyDERB64: pubKeyDERB64, Balance: next}, nil
}

// ---------------------------------------------------------------------
// IssuerChannelStore : IssuerChannelRepo
// ---------------------------------------------------------------------

type IssuerChannelStore struct{ db *sql.DB }

func (s *IssuerChannelStore) CreateExclusive(ctx context.Context, ch settlement.Channel) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_channels (
			channel_id, variant, client_pub_der_b64, vendor_pub_der_b64, salt_b64,
			amount, balance, is_closed, created_at,
			root_b64, unit_value, max_k, max_i, hash_alg
		) VALUES ($1,$2,$3,$4,$5,$6,0,false,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (channel_id) DO NOTHING`,
		ch.ChannelID, string(ch.Variant), ch.ClientPubDERB64, ch.VendorPubDERB64, ch.SaltB64,
		ch.Amount, ch.CreatedAt,
		nullableStr(ch.RootB64), ch.UnitValue, nullableInt(ch.MaxK), nullableInt(ch.MaxI), nullableStr(ch.HashAlg),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create_channel_exclusive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: create_channel_exclusive rows affected: %w", err)
	}
	if n == 0 {
		return CodeRejected, nil
	}
	_, _ = s.db.ExecContext(ctx, `INSERT INTO channel_index(zkey, channel_id, score) VALUES ($1,$2,$3)`,
		IndexAllChannels, ch.ChannelID, ch.CreatedAt.Unix())
	_, _ = s.db.ExecContext(ctx, `INSERT INTO channel_index(zkey, channel_id, score) VALUES ($1,$2,$3)`,
		IndexOpenChannels, ch.ChannelID, ch.CreatedAt.Unix())
	return CodeStored, nil
}

func (s *IssuerChannelStore) Get(ctx context.Context, channelID string) (*settlement.Channel, error) {
	return scanChannel(ctx, s.db, channelID)
}

func (s *IssuerChannelStore) Delete(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM payment_channels WHERE channel_id=$1`, channelID)
	if err != nil {
		return fmt.Errorf("store: delete channel: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM channel_index WHERE channel_id=$1`, channelID)
	return nil
}

func (s *IssuerChannelStore) MarkClosed(ctx context.Context, channelID string, closePayloadB64, clientSigB64, vendorSigB64 string, balance int64, closedAt time.Time) error {
	return markChannelClosed(ctx, s.db, channelID, closePayloadB64, clientSigB64, vendorSigB64, balance, closedAt)
}

// ListByIndex scans a channel index newest-first, ZREVRANGE-style: start and
// stop are inclusive zero-based positions, stop = -1 meaning "to the end".
func (s *IssuerChannelStore) ListByIndex(ctx context.Context, index string, start, stop int) ([]string, error) {
	if start < 0 {
		start = 0
	}
	q := `SELECT channel_id FROM channel_index WHERE zkey=$1 ORDER BY score DESC, channel_id OFFSET $2`
	args := []interface{}{index, start}
	if stop >= 0 {
		if stop < start {
			return nil, nil
		}
		q += ` LIMIT $3`
		args = append(args, stop-start+1)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list channel index %s: %w", index, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan channel index row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate channel index: %w", err)
	}
	return ids, nil
}

// ---------------------------------------------------------------------
// VendorChannelStore : VendorChannelRepo
// ---------------------------------------------------------------------

type VendorChannelStore struct{ db *sql.DB }

func (s *VendorChannelStore) GetByChannelID(ctx context.Context, channelID string) (*settlement.Channel, error) {
	return scanChannel(ctx, s.db, channelID)
}

func (s *VendorChannelStore) GetSignatureState(ctx context.Context, channelID string) (*settlement.SignatureState, error) {
	var st settlement.SignatureState
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, cumulative_owed_amount, payload_b64, client_signature_b64, created_at
		FROM latest_signature_state WHERE channel_id=$1`, channelID,
	).Scan(&st.ChannelID, &st.CumulativeOwedAmount, &st.PayloadB64, &st.ClientSignatureB64, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get signature state: %w", err)
	}
	return &st, nil
}

func (s *VendorChannelStore) GetPayWordState(ctx context.Context, channelID string) (*settlement.PayWordState, error) {
	var st settlement.PayWordState
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, k, token_b64, payload_b64, client_signature_b64, created_at
		FROM latest_payword_state WHERE channel_id=$1`, channelID,
	).Scan(&st.ChannelID, &st.K, &st.TokenB64, &st.PayloadB64, &st.ClientSignatureB64, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get payword state: %w", err)
	}
	return &st, nil
}

func (s *VendorChannelStore) GetPayTreeState(ctx context.Context, variant string, channelID string) (*settlement.PayTreeState, error) {
	return scanPayTreeState(ctx, s.db, variant, channelID, false)
}

// SaveChannelAndInitialState implements save_channel_and_initial_state:
// writes the channel and the first latest-state record atomically iff
// neither key already exists.
func (s *VendorChannelStore) SaveChannelAndInitialState(ctx context.Context, ch settlement.Channel, state interface{}) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin save_channel_and_initial_state: %w", err)
	}
	defer tx.Rollback()

	var channelExists bool
	_ = tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payment_channels WHERE channel_id=$1)`, ch.ChannelID).Scan(&channelExists)
	stateExists, err := stateRowExists(ctx, tx, ch.Variant, ch.ChannelID)
	if err != nil {
		return 0, err
	}
	if channelExists || stateExists {
		return CodeRejected, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payment_channels (
			channel_id, variant, client_pub_der_b64, vendor_pub_der_b64, salt_b64,
			amount, balance, is_closed, created_at,
			root_b64, unit_value, max_k, max_i, hash_alg
		) VALUES ($1,$2,$3,$4,$5,$6,$7,false,$8,$9,$10,$11,$12,$13)`,
		ch.ChannelID, string(ch.Variant), ch.ClientPubDERB64, ch.VendorPubDERB64, ch.SaltB64,
		ch.Amount, ch.Balance, ch.CreatedAt,
		nullableStr(ch.RootB64), ch.UnitValue, nullableInt(ch.MaxK), nullableInt(ch.MaxI), nullableStr(ch.HashAlg),
	); err != nil {
		return 0, fmt.Errorf("store: insert channel: %w", err)
	}

	if err := insertState(ctx, tx, ch.Variant, state); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO channel_index(zkey, channel_id, score) VALUES ($1,$2,$3)`,
		IndexAllChannels, ch.ChannelID, ch.CreatedAt.Unix()); err != nil {
		return 0, fmt.Errorf("store: index all: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO channel_index(zkey, channel_id, score) VALUES ($1,$2,$3)`,
		IndexOpenChannels, ch.ChannelID, ch.CreatedAt.Unix()); err != nil {
		return 0, fmt.Errorf("store: index open: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit save_channel_and_initial_state: %w", err)
	}
	return CodeStored, nil
}

// SaveSignaturePayment implements save_signature_payment.
func (s *VendorChannelStore) SaveSignaturePayment(ctx context.Context, channelID string, newState settlement.SignatureState) (int, *settlement.SignatureState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("store: begin save_signature_payment: %w", err)
	}
	defer tx.Rollback()

	var amount int64
	err = tx.QueryRowContext(ctx, `SELECT amount FROM payment_channels WHERE channel_id=$1 FOR UPDATE`, channelID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return CodeChannelMissing, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("store: lock channel: %w", err)
	}

	var cur settlement.SignatureState
	err = tx.QueryRowContext(ctx, `
		SELECT channel_id, cumulative_owed_amount, payload_b64, client_signature_b64, created_at
		FROM latest_signature_state WHERE channel_id=$1 FOR UPDATE`, channelID,
	).Scan(&cur.ChannelID, &cur.CumulativeOwedAmount, &cur.PayloadB64, &cur.ClientSignatureB64, &cur.CreatedAt)
	hasCurrent := !errors.Is(err, sql.ErrNoRows)
	if err != nil && hasCurrent {
		return 0, nil, fmt.Errorf("store: lock signature state: %w", err)
	}

	if hasCurrent && newState.CumulativeOwedAmount <= cur.CumulativeOwedAmount {
		return CodeRejected, &cur, nil
	}
	if newState.CumulativeOwedAmount > amount {
		return CodeRejected, &cur, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO latest_signature_state(channel_id, cumulative_owed_amount, payload_b64, client_signature_b64, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (channel_id) DO UPDATE SET
			cumulative_owed_amount=EXCLUDED.cumulative_owed_amount,
			payload_b64=EXCLUDED.payload_b64,
			client_signature_b64=EXCLUDED.client_signature_b64,
			created_at=EXCLUDED.created_at`,
		newState.ChannelID, newState.CumulativeOwedAmount, newState.PayloadB64, newState.ClientSignatureB64, newState.CreatedAt,
	); err != nil {
		return 0, nil, fmt.Errorf("store: upsert signature state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("store: commit save_signature_payment: %w", err)
	}
	return CodeStored, &newState, nil
}

// SavePayWordPayment implements save_payword_payment.
func (s *VendorChannelStore) SavePayWordPayment(ctx context.Context, channelID string, newState settlement.PayWordState) (int, *settlement.PayWordState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("store: begin save_payword_payment: %w", err)
	}
	defer tx.Rollback()

	var maxK int
	err = tx.QueryRowContext(ctx, `SELECT max_k FROM payment_channels WHERE channel_id=$1 FOR UPDATE`, channelID).Scan(&maxK)
	if errors.Is(err, sql.ErrNoRows) {
		return CodeChannelMissing, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("store: lock channel: %w", err)
	}

	var cur settlement.PayWordState
	err = tx.QueryRowContext(ctx, `
		SELECT channel_id, k, token_b64, payload_b64, client_signature_b64, created_at
		FROM latest_payword_state WHERE channel_id=$1 FOR UPDATE`, channelID,
	).Scan(&cur.ChannelID, &cur.K, &cur.TokenB64, &cur.PayloadB64, &cur.ClientSignatureB64, &cur.CreatedAt)
	hasCurrent := !errors.Is(err, sql.ErrNoRows)
	if err != nil && hasCurrent {
		return 0, nil, fmt.Errorf("store: lock payword state: %w", err)
	}

	if newState.K > maxK {
		if hasCurrent {
			return CodeExceedsWindow, &cur, nil
		}
		return CodeExceedsWindow, nil, nil
	}
	if hasCurrent && newState.K <= cur.K {
		return CodeRejected, &cur, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO latest_payword_state(channel_id, k, token_b64, payload_b64, client_signature_b64, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (channel_id) DO UPDATE SET
			k=EXCLUDED.k, token_b64=EXCLUDED.token_b64,
			payload_b64=EXCLUDED.payload_b64, client_signature_b64=EXCLUDED.client_signature_b64,
			created_at=EXCLUDED.created_at`,
		newState.ChannelID, newState.K, newState.TokenB64, newState.PayloadB64, newState.ClientSignatureB64, newState.CreatedAt,
	); err != nil {
		return 0, nil, fmt.Errorf("store: upsert payword state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("store: commit save_payword_payment: %w", err)
	}
	return CodeStored, &newState, nil
}

// SavePayTreePayment implements save_paytree_payment for any of the three
// PayTree variants (the variant only changes which row is addressed).
func (s *VendorChannelStore) SavePayTreePayment(ctx context.Context, variant string, channelID string, newState settlement.PayTreeState) (int, *settlement.PayTreeState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("store: begin save_paytree_payment: %w", err)
	}
	defer tx.Rollback()

	var maxI int
	err = tx.QueryRowContext(ctx, `SELECT max_i FROM payment_channels WHERE channel_id=$1 FOR UPDATE`, channelID).Scan(&maxI)
	if errors.Is(err, sql.ErrNoRows) {
		return CodeChannelMissing, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("store: lock channel: %w", err)
	}

	cur, err := scanPayTreeStateTx(ctx, tx, variant, channelID, true)
	if err != nil {
		return 0, nil, err
	}

	if newState.I > maxI {
		return CodeExceedsWindow, cur, nil
	}
	if cur != nil && newState.I <= cur.I {
		return CodeRejected, cur, nil
	}

	siblingsJSON, _ := json.Marshal(newState.SiblingsB64)
	cacheJSON, _ := json.Marshal(newState.NodeCacheB64)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO latest_paytree_state(channel_id, variant, i, leaf_b64, siblings_b64, node_cache_b64, payload_b64, client_signature_b64, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (channel_id, variant) DO UPDATE SET
			i=EXCLUDED.i, leaf_b64=EXCLUDED.leaf_b64, siblings_b64=EXCLUDED.siblings_b64,
			node_cache_b64=EXCLUDED.node_cache_b64, payload_b64=EXCLUDED.payload_b64,
			client_signature_b64=EXCLUDED.client_signature_b64, created_at=EXCLUDED.created_at`,
		newState.ChannelID, variant, newState.I, newState.LeafB64, siblingsJSON, cacheJSON,
		newState.PayloadB64, newState.ClientSignatureB64, newState.CreatedAt,
	); err != nil {
		return 0, nil, fmt.Errorf("store: upsert paytree state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("store: commit save_paytree_payment: %w", err)
	}
	return CodeStored, &newState, nil
}

func (s *VendorChannelStore) MarkClosed(ctx context.Context, channelID string, closePayloadB64, clientSigB64, vendorSigB64 string, balance int64) error {
	return markChannelClosed(ctx, s.db, channelID, closePayloadB64, clientSigB64, vendorSigB64, balance, time.Now())
}

// ---------------------------------------------------------------------
// shared helpers
// ---------------------------------------------------------------------

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scanChannel(ctx context.Context, q queryer, channelID string) (*settlement.Channel, error) {
	var ch settlement.Channel
	var rootB64, hashAlg sql.NullString
	var maxK, maxI sql.NullInt64
	var closedAt sql.NullTime
	var closePayload, clientSig, vendorSig sql.NullString

	err := q.QueryRowContext(ctx, `
		SELECT channel_id, variant, client_pub_der_b64, vendor_pub_der_b64, salt_b64,
		       amount, balance, is_closed, created_at, closed_at,
		       root_b64, unit_value, max_k, max_i, hash_alg,
		       close_payload_b64, client_close_signature_b64, vendor_close_signature_b64
		FROM payment_channels WHERE channel_id=$1`, channelID,
	).Scan(
		&ch.ChannelID, &ch.Variant, &ch.ClientPubDERB64, &ch.VendorPubDERB64, &ch.SaltB64,
		&ch.Amount, &ch.Balance, &ch.IsClosed, &ch.CreatedAt, &closedAt,
		&rootB64, &ch.UnitValue, &maxK, &maxI, &hashAlg,
		&closePayload, &clientSig, &vendorSig,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get channel: %w", err)
	}
	ch.RootB64 = rootB64.String
	ch.HashAlg = hashAlg.String
	ch.MaxK = int(maxK.Int64)
	ch.MaxI = int(maxI.Int64)
	ch.ClosePayloadB64 = closePayload.String
	ch.ClientCloseSignatureB64 = clientSig.String
	ch.VendorCloseSignatureB64 = vendorSig.String
	if closedAt.Valid {
		t := closedAt.Time
		ch.ClosedAt = &t
	}
	return &ch, nil
}

func markChannelClosed(ctx context.Context, db *sql.DB, channelID, closePayloadB64, clientSigB64, vendorSigB64 string, balance int64, closedAt time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin mark closed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_channels
		SET is_closed=true, balance=$1, closed_at=$2,
		    close_payload_b64=$3, client_close_signature_b64=$4, vendor_close_signature_b64=$5
		WHERE channel_id=$6 AND is_closed=false`,
		balance, closedAt, closePayloadB64, clientSigB64, vendorSigB64, channelID,
	)
	if err != nil {
		return fmt.Errorf("store: mark closed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return settlement.ErrChannelClosed
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_index WHERE zkey=$1 AND channel_id=$2`, IndexOpenChannels, channelID); err != nil {
		return fmt.Errorf("store: move channel index (delete open): %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO channel_index(zkey, channel_id, score) VALUES ($1,$2,$3)`,
		IndexClosedChannels, channelID, closedAt.Unix()); err != nil {
		return fmt.Errorf("store: move channel index (insert closed): %w", err)
	}
	return tx.Commit()
}

func stateRowExists(ctx context.Context, tx *sql.Tx, variant settlement.Variant, channelID string) (bool, error) {
	var table, extra string
	switch variant {
	case settlement.VariantSignature:
		table = "latest_signature_state"
	case settlement.VariantPayWord:
		table = "latest_payword_state"
	default:
		table = "latest_paytree_state"
		extra = " AND variant=$2"
	}
	q := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE channel_id=$1%s)`, table, extra)
	var exists bool
	var err error
	if extra == "" {
		err = tx.QueryRowContext(ctx, q, channelID).Scan(&exists)
	} else {
		err = tx.QueryRowContext(ctx, q, channelID, string(variant)).Scan(&exists)
	}
	if err != nil {
		return false, fmt.Errorf("store: check state existence: %w", err)
	}
	return exists, nil
}

func insertState(ctx context.Context, tx *sql.Tx, variant settlement.Variant, state interface{}) error {
	switch variant {
	case settlement.VariantSignature:
		st := state.(settlement.SignatureState)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO latest_signature_state(channel_id, cumulative_owed_amount, payload_b64, client_signature_b64, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			st.ChannelID, st.CumulativeOwedAmount, st.PayloadB64, st.ClientSignatureB64, st.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert signature state: %w", err)
		}
	case settlement.VariantPayWord:
		st := state.(settlement.PayWordState)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO latest_payword_state(channel_id, k, token_b64, payload_b64, client_signature_b64, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			st.ChannelID, st.K, st.TokenB64, st.PayloadB64, st.ClientSignatureB64, st.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert payword state: %w", err)
		}
	default:
		st := state.(settlement.PayTreeState)
		siblingsJSON, _ := json.Marshal(st.SiblingsB64)
		cacheJSON, _ := json.Marshal(st.NodeCacheB64)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO latest_paytree_state(channel_id, variant, i, leaf_b64, siblings_b64, node_cache_b64, payload_b64, client_signature_b64, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			st.ChannelID, string(variant), st.I, st.LeafB64, siblingsJSON, cacheJSON, st.PayloadB64, st.ClientSignatureB64, st.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert paytree state: %w", err)
		}
	}
	return nil
}

func scanPayTreeState(ctx context.Context, db *sql.DB, variant, channelID string, forUpdate bool) (*settlement.PayTreeState, error) {
	q := `SELECT channel_id, i, leaf_b64, siblings_b64, node_cache_b64, payload_b64, client_signature_b64, created_at
		FROM latest_paytree_state WHERE channel_id=$1 AND variant=$2`
	var st settlement.PayTreeState
	var siblingsJSON, cacheJSON []byte
	err := db.QueryRowContext(ctx, q, channelID, variant).Scan(
		&st.ChannelID, &st.I, &st.LeafB64, &siblingsJSON, &cacheJSON, &st.PayloadB64, &st.ClientSignatureB64, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get paytree state: %w", err)
	}
	_ = json.Unmarshal(siblingsJSON, &st.SiblingsB64)
	if len(cacheJSON) > 0 {
		_ = json.Unmarshal(cacheJSON, &st.NodeCacheB64)
	}
	return &st, nil
}

func scanPayTreeStateTx(ctx context.Context, tx *sql.Tx, variant, channelID string, forUpdate bool) (*settlement.PayTreeState, error) {
	q := `SELECT channel_id, i, leaf_b64, siblings_b64, node_cache_b64, payload_b64, client_signature_b64, created_at
		FROM latest_paytree_state WHERE channel_id=$1 AND variant=$2`
	if forUpdate {
		q += " FOR UPDATE"
	}
	var st settlement.PayTreeState
	var siblingsJSON, cacheJSON []byte
	err := tx.QueryRowContext(ctx, q, channelID, variant).Scan(
		&st.ChannelID, &st.I, &st.LeafB64, &siblingsJSON, &cacheJSON, &st.PayloadB64, &st.ClientSignatureB64, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock paytree state: %w", err)
	}
	_ = json.Unmarshal(siblingsJSON, &st.SiblingsB64)
	if len(cacheJSON) > 0 {
		_ = json.Unmarshal(cacheJSON, &st.NodeCacheB64)
	}
	return &st, nil
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}
