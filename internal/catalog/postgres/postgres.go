// Package postgres implements the Catalog (§4.1) on top of Postgres,
// the tested backend named in §6. Hot-path operations (transfer
// transitions, queue claims) use short, explicit transactions with
// row-level locking (SELECT ... FOR UPDATE); scheduling reads run at
// the default read-committed snapshot.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
)

type Catalog struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to the Postgres catalog and applies the schema.
// Applying the schema on open (rather than requiring a separate step)
// keeps single-node deployments and tests simple; librarianctl's
// "catalog migrate" subcommand exists for operators who want the
// schema applied out of band before the daemon starts.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Catalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindTransient, err, "opening catalog database")
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, cmn.Wrap(cmn.KindTransient, err, "pinging catalog database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "applying catalog schema")
	}
	return &Catalog{db: db, log: log.With().Str("component", "catalog.postgres").Logger()}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return cmn.Wrap(cmn.KindConflict, err, "constraint violation")
		case "40", "08": // transaction rollback, connection exception
			return cmn.Wrap(cmn.KindTransient, err, "transient database error")
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return cmn.Wrap(cmn.KindTransient, err, "database error")
}

// --- Librarians ---

func (c *Catalog) UpsertLibrarian(ctx context.Context, l catalog.Librarian) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO librarians (name, base_url, auth_token, network, sneakernet, last_seen, disabled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (name) DO UPDATE SET
			base_url=EXCLUDED.base_url, auth_token=EXCLUDED.auth_token,
			network=EXCLUDED.network, sneakernet=EXCLUDED.sneakernet`,
		l.Name, l.BaseURL, l.AuthToken, l.Network, l.SneakerNet, nullTime(l.LastSeen), nullTimePtr(l.DisabledAt))
	return classify(err)
}

func (c *Catalog) GetLibrarian(ctx context.Context, name string) (catalog.Librarian, error) {
	var l catalog.Librarian
	var lastSeen sql.NullTime
	var disabledAt sql.NullTime
	err := c.db.QueryRowContext(ctx, `SELECT name, base_url, auth_token, network, sneakernet, last_seen, disabled_at
		FROM librarians WHERE name=$1`, name).
		Scan(&l.Name, &l.BaseURL, &l.AuthToken, &l.Network, &l.SneakerNet, &lastSeen, &disabledAt)
	if err != nil {
		return catalog.Librarian{}, classify(err)
	}
	if lastSeen.Valid {
		l.LastSeen = lastSeen.Time
	}
	if disabledAt.Valid {
		t := disabledAt.Time
		l.DisabledAt = &t
	}
	return l, nil
}

func (c *Catalog) ListLibrarians(ctx context.Context) ([]catalog.Librarian, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, base_url, auth_token, network, sneakernet, last_seen, disabled_at FROM librarians ORDER BY name`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []catalog.Librarian
	for rows.Next() {
		var l catalog.Librarian
		var lastSeen, disabledAt sql.NullTime
		if err := rows.Scan(&l.Name, &l.BaseURL, &l.AuthToken, &l.Network, &l.SneakerNet, &lastSeen, &disabledAt); err != nil {
			return nil, classify(err)
		}
		if lastSeen.Valid {
			l.LastSeen = lastSeen.Time
		}
		if disabledAt.Valid {
			t := disabledAt.Time
			l.DisabledAt = &t
		}
		out = append(out, l)
	}
	return out, classify(rows.Err())
}

func (c *Catalog) MarkLibrarianSeen(ctx context.Context, name string, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `UPDATE librarians SET last_seen=$2 WHERE name=$1`, name, at)
	return classify(err)
}

func (c *Catalog) SetLibrarianDisabled(ctx context.Context, name string, disabledAt *time.Time) error {
	_, err := c.db.ExecContext(ctx, `UPDATE librarians SET disabled_at=$2 WHERE name=$1`, name, nullTimePtr(disabledAt))
	return classify(err)
}

// --- Stores ---

func (c *Catalog) UpsertStore(ctx context.Context, s catalog.Store) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO stores (name, backend, root, capacity, used, enabled, ingestable)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (name) DO UPDATE SET
			backend=EXCLUDED.backend, root=EXCLUDED.root, capacity=EXCLUDED.capacity,
			enabled=EXCLUDED.enabled, ingestable=EXCLUDED.ingestable`,
		s.Name, s.Backend, s.Root, s.Capacity, s.Used, s.Enabled, s.Ingestable)
	return classify(err)
}

func (c *Catalog) GetStore(ctx context.Context, name string) (catalog.Store, error) {
	var s catalog.Store
	err := c.db.QueryRowContext(ctx, `SELECT name, backend, root, capacity, used, enabled, ingestable FROM stores WHERE name=$1`, name).
		Scan(&s.Name, &s.Backend, &s.Root, &s.Capacity, &s.Used, &s.Enabled, &s.Ingestable)
	return s, classify(err)
}

func (c *Catalog) ListStores(ctx context.Context) ([]catalog.Store, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, backend, root, capacity, used, enabled, ingestable FROM stores ORDER BY name`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []catalog.Store
	for rows.Next() {
		var s catalog.Store
		if err := rows.Scan(&s.Name, &s.Backend, &s.Root, &s.Capacity, &s.Used, &s.Enabled, &s.Ingestable); err != nil {
			return nil, classify(err)
		}
		out = append(out, s)
	}
	return out, classify(rows.Err())
}

func (c *Catalog) SetStoreEnabled(ctx context.Context, name string, enabled bool) error {
	_, err := c.db.ExecContext(ctx, `UPDATE stores SET enabled=$2 WHERE name=$1`, name, enabled)
	return classify(err)
}

// AdjustStoreUsed applies delta to used under a row lock, and fails
// with ErrCapacityExceeded rather than violating the CHECK(used <=
// capacity) constraint blind (§3 invariant: a store's used never
// exceeds capacity).
func (c *Catalog) AdjustStoreUsed(ctx context.Context, name string, delta int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var used, capacity int64
	if err := tx.QueryRowContext(ctx, `SELECT used, capacity FROM stores WHERE name=$1 FOR UPDATE`, name).Scan(&used, &capacity); err != nil {
		return classify(err)
	}
	newUsed := used + delta
	if newUsed > capacity {
		return cmn.New(cmn.KindCapacityExceeded, "store %q: %d + %d exceeds capacity %d", name, used, delta, capacity)
	}
	if newUsed < 0 {
		newUsed = 0
	}
	if _, err := tx.ExecContext(ctx, `UPDATE stores SET used=$2 WHERE name=$1`, name, newUsed); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// --- Observations ---

func (c *Catalog) CreateObservation(ctx context.Context, o catalog.Observation) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO observations (id, julian_date, polarization, length_sec) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO NOTHING`, o.ID, o.JulianDate, o.Polarization, o.LengthSec)
	return classify(err)
}

func (c *Catalog) GetObservation(ctx context.Context, id string) (catalog.Observation, error) {
	var o catalog.Observation
	err := c.db.QueryRowContext(ctx, `SELECT id, julian_date, polarization, length_sec FROM observations WHERE id=$1`, id).
		Scan(&o.ID, &o.JulianDate, &o.Polarization, &o.LengthSec)
	return o, classify(err)
}

// --- Files & Instances ---

// CreateFile is atomic and idempotent per §4.1: if the file row
// already exists with a matching checksum, it's a no-op; a mismatched
// checksum on an existing row is a Conflict (immutability invariant,
// §3).
func (c *Catalog) CreateFile(ctx context.Context, f catalog.File, instance *catalog.Instance) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var existingKind, existingValue string
	err = tx.QueryRowContext(ctx, `SELECT checksum_kind, checksum_value FROM files WHERE name=$1 AND origin=$2 FOR UPDATE`,
		f.Name, f.Origin).Scan(&existingKind, &existingValue)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (name, origin, size_bytes, checksum_kind, checksum_value, uploaded_at, observation_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			f.Name, f.Origin, f.Size, string(f.Checksum.Kind), f.Checksum.Value, f.UploadedAt, f.ObservationID); err != nil {
			return classify(err)
		}
	case err != nil:
		return classify(err)
	default:
		if existingKind != string(f.Checksum.Kind) || existingValue != f.Checksum.Value {
			return cmn.New(cmn.KindConflict, "file %s/%s: checksum mismatch with existing row", f.Origin, f.Name)
		}
		// idempotent: same file, same checksum, nothing to do for the file row.
	}

	if instance != nil {
		if err := insertInstance(ctx, tx, *instance); err != nil {
			return err
		}
	}
	return classify(tx.Commit())
}

func insertInstance(ctx context.Context, tx *sql.Tx, inst catalog.Instance) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO instances (file_name, origin, store, path, created_at, available, deletion_policy)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (file_name, origin, store) DO NOTHING`,
		inst.FileName, inst.Origin, inst.Store, inst.Path, inst.CreatedAt, inst.Available, string(inst.Deletion))
	return classify(err)
}

func (c *Catalog) GetFile(ctx context.Context, key catalog.FileKey) (catalog.File, error) {
	var f catalog.File
	var kind, value string
	var obsID sql.NullString
	err := c.db.QueryRowContext(ctx, `SELECT name, origin, size_bytes, checksum_kind, checksum_value, uploaded_at, observation_id
		FROM files WHERE name=$1 AND origin=$2`, key.Name, key.Origin).
		Scan(&f.Name, &f.Origin, &f.Size, &kind, &value, &f.UploadedAt, &obsID)
	if err != nil {
		return catalog.File{}, classify(err)
	}
	f.Checksum = cos.Cksum{Kind: cos.Kind(kind), Value: value}
	if obsID.Valid {
		f.ObservationID = &obsID.String
	}
	return f, nil
}

func (c *Catalog) CreateInstance(ctx context.Context, inst catalog.Instance) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	if err := insertInstance(ctx, tx, inst); err != nil {
		return err
	}
	return classify(tx.Commit())
}

func (c *Catalog) SetInstanceAvailable(ctx context.Context, key catalog.FileKey, store string, available bool) error {
	_, err := c.db.ExecContext(ctx, `UPDATE instances SET available=$4 WHERE file_name=$1 AND origin=$2 AND store=$3`,
		key.Name, key.Origin, store, available)
	return classify(err)
}

func (c *Catalog) DeleteInstance(ctx context.Context, key catalog.FileKey, store string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM instances WHERE file_name=$1 AND origin=$2 AND store=$3`,
		key.Name, key.Origin, store)
	return classify(err)
}

func (c *Catalog) ListInstancesByStore(ctx context.Context, store string, uploadedBefore time.Time) ([]catalog.Instance, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT i.file_name, i.origin, i.store, i.path, i.created_at, i.available, i.deletion_policy
		FROM instances i
		WHERE i.store=$1 AND i.created_at <= $2
		ORDER BY i.created_at ASC, i.file_name ASC`, store, uploadedBefore)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (c *Catalog) ListInstances(ctx context.Context, key catalog.FileKey) ([]catalog.Instance, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_name, origin, store, path, created_at, available, deletion_policy
		FROM instances WHERE file_name=$1 AND origin=$2 ORDER BY store`, key.Name, key.Origin)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func scanInstances(rows *sql.Rows) ([]catalog.Instance, error) {
	var out []catalog.Instance
	for rows.Next() {
		var inst catalog.Instance
		var policy string
		if err := rows.Scan(&inst.FileName, &inst.Origin, &inst.Store, &inst.Path, &inst.CreatedAt, &inst.Available, &policy); err != nil {
			return nil, classify(err)
		}
		inst.Deletion = catalog.DeletionPolicy(policy)
		out = append(out, inst)
	}
	return out, classify(rows.Err())
}

func (c *Catalog) FilesOnlyOnStore(ctx context.Context, store string, uploadedBefore time.Time, limit int) ([]catalog.File, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT f.name, f.origin, f.size_bytes, f.checksum_kind, f.checksum_value, f.uploaded_at, f.observation_id
		FROM files f
		WHERE f.uploaded_at <= $2
		AND EXISTS (SELECT 1 FROM instances i WHERE i.file_name=f.name AND i.origin=f.origin AND i.store=$1 AND i.available)
		AND NOT EXISTS (SELECT 1 FROM instances i2 WHERE i2.file_name=f.name AND i2.origin=f.origin AND i2.store<>$1 AND i2.available)
		ORDER BY f.uploaded_at ASC, f.name ASC
		LIMIT $3`, store, uploadedBefore, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

func scanFiles(rows *sql.Rows) ([]catalog.File, error) {
	var out []catalog.File
	for rows.Next() {
		var f catalog.File
		var kind, value string
		var obsID sql.NullString
		if err := rows.Scan(&f.Name, &f.Origin, &f.Size, &kind, &value, &f.UploadedAt, &obsID); err != nil {
			return nil, classify(err)
		}
		f.Checksum = cos.Cksum{Kind: cos.Kind(kind), Value: value}
		if obsID.Valid {
			f.ObservationID = &obsID.String
		}
		out = append(out, f)
	}
	return out, classify(rows.Err())
}

// --- RemoteInstances ---

func (c *Catalog) RegisterRemoteInstance(ctx context.Context, ri catalog.RemoteInstance) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var existingKind, existingValue string
	err = tx.QueryRowContext(ctx, `SELECT verified_checksum_kind, verified_checksum_value FROM remote_instances
		WHERE file_name=$1 AND origin=$2 AND librarian=$3 FOR UPDATE`,
		ri.FileName, ri.Origin, ri.Librarian).Scan(&existingKind, &existingValue)

	if err == nil && existingValue != "" && existingValue != ri.VerifiedChecksum.Value {
		return cmn.New(cmn.KindRemoteCorrupt, "remote instance %s/%s@%s: checksum changed, refusing until reconciled",
			ri.Origin, ri.FileName, ri.Librarian)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO remote_instances (file_name, origin, librarian, copy_time, last_verified_at, verified_checksum_kind, verified_checksum_value)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (file_name, origin, librarian) DO UPDATE SET
			copy_time=EXCLUDED.copy_time, last_verified_at=EXCLUDED.last_verified_at,
			verified_checksum_kind=EXCLUDED.verified_checksum_kind, verified_checksum_value=EXCLUDED.verified_checksum_value`,
		ri.FileName, ri.Origin, ri.Librarian, ri.CopyTime, ri.LastVerifiedAt, string(ri.VerifiedChecksum.Kind), ri.VerifiedChecksum.Value)
	if err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (c *Catalog) ListRemoteInstances(ctx context.Context, key catalog.FileKey) ([]catalog.RemoteInstance, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_name, origin, librarian, copy_time, last_verified_at, verified_checksum_kind, verified_checksum_value
		FROM remote_instances WHERE file_name=$1 AND origin=$2`, key.Name, key.Origin)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []catalog.RemoteInstance
	for rows.Next() {
		var ri catalog.RemoteInstance
		var kind, value string
		var lastVerified sql.NullTime
		if err := rows.Scan(&ri.FileName, &ri.Origin, &ri.Librarian, &ri.CopyTime, &lastVerified, &kind, &value); err != nil {
			return nil, classify(err)
		}
		if lastVerified.Valid {
			ri.LastVerifiedAt = lastVerified.Time
		}
		ri.VerifiedChecksum = cos.Cksum{Kind: cos.Kind(kind), Value: value}
		out = append(out, ri)
	}
	return out, classify(rows.Err())
}

func (c *Catalog) FilesLackingRemote(ctx context.Context, destination string, uploadedBefore time.Time, limit int) ([]catalog.File, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT f.name, f.origin, f.size_bytes, f.checksum_kind, f.checksum_value, f.uploaded_at, f.observation_id
		FROM files f
		WHERE f.uploaded_at <= $2
		AND NOT EXISTS (SELECT 1 FROM remote_instances r WHERE r.file_name=f.name AND r.origin=f.origin AND r.librarian=$1)
		ORDER BY f.uploaded_at ASC, f.name ASC
		LIMIT $3`, destination, uploadedBefore, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

func (c *Catalog) DuplicateRemoteInstances(ctx context.Context) ([]catalog.FileKey, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_name, origin FROM remote_instances
		GROUP BY file_name, origin, librarian HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []catalog.FileKey
	for rows.Next() {
		var k catalog.FileKey
		if err := rows.Scan(&k.Name, &k.Origin); err != nil {
			return nil, classify(err)
		}
		out = append(out, k)
	}
	return out, classify(rows.Err())
}

// CollapseRemoteInstances is a no-op under this schema because
// (file_name, origin, librarian) is already the primary key — true
// duplicates can only arise from a stale secondary index or a
// restored backup; this method exists so the hypervisor (§4.4) has a
// uniform call regardless of backend, and future backends that don't
// enforce the key at the storage layer have a real target.
func (c *Catalog) CollapseRemoteInstances(ctx context.Context, key catalog.FileKey, librarian string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM remote_instances a USING remote_instances b
		WHERE a.file_name=$1 AND a.origin=$2 AND a.librarian=$3
		AND b.file_name=a.file_name AND b.origin=a.origin AND b.librarian=a.librarian
		AND a.ctid <> b.ctid AND a.copy_time < b.copy_time`, key.Name, key.Origin, librarian)
	return classify(err)
}

// --- Transfers ---

func (c *Catalog) CreateOutgoingTransfer(ctx context.Context, t catalog.OutgoingTransfer) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO outgoing_transfers (file_name, origin, destination, source_store, status, created_at, updated_at, remote_transfer_id, attempt_count, transport)
		VALUES ($1,$2,$3,$4,$5,$6,$6,$7,$8,$9) RETURNING id`,
		t.FileName, t.Origin, t.Destination, t.SourceStore, string(t.Status), t.CreatedAt, t.RemoteTransferID, t.AttemptCount, string(t.Transport)).Scan(&id)
	return id, classify(err)
}

func (c *Catalog) GetOutgoingTransfer(ctx context.Context, id int64) (catalog.OutgoingTransfer, error) {
	var t catalog.OutgoingTransfer
	var status, transport string
	var remoteID sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT id, file_name, origin, destination, source_store, status, created_at, updated_at, remote_transfer_id, attempt_count, transport
		FROM outgoing_transfers WHERE id=$1`, id).
		Scan(&t.ID, &t.FileName, &t.Origin, &t.Destination, &t.SourceStore, &status, &t.CreatedAt, &t.UpdatedAt, &remoteID, &t.AttemptCount, &transport)
	if err != nil {
		return catalog.OutgoingTransfer{}, classify(err)
	}
	t.Status = catalog.TransferStatus(status)
	t.Transport = catalog.Transport(transport)
	if remoteID.Valid {
		t.RemoteTransferID = &remoteID.String
	}
	return t, nil
}

// TransitionOutgoing is the only way outgoing transfer state changes
// (§4.1). The UPDATE's WHERE clause is the compare-and-set: zero rows
// affected means the current status no longer matches `from`, i.e.
// ErrStaleState (§4.3).
func (c *Catalog) TransitionOutgoing(ctx context.Context, id int64, from, to catalog.TransferStatus, updates catalog.OutgoingUpdates) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE outgoing_transfers SET status=$3, updated_at=now(),
			remote_transfer_id=COALESCE($4, remote_transfer_id),
			attempt_count=attempt_count+$5
		WHERE id=$1 AND status=$2 AND status NOT IN ('COMPLETED','FAILED','CANCELLED')`,
		id, string(from), string(to), updates.RemoteTransferID, updates.AttemptDelta)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return cmn.New(cmn.KindStaleState, "outgoing transfer %d: not in state %s", id, from)
	}
	return nil
}

func (c *Catalog) ListStaleOutgoing(ctx context.Context, olderThan time.Time) ([]catalog.OutgoingTransfer, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, file_name, origin, destination, source_store, status, created_at, updated_at, remote_transfer_id, attempt_count, transport
		FROM outgoing_transfers
		WHERE updated_at <= $1 AND status NOT IN ('COMPLETED','FAILED','CANCELLED')
		ORDER BY updated_at ASC`, olderThan)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []catalog.OutgoingTransfer
	for rows.Next() {
		var t catalog.OutgoingTransfer
		var status, transport string
		var remoteID sql.NullString
		if err := rows.Scan(&t.ID, &t.FileName, &t.Origin, &t.Destination, &t.SourceStore, &status, &t.CreatedAt, &t.UpdatedAt, &remoteID, &t.AttemptCount, &transport); err != nil {
			return nil, classify(err)
		}
		t.Status = catalog.TransferStatus(status)
		t.Transport = catalog.Transport(transport)
		if remoteID.Valid {
			t.RemoteTransferID = &remoteID.String
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func (c *Catalog) CreateIncomingTransfer(ctx context.Context, t catalog.IncomingTransfer) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO incoming_transfers (file_name, origin, source_librarian, dest_store, staging_path, status, created_at, updated_at, source_transfer_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7,$8) RETURNING id`,
		t.FileName, t.Origin, t.SourceLibrarian, t.DestStore, t.StagingPath, string(t.Status), t.CreatedAt, t.SourceTransferID).Scan(&id)
	return id, classify(err)
}

func (c *Catalog) GetIncomingTransfer(ctx context.Context, id int64) (catalog.IncomingTransfer, error) {
	var t catalog.IncomingTransfer
	var status string
	var destStore sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT id, file_name, origin, source_librarian, dest_store, staging_path, status, created_at, updated_at, source_transfer_id
		FROM incoming_transfers WHERE id=$1`, id).
		Scan(&t.ID, &t.FileName, &t.Origin, &t.SourceLibrarian, &destStore, &t.StagingPath, &status, &t.CreatedAt, &t.UpdatedAt, &t.SourceTransferID)
	if err != nil {
		return catalog.IncomingTransfer{}, classify(err)
	}
	t.Status = catalog.TransferStatus(status)
	if destStore.Valid {
		t.DestStore = &destStore.String
	}
	return t, nil
}

func (c *Catalog) GetIncomingBySource(ctx context.Context, sourceLibrarian, sourceTransferID string) (catalog.IncomingTransfer, error) {
	var t catalog.IncomingTransfer
	var status string
	var destStore sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT id, file_name, origin, source_librarian, dest_store, staging_path, status, created_at, updated_at, source_transfer_id
		FROM incoming_transfers WHERE source_librarian=$1 AND source_transfer_id=$2
		ORDER BY id DESC LIMIT 1`, sourceLibrarian, sourceTransferID).
		Scan(&t.ID, &t.FileName, &t.Origin, &t.SourceLibrarian, &destStore, &t.StagingPath, &status, &t.CreatedAt, &t.UpdatedAt, &t.SourceTransferID)
	if err != nil {
		return catalog.IncomingTransfer{}, classify(err)
	}
	t.Status = catalog.TransferStatus(status)
	if destStore.Valid {
		t.DestStore = &destStore.String
	}
	return t, nil
}

func (c *Catalog) TransitionIncoming(ctx context.Context, id int64, from, to catalog.TransferStatus, updates catalog.IncomingUpdates) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE incoming_transfers SET status=$3, updated_at=now(),
			dest_store=COALESCE($4, dest_store)
		WHERE id=$1 AND status=$2 AND status NOT IN ('COMMITTED','COMPLETED','FAILED','CANCELLED')`,
		id, string(from), string(to), updates.DestStore)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return cmn.New(cmn.KindStaleState, "incoming transfer %d: not in state %s", id, from)
	}
	return nil
}

func (c *Catalog) ListStaleIncoming(ctx context.Context, olderThan time.Time) ([]catalog.IncomingTransfer, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, file_name, origin, source_librarian, dest_store, staging_path, status, created_at, updated_at, source_transfer_id
		FROM incoming_transfers
		WHERE updated_at <= $1 AND status NOT IN ('COMMITTED','FAILED','CANCELLED')
		ORDER BY updated_at ASC`, olderThan)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []catalog.IncomingTransfer
	for rows.Next() {
		var t catalog.IncomingTransfer
		var status string
		var destStore sql.NullString
		if err := rows.Scan(&t.ID, &t.FileName, &t.Origin, &t.SourceLibrarian, &destStore, &t.StagingPath, &status, &t.CreatedAt, &t.UpdatedAt, &t.SourceTransferID); err != nil {
			return nil, classify(err)
		}
		t.Status = catalog.TransferStatus(status)
		if destStore.Valid {
			t.DestStore = &destStore.String
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

// --- Queue ---

func (c *Catalog) EnqueueSendItem(ctx context.Context, outgoingID int64, priority int) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO send_queue_items (outgoing_transfer_id, priority, enqueued_at, status)
		VALUES ($1,$2,now(),'PENDING') RETURNING id`, outgoingID, priority).Scan(&id)
	return id, classify(err)
}

// ClaimQueueItems is the sole entry point for obtaining queue work
// (§4.5); SELECT ... FOR UPDATE SKIP LOCKED makes the claim atomic
// under concurrent consumers without contending on unrelated rows.
func (c *Catalog) ClaimQueueItems(ctx context.Context, limit int, claimID string, ttl time.Duration) ([]catalog.SendQueueItem, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM send_queue_items
		WHERE status='PENDING'
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, classify(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(ids) == 0 {
		return nil, classify(tx.Commit())
	}

	deadline := time.Now().Add(ttl)
	if _, err := tx.ExecContext(ctx, `
		UPDATE send_queue_items SET status='CLAIMED', claimed_by=$1, claim_deadline=$2
		WHERE id = ANY($3)`, claimID, deadline, pq.Array(ids)); err != nil {
		return nil, classify(err)
	}

	claimedRows, err := tx.QueryContext(ctx, `
		SELECT id, outgoing_transfer_id, priority, enqueued_at, claimed_by, claim_deadline, status
		FROM send_queue_items WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, classify(err)
	}
	defer claimedRows.Close()
	items, err := scanQueueItems(claimedRows)
	if err != nil {
		return nil, err
	}
	return items, classify(tx.Commit())
}

func scanQueueItems(rows *sql.Rows) ([]catalog.SendQueueItem, error) {
	var out []catalog.SendQueueItem
	for rows.Next() {
		var it catalog.SendQueueItem
		var claimedBy sql.NullString
		var deadline sql.NullTime
		var status string
		if err := rows.Scan(&it.ID, &it.OutgoingTransferID, &it.Priority, &it.EnqueuedAt, &claimedBy, &deadline, &status); err != nil {
			return nil, classify(err)
		}
		it.Status = catalog.QueueItemStatus(status)
		if claimedBy.Valid {
			it.ClaimedBy = &claimedBy.String
		}
		if deadline.Valid {
			t := deadline.Time
			it.ClaimDeadline = &t
		}
		out = append(out, it)
	}
	return out, classify(rows.Err())
}

func (c *Catalog) CompleteQueueItem(ctx context.Context, id int64, status catalog.QueueItemStatus) error {
	_, err := c.db.ExecContext(ctx, `UPDATE send_queue_items SET status=$2 WHERE id=$1`, id, string(status))
	return classify(err)
}

// RevertExpiredClaims is the garbage collector for orphaned claims
// (§4.4 check_consumed_queue, §4.5). Any caller may run it; the
// UPDATE's WHERE clause makes concurrent callers idempotent.
func (c *Catalog) RevertExpiredClaims(ctx context.Context, now time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE send_queue_items SET status='PENDING', claimed_by=NULL, claim_deadline=NULL
		WHERE status='CLAIMED' AND claim_deadline < $1`, now)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), classify(err)
}

func (c *Catalog) GetQueueItem(ctx context.Context, id int64) (catalog.SendQueueItem, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, outgoing_transfer_id, priority, enqueued_at, claimed_by, claim_deadline, status
		FROM send_queue_items WHERE id=$1`, id)
	if err != nil {
		return catalog.SendQueueItem{}, classify(err)
	}
	defer rows.Close()
	items, err := scanQueueItems(rows)
	if err != nil {
		return catalog.SendQueueItem{}, err
	}
	if len(items) == 0 {
		return catalog.SendQueueItem{}, classify(sql.ErrNoRows)
	}
	return items[0], nil
}

// --- Corruption ---

func (c *Catalog) RecordCorruptFile(ctx context.Context, cf catalog.CorruptFile) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO corrupt_files (file_name, origin, detected_at, detector, remediation)
		VALUES ($1,$2,$3,$4,$5)`, cf.FileName, cf.Origin, cf.DetectedAt, string(cf.Detector), string(cf.Remediation))
	return classify(err)
}

func (c *Catalog) ListPendingCorruptFiles(ctx context.Context) ([]catalog.CorruptFile, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_name, origin, detected_at, detector, remediation FROM corrupt_files
		WHERE remediation='pending' ORDER BY detected_at ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []catalog.CorruptFile
	for rows.Next() {
		var cf catalog.CorruptFile
		var detector, remediation string
		if err := rows.Scan(&cf.FileName, &cf.Origin, &cf.DetectedAt, &detector, &remediation); err != nil {
			return nil, classify(err)
		}
		cf.Detector = catalog.Detector(detector)
		cf.Remediation = catalog.RemediationStatus(remediation)
		out = append(out, cf)
	}
	return out, classify(rows.Err())
}

func (c *Catalog) SetCorruptRemediation(ctx context.Context, key catalog.FileKey, status catalog.RemediationStatus) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE corrupt_files SET remediation=$3 WHERE file_name=$1 AND origin=$2 AND remediation='pending'`,
		key.Name, key.Origin, string(status))
	return classify(err)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ catalog.Catalog = (*Catalog)(nil)
