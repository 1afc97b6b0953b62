package postgres

// schema is applied by Open on every connect, and so also by
// librarianctl's "catalog migrate" subcommand (§6 administrative
// tool), which only opens the catalog. It is intentionally a single idempotent
// script rather than a migration chain: the core does not specify a
// migration framework (§1 "database migrations" is an external
// collaborator), only that the schema exists.
const schema = `
CREATE TABLE IF NOT EXISTS librarians (
	name        TEXT PRIMARY KEY,
	base_url    TEXT NOT NULL,
	auth_token  TEXT NOT NULL,
	network     BOOLEAN NOT NULL DEFAULT TRUE,
	sneakernet  BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen   TIMESTAMPTZ,
	disabled_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS stores (
	name       TEXT PRIMARY KEY,
	backend    TEXT NOT NULL,
	root       TEXT NOT NULL,
	capacity   BIGINT NOT NULL,
	used       BIGINT NOT NULL DEFAULT 0,
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	ingestable BOOLEAN NOT NULL DEFAULT TRUE,
	CHECK (used <= capacity)
);

CREATE TABLE IF NOT EXISTS observations (
	id           TEXT PRIMARY KEY,
	julian_date  DOUBLE PRECISION NOT NULL,
	polarization TEXT NOT NULL,
	length_sec   DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	name             TEXT NOT NULL,
	origin           TEXT NOT NULL,
	size_bytes       BIGINT NOT NULL,
	checksum_kind    TEXT NOT NULL,
	checksum_value   TEXT NOT NULL,
	uploaded_at      TIMESTAMPTZ NOT NULL,
	observation_id   TEXT REFERENCES observations(id),
	PRIMARY KEY (name, origin)
);
CREATE INDEX IF NOT EXISTS files_uploaded_at_idx ON files (uploaded_at);

CREATE TABLE IF NOT EXISTS instances (
	file_name  TEXT NOT NULL,
	origin     TEXT NOT NULL,
	store      TEXT NOT NULL REFERENCES stores(name),
	path       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	available  BOOLEAN NOT NULL DEFAULT TRUE,
	deletion_policy TEXT NOT NULL DEFAULT 'ALLOWED',
	PRIMARY KEY (file_name, origin, store),
	FOREIGN KEY (file_name, origin) REFERENCES files(name, origin),
	UNIQUE (store, path)
);

CREATE TABLE IF NOT EXISTS remote_instances (
	file_name          TEXT NOT NULL,
	origin             TEXT NOT NULL,
	librarian          TEXT NOT NULL REFERENCES librarians(name),
	copy_time          TIMESTAMPTZ NOT NULL,
	last_verified_at   TIMESTAMPTZ,
	verified_checksum_kind  TEXT NOT NULL DEFAULT '',
	verified_checksum_value TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (file_name, origin, librarian),
	FOREIGN KEY (file_name, origin) REFERENCES files(name, origin)
);

CREATE TABLE IF NOT EXISTS outgoing_transfers (
	id                 BIGSERIAL PRIMARY KEY,
	file_name          TEXT NOT NULL,
	origin             TEXT NOT NULL,
	destination        TEXT NOT NULL REFERENCES librarians(name),
	source_store       TEXT NOT NULL REFERENCES stores(name),
	status             TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	remote_transfer_id TEXT,
	attempt_count      INT NOT NULL DEFAULT 0,
	transport          TEXT NOT NULL,
	FOREIGN KEY (file_name, origin) REFERENCES files(name, origin)
);
CREATE UNIQUE INDEX IF NOT EXISTS outgoing_active_unique
	ON outgoing_transfers (file_name, origin, destination)
	WHERE status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED');

CREATE TABLE IF NOT EXISTS incoming_transfers (
	id                 BIGSERIAL PRIMARY KEY,
	file_name          TEXT NOT NULL,
	origin             TEXT NOT NULL,
	source_librarian   TEXT NOT NULL REFERENCES librarians(name),
	dest_store         TEXT REFERENCES stores(name),
	staging_path       TEXT NOT NULL,
	status             TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	source_transfer_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS incoming_source_idx ON incoming_transfers (source_librarian, source_transfer_id);

CREATE TABLE IF NOT EXISTS send_queue_items (
	id                   BIGSERIAL PRIMARY KEY,
	outgoing_transfer_id BIGINT NOT NULL REFERENCES outgoing_transfers(id),
	priority             INT NOT NULL DEFAULT 0,
	enqueued_at          TIMESTAMPTZ NOT NULL,
	claimed_by           TEXT,
	claim_deadline       TIMESTAMPTZ,
	status               TEXT NOT NULL DEFAULT 'PENDING'
);
CREATE INDEX IF NOT EXISTS send_queue_status_idx ON send_queue_items (status, priority, enqueued_at);

CREATE TABLE IF NOT EXISTS corrupt_files (
	file_name   TEXT NOT NULL,
	origin      TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	detector    TEXT NOT NULL,
	remediation TEXT NOT NULL DEFAULT 'pending',
	PRIMARY KEY (file_name, origin, detected_at),
	FOREIGN KEY (file_name, origin) REFERENCES files(name, origin)
);
`
