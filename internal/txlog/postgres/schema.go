package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	owner_address BYTEA NOT NULL,
	asset_type TEXT NOT NULL,
	direction TEXT NOT NULL,
	asset TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	external_ref TEXT,
	status TEXT NOT NULL DEFAULT 'confirmed',
	source_ip TEXT,
	origin TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT owner_address_len CHECK (octet_length(owner_address) = 20),
	CONSTRAINT direction_valid CHECK (direction IN ('deposit', 'withdraw', 'transfer')),
	CONSTRAINT amount_positive CHECK (amount > 0),
	CONSTRAINT external_ref_nonempty CHECK (external_ref IS NULL OR external_ref <> '')
);

CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_external_ref_idx
	ON ledger_transactions (external_ref)
	WHERE external_ref IS NOT NULL;

CREATE INDEX IF NOT EXISTS ledger_transactions_owner_idx
	ON ledger_transactions (owner_address, created_at DESC);
`
