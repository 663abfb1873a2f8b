package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_balances (
	owner_address BYTEA NOT NULL,
	asset TEXT NOT NULL,
	available NUMERIC NOT NULL DEFAULT 0,
	locked NUMERIC NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (owner_address, asset),

	CONSTRAINT owner_address_len CHECK (octet_length(owner_address) = 20),
	CONSTRAINT asset_nonempty CHECK (asset <> ''),
	CONSTRAINT available_nonneg CHECK (available >= 0),
	CONSTRAINT locked_nonneg CHECK (locked >= 0)
);
`
