package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS blocks (
	block_number BIGINT PRIMARY KEY,
	block_timestamp BIGINT NOT NULL,

	CONSTRAINT block_number_nonneg CHECK (block_number >= 0),
	CONSTRAINT block_timestamp_nonneg CHECK (block_timestamp >= 0)
);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_hash BYTEA PRIMARY KEY,
	block_number BIGINT NOT NULL REFERENCES blocks (block_number),
	transaction_index BIGINT NOT NULL,
	transaction_sender BYTEA NOT NULL,

	CONSTRAINT transaction_hash_len CHECK (octet_length(transaction_hash) = 32),
	CONSTRAINT transaction_sender_len CHECK (octet_length(transaction_sender) = 20),
	CONSTRAINT transaction_index_nonneg CHECK (transaction_index >= 0)
);

CREATE INDEX IF NOT EXISTS transactions_block_number_idx ON transactions (block_number);

CREATE TABLE IF NOT EXISTS initialization_events (
	transaction_hash BYTEA NOT NULL REFERENCES transactions (transaction_hash),
	log_index BIGINT NOT NULL,
	contract_address BYTEA NOT NULL,
	creator BYTEA NOT NULL,
	sqrt_price_x96 NUMERIC(78,0) NOT NULL,
	tick NUMERIC(78,0) NOT NULL,

	PRIMARY KEY (transaction_hash, log_index),
	CONSTRAINT initialization_contract_len CHECK (octet_length(contract_address) = 20)
);

CREATE INDEX IF NOT EXISTS initialization_events_contract_idx ON initialization_events (contract_address);
CREATE INDEX IF NOT EXISTS initialization_events_creator_idx ON initialization_events (creator);
CREATE INDEX IF NOT EXISTS initialization_events_contract_tx_log_idx ON initialization_events (contract_address, transaction_hash, log_index);

CREATE TABLE IF NOT EXISTS swap_events (
	transaction_hash BYTEA NOT NULL REFERENCES transactions (transaction_hash),
	log_index BIGINT NOT NULL,
	contract_address BYTEA NOT NULL,
	sender BYTEA NOT NULL,
	recipient BYTEA NOT NULL,
	amount0 NUMERIC(78,0) NOT NULL,
	amount1 NUMERIC(78,0) NOT NULL,
	sqrt_price_x96 NUMERIC(78,0) NOT NULL,
	liquidity NUMERIC(78,0) NOT NULL,
	tick NUMERIC(78,0) NOT NULL,

	PRIMARY KEY (transaction_hash, log_index),
	CONSTRAINT swap_contract_len CHECK (octet_length(contract_address) = 20)
);

CREATE INDEX IF NOT EXISTS swap_events_contract_idx ON swap_events (contract_address);
CREATE INDEX IF NOT EXISTS swap_events_sender_idx ON swap_events (sender);
CREATE INDEX IF NOT EXISTS swap_events_recipient_idx ON swap_events (recipient);
CREATE INDEX IF NOT EXISTS swap_events_contract_tx_log_idx ON swap_events (contract_address, transaction_hash, log_index);

CREATE TABLE IF NOT EXISTS mint_events (
	transaction_hash BYTEA NOT NULL REFERENCES transactions (transaction_hash),
	log_index BIGINT NOT NULL,
	contract_address BYTEA NOT NULL,
	sender BYTEA NOT NULL,
	owner BYTEA NOT NULL,
	tick_lower NUMERIC(78,0) NOT NULL,
	tick_upper NUMERIC(78,0) NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	amount0 NUMERIC(78,0) NOT NULL,
	amount1 NUMERIC(78,0) NOT NULL,

	PRIMARY KEY (transaction_hash, log_index),
	CONSTRAINT mint_contract_len CHECK (octet_length(contract_address) = 20)
);

CREATE INDEX IF NOT EXISTS mint_events_contract_idx ON mint_events (contract_address);
CREATE INDEX IF NOT EXISTS mint_events_owner_idx ON mint_events (owner);
CREATE INDEX IF NOT EXISTS mint_events_contract_tx_log_idx ON mint_events (contract_address, transaction_hash, log_index);

CREATE TABLE IF NOT EXISTS burn_events (
	transaction_hash BYTEA NOT NULL REFERENCES transactions (transaction_hash),
	log_index BIGINT NOT NULL,
	contract_address BYTEA NOT NULL,
	owner BYTEA NOT NULL,
	tick_lower NUMERIC(78,0) NOT NULL,
	tick_upper NUMERIC(78,0) NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	amount0 NUMERIC(78,0) NOT NULL,
	amount1 NUMERIC(78,0) NOT NULL,

	PRIMARY KEY (transaction_hash, log_index),
	CONSTRAINT burn_contract_len CHECK (octet_length(contract_address) = 20)
);

CREATE INDEX IF NOT EXISTS burn_events_contract_idx ON burn_events (contract_address);
CREATE INDEX IF NOT EXISTS burn_events_owner_idx ON burn_events (owner);
CREATE INDEX IF NOT EXISTS burn_events_contract_tx_log_idx ON burn_events (contract_address, transaction_hash, log_index);

CREATE TABLE IF NOT EXISTS collect_events (
	transaction_hash BYTEA NOT NULL REFERENCES transactions (transaction_hash),
	log_index BIGINT NOT NULL,
	contract_address BYTEA NOT NULL,
	owner BYTEA NOT NULL,
	recipient BYTEA NOT NULL,
	tick_lower NUMERIC(78,0) NOT NULL,
	tick_upper NUMERIC(78,0) NOT NULL,
	amount0 NUMERIC(78,0) NOT NULL,
	amount1 NUMERIC(78,0) NOT NULL,

	PRIMARY KEY (transaction_hash, log_index),
	CONSTRAINT collect_contract_len CHECK (octet_length(contract_address) = 20)
);

CREATE INDEX IF NOT EXISTS collect_events_contract_idx ON collect_events (contract_address);
CREATE INDEX IF NOT EXISTS collect_events_owner_idx ON collect_events (owner);
CREATE INDEX IF NOT EXISTS collect_events_recipient_idx ON collect_events (recipient);
CREATE INDEX IF NOT EXISTS collect_events_contract_tx_log_idx ON collect_events (contract_address, transaction_hash, log_index);
`
