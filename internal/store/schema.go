package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS leaf_certs (
    host                 TEXT NOT NULL,
    ca_fingerprint       TEXT NOT NULL,
    cert_pem             BLOB NOT NULL,
    key_pem              BLOB NOT NULL,
    not_after            TEXT NOT NULL,
    issued_at            TEXT NOT NULL,
    PRIMARY KEY (host, ca_fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_leaf_certs_not_after ON leaf_certs(not_after);
`
