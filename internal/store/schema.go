package store

const schema = `
-- Monitored entity hierarchy; id 1 is the root entity seeded at startup
CREATE TABLE IF NOT EXISTS entity (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    uuid        TEXT    NOT NULL UNIQUE,
    name        TEXT    NOT NULL,
    parent      INTEGER,
    description TEXT,
    createdAt   INTEGER NOT NULL,
    UNIQUE (name, parent)
);

-- SQLite UNIQUE treats NULLs as distinct; root-level names get their own index
CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_root_name
    ON entity(name) WHERE parent IS NULL;

-- Free-form key/value descriptors per entity
CREATE TABLE IF NOT EXISTS entity_descriptor (
    entity_id   INTEGER NOT NULL,
    key         TEXT    NOT NULL,
    value       TEXT    NOT NULL,
    PRIMARY KEY (entity_id, key),
    FOREIGN KEY (entity_id) REFERENCES entity(id)
) WITHOUT ROWID;

-- Declared metric definitions; family names the per-source series file
CREATE TABLE IF NOT EXISTS metric_identity_card (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    name             TEXT    NOT NULL,
    description      TEXT,
    sample_unit      TEXT    NOT NULL,
    sample_interval  INTEGER NOT NULL DEFAULT 5,
    sample_max_value REAL,
    family           TEXT    NOT NULL,
    entity_id        INTEGER NOT NULL,
    UNIQUE (name, entity_id)
);

-- Correlated alarms, one row per (entity, correlate key)
CREATE TABLE IF NOT EXISTS alarms (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    uuid          TEXT    NOT NULL UNIQUE,
    message       TEXT    NOT NULL,
    severity      INTEGER NOT NULL,
    correlate_key TEXT    NOT NULL,
    entity_id     INTEGER NOT NULL,
    occurence     INTEGER NOT NULL DEFAULT 1,
    createdAt     INTEGER NOT NULL,
    updatedAt     INTEGER NOT NULL,
    UNIQUE (correlate_key, entity_id)
);

-- Per-consumer incremental read positions
CREATE TABLE IF NOT EXISTS subscribers (
    source      TEXT    NOT NULL,
    target      TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    last        INTEGER NOT NULL,
    PRIMARY KEY (source, target, kind)
) WITHOUT ROWID;

-- Registered event types
CREATE TABLE IF NOT EXISTS events_type (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT    NOT NULL UNIQUE
);

-- Event log, written through the batcher on every publish
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    type_id     INTEGER NOT NULL,
    name        TEXT    NOT NULL,
    data        TEXT,
    createdAt   INTEGER NOT NULL,
    FOREIGN KEY (type_id) REFERENCES events_type(id)
);

-- Secondary indexes
CREATE INDEX IF NOT EXISTS idx_entity_parent ON entity(parent);
CREATE INDEX IF NOT EXISTS idx_events_lookup ON events(type_id, name, createdAt);
`
