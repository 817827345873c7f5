package metastore

// schemaSQL is the DDL for all metadata tables.
const schemaSQL = `
-- Chat sessions; metadata JSON carries the rolling summary and
-- attachment bindings
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    collection TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    metadata JSON NOT NULL DEFAULT '{}',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    sources JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Reusable chat personas
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    collections JSON NOT NULL DEFAULT '[]',
    temperature REAL NOT NULL DEFAULT 0.7,
    top_k INTEGER NOT NULL DEFAULT 0,
    icon TEXT NOT NULL DEFAULT '',
    multi_query INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Folder tree, rooted per collection
CREATE TABLE IF NOT EXISTS folders (
    id TEXT PRIMARY KEY,
    collection TEXT NOT NULL,
    name TEXT NOT NULL,
    parent_id TEXT REFERENCES folders(id) ON DELETE CASCADE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Document-to-folder mapping; absence means the collection root
CREATE TABLE IF NOT EXISTS document_folders (
    collection TEXT NOT NULL,
    document_id TEXT NOT NULL,
    folder_id TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    PRIMARY KEY (collection, document_id)
);

CREATE TABLE IF NOT EXISTS feedback (
    message_id TEXT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
    value TEXT NOT NULL CHECK (value IN ('positive', 'negative')),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Append-only provider usage accounting
CREATE TABLE IF NOT EXISTS usage_log (
    id INTEGER PRIMARY KEY,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    call_type TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_folders_collection ON folders(collection);
CREATE INDEX IF NOT EXISTS idx_document_folders_folder ON document_folders(folder_id);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_log(created_at);
`
