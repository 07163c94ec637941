package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	added_timestamp   INTEGER NOT NULL,
	desired_timestamp INTEGER NOT NULL DEFAULT 0,
	action            INTEGER NOT NULL,
	thread            INTEGER NOT NULL DEFAULT 0,
	foreign_id        INTEGER NOT NULL DEFAULT 0,
	tries             INTEGER NOT NULL DEFAULT 0,
	param             TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_thread_desired
	ON jobs(thread, desired_timestamp);
CREATE INDEX IF NOT EXISTS idx_jobs_action ON jobs(action);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_jobs_foreign_id ON jobs(foreign_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	rfc724_mid   TEXT NOT NULL,
	from_addr    TEXT NOT NULL DEFAULT '',
	folder       TEXT NOT NULL DEFAULT '',
	uid          INTEGER NOT NULL DEFAULT 0,
	is_chat      INTEGER NOT NULL DEFAULT 0 CHECK(is_chat IN (0, 1)),
	is_setup     INTEGER NOT NULL DEFAULT 0 CHECK(is_setup IN (0, 1)),
	wants_mdn    INTEGER NOT NULL DEFAULT 0 CHECK(wants_mdn IN (0, 1)),
	outgoing     INTEGER NOT NULL DEFAULT 0 CHECK(outgoing IN (0, 1)),
	move_state   INTEGER NOT NULL DEFAULT 0,
	delivered    INTEGER NOT NULL DEFAULT 0 CHECK(delivered IN (0, 1)),
	failed_error TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_rfc724_mid ON messages(rfc724_mid);
CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder, uid);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
