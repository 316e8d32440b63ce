package store

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initTenantSchema(); err != nil {
		return err
	}
	if err := s.initIssueSchema(); err != nil {
		return err
	}
	if err := s.initChatSchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initTenantSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (customer_id) REFERENCES customers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS site_credentials (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		label TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		ciphertext BLOB NOT NULL,
		nonce BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (site_id) REFERENCES sites(id) ON DELETE CASCADE,
		UNIQUE(site_id, label)
	);
	`)
	return err
}

func (s *Store) initIssueSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		ticket_number INTEGER NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		kanban_column TEXT NOT NULL DEFAULT 'triage',
		confidence REAL NOT NULL DEFAULT 0,
		dev_fail_count INTEGER NOT NULL DEFAULT 0,
		stall_check_at TIMESTAMP,
		resolved_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (customer_id) REFERENCES customers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS issue_transitions (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		from_column TEXT NOT NULL,
		to_column TEXT NOT NULL,
		actor TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agent_actions (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		agent_role TEXT NOT NULL,
		action_type TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		storage_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initChatSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pm_pending (
		issue_id TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		requested_at TIMESTAMP NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		issue_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_sites_customer_id ON sites(customer_id);
	CREATE INDEX IF NOT EXISTS idx_site_credentials_site_id ON site_credentials(site_id);
	CREATE INDEX IF NOT EXISTS idx_issues_customer_id ON issues(customer_id);
	CREATE INDEX IF NOT EXISTS idx_issues_kanban_column ON issues(kanban_column);
	CREATE INDEX IF NOT EXISTS idx_issues_stall_check_at ON issues(stall_check_at);
	CREATE INDEX IF NOT EXISTS idx_transitions_issue_id ON issue_transitions(issue_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_issue_created ON issue_transitions(issue_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_agent_actions_issue_id ON agent_actions(issue_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_issue_id ON attachments(issue_id);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_issue_id ON chat_messages(issue_id);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_issue_created ON chat_messages(issue_id, created_at);
	`)
	return err
}
