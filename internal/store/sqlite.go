package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements Store on a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("SQLite store configured")
	return s, nil
}

// DB exposes the underlying connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	label        TEXT NOT NULL DEFAULT '',
	secret       TEXT NOT NULL,
	status       TEXT NOT NULL,
	last_used_at INTEGER,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_owner ON credentials(owner_id);

CREATE TABLE IF NOT EXISTS personas (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	name          TEXT NOT NULL,
	system_prompt TEXT NOT NULL,
	is_active     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_personas_owner ON personas(owner_id);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	chat_key   TEXT NOT NULL,
	turns      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (owner_id, chat_key)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id                    TEXT PRIMARY KEY,
	owner_id              TEXT NOT NULL,
	chat_key              TEXT NOT NULL DEFAULT '',
	credential_id_used    TEXT NOT NULL,
	request_payload       TEXT,
	response_payload      TEXT,
	raw_provider_response TEXT,
	created_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_owner_created ON audit_log(owner_id, created_at);

CREATE TABLE IF NOT EXISTS integrations (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             TEXT NOT NULL,
	platform         TEXT NOT NULL,
	credentials      TEXT NOT NULL,
	status           TEXT NOT NULL,
	typing_delay_min INTEGER NOT NULL DEFAULT 0,
	typing_delay_max INTEGER NOT NULL DEFAULT 0,
	user_agent       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id            TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	platform      TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	chat_id       TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	first_seen_at INTEGER NOT NULL,
	last_seen_at  INTEGER NOT NULL,
	PRIMARY KEY (owner_id, platform, sender_id)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Timestamps are stored as unix nanoseconds so ordering by LastUsedAt is exact.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func rawOrNull(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}

func nullToRaw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func notFound(err error, entity, k string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: k}
	}
	return err
}

func requireAffected(res sql.Result, entity, k string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: entity, Key: k}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ── Credential Store ────────────────────────────────────────

const credentialColumns = `id, owner_id, label, secret, status, last_used_at, created_at`

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		c        models.Credential
		status   string
		lastUsed sql.NullInt64
		created  int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Label, &c.Secret, &status, &lastUsed, &created); err != nil {
		return nil, err
	}
	c.Status = models.CredentialStatus(status)
	c.CreatedAt = fromNanos(created)
	if lastUsed.Valid {
		t := fromNanos(lastUsed.Int64)
		c.LastUsedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) ListCredentials(ctx context.Context, ownerID string) ([]models.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var result []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err != nil {
		return nil, notFound(err, "credential", id)
	}
	return c, nil
}

func (s *SQLiteStore) CreateCredential(ctx context.Context, c *models.Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Label, c.Secret, string(c.Status), nullableNanos(c.LastUsedAt), toNanos(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateCredential(ctx context.Context, c *models.Credential) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET label = ?, secret = ?, status = ?, last_used_at = ? WHERE id = ?`,
		c.Label, c.Secret, string(c.Status), nullableNanos(c.LastUsedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return requireAffected(res, "credential", c.ID)
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return requireAffected(res, "credential", id)
}

// ── Persona Store ───────────────────────────────────────────

const personaColumns = `id, owner_id, name, system_prompt, is_active, created_at, updated_at`

func scanPersona(row rowScanner) (*models.Persona, error) {
	var (
		p                models.Persona
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.SystemPrompt, &p.IsActive, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func (s *SQLiteStore) ListPersonas(ctx context.Context, ownerID string) ([]models.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personaColumns+` FROM personas WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer rows.Close()

	var result []models.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan persona: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	p, err := scanPersona(s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "persona", id)
	}
	return p, nil
}

func (s *SQLiteStore) GetActivePersona(ctx context.Context, ownerID string) (*models.Persona, error) {
	p, err := scanPersona(s.db.QueryRowContext(ctx,
		`SELECT `+personaColumns+` FROM personas WHERE owner_id = ? AND is_active = 1 LIMIT 1`, ownerID))
	if err != nil {
		return nil, notFound(err, "active persona", ownerID)
	}
	return p, nil
}

func (s *SQLiteStore) CreatePersona(ctx context.Context, p *models.Persona) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if p.IsActive {
			if _, err := tx.ExecContext(ctx, `UPDATE personas SET is_active = 0 WHERE owner_id = ?`, p.OwnerID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO personas (`+personaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.OwnerID, p.Name, p.SystemPrompt, p.IsActive, toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
		return err
	})
}

// UpdatePersona leaves is_active untouched; only ActivatePersona flips it.
func (s *SQLiteStore) UpdatePersona(ctx context.Context, p *models.Persona) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE personas SET name = ?, system_prompt = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.SystemPrompt, toNanos(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update persona: %w", err)
	}
	return requireAffected(res, "persona", p.ID)
}

func (s *SQLiteStore) DeletePersona(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete persona: %w", err)
	}
	return requireAffected(res, "persona", id)
}

func (s *SQLiteStore) ActivatePersona(ctx context.Context, ownerID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM personas WHERE id = ? AND owner_id = ?`, id, ownerID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return &ErrNotFound{Entity: "persona", Key: id}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE personas SET is_active = 0 WHERE owner_id = ?`, ownerID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE personas SET is_active = 1, updated_at = ? WHERE id = ?`, toNanos(time.Now()), id)
		return err
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ── Conversation Store ──────────────────────────────────────

func scanConversation(row rowScanner) (*models.ConversationMemory, error) {
	var (
		c       models.ConversationMemory
		turns   string
		updated int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.ChatKey, &turns, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(turns), &c.Turns); err != nil {
		return nil, fmt.Errorf("decode turns for %s: %w", c.ChatKey, err)
	}
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, ownerID, chatKey string) (*models.ConversationMemory, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, chat_key, turns, updated_at FROM conversations WHERE owner_id = ? AND chat_key = ?`,
		ownerID, chatKey))
	if err != nil {
		return nil, notFound(err, "conversation", chatKey)
	}
	return c, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, mem *models.ConversationMemory) error {
	turns := mem.Turns
	if turns == nil {
		turns = []models.Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_id, chat_key, turns, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, chat_key) DO UPDATE SET
			turns = excluded.turns,
			updated_at = excluded.updated_at`,
		mem.ID, mem.OwnerID, mem.ChatKey, string(data), toNanos(mem.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string) ([]models.ConversationMemory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, chat_key, turns, updated_at FROM conversations WHERE owner_id = ? ORDER BY updated_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var result []models.ConversationMemory
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, ownerID, chatKey string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE owner_id = ? AND chat_key = ?`, ownerID, chatKey)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return requireAffected(res, "conversation", chatKey)
}

// ── Audit Store ─────────────────────────────────────────────

const auditColumns = `id, owner_id, chat_key, credential_id_used, request_payload, response_payload, raw_provider_response, created_at`

func scanAudit(row rowScanner) (*models.AuditLogEntry, error) {
	var (
		e             models.AuditLogEntry
		req, res, raw sql.NullString
		created       int64
	)
	if err := row.Scan(&e.ID, &e.OwnerID, &e.ChatKey, &e.CredentialIDUsed, &req, &res, &raw, &created); err != nil {
		return nil, err
	}
	e.RequestPayload = nullToRaw(req)
	e.ResponsePayload = nullToRaw(res)
	e.RawProviderResponse = nullToRaw(raw)
	e.CreatedAt = fromNanos(created)
	return &e, nil
}

func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.ChatKey, e.CredentialIDUsed,
		rawOrNull(e.RequestPayload), rawOrNull(e.ResponsePayload), rawOrNull(e.RawProviderResponse),
		toNanos(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE 1 = 1`
	var args []any
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.CredentialID != "" {
		query += ` AND credential_id_used = ?`
		args = append(args, filter.CredentialID)
	}
	if filter.ChatKey != "" {
		query += ` AND chat_key = ?`
		args = append(args, filter.ChatKey)
	}
	if !filter.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.Before.UnixNano())
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var result []models.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetAuditEntry(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	e, err := scanAudit(s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "audit_entry", id)
	}
	return e, nil
}

func (s *SQLiteStore) PurgeAuditEntries(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ── Integration Store ───────────────────────────────────────

const integrationColumns = `id, owner_id, name, platform, credentials, status, typing_delay_min, typing_delay_max, user_agent, created_at, updated_at`

func scanIntegration(row rowScanner) (*models.PlatformIntegration, error) {
	var (
		in                     models.PlatformIntegration
		platform, status, cred string
		created, updated       int64
	)
	if err := row.Scan(&in.ID, &in.OwnerID, &in.Name, &platform, &cred, &status,
		&in.TypingDelayMin, &in.TypingDelayMax, &in.UserAgent, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cred), &in.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials for integration %s: %w", in.ID, err)
	}
	in.Platform = models.Platform(platform)
	in.Status = models.IntegrationStatus(status)
	in.CreatedAt = fromNanos(created)
	in.UpdatedAt = fromNanos(updated)
	return &in, nil
}

func (s *SQLiteStore) ListIntegrations(ctx context.Context, ownerID string) ([]models.PlatformIntegration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var result []models.PlatformIntegration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *in)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*models.PlatformIntegration, error) {
	in, err := scanIntegration(s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "integration", id)
	}
	return in, nil
}

func (s *SQLiteStore) CreateIntegration(ctx context.Context, in *models.PlatformIntegration) error {
	cred, err := json.Marshal(in.Credentials)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO integrations (`+integrationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.OwnerID, in.Name, string(in.Platform), string(cred), string(in.Status),
		in.TypingDelayMin, in.TypingDelayMax, in.UserAgent, toNanos(in.CreatedAt), toNanos(in.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateIntegration(ctx context.Context, in *models.PlatformIntegration) error {
	cred, err := json.Marshal(in.Credentials)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET name = ?, platform = ?, credentials = ?, status = ?,
			typing_delay_min = ?, typing_delay_max = ?, user_agent = ?, updated_at = ?
		WHERE id = ?`,
		in.Name, string(in.Platform), string(cred), string(in.Status),
		in.TypingDelayMin, in.TypingDelayMax, in.UserAgent, toNanos(in.UpdatedAt), in.ID)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	return requireAffected(res, "integration", in.ID)
}

func (s *SQLiteStore) DeleteIntegration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	return requireAffected(res, "integration", id)
}

// ── Contact Store ───────────────────────────────────────────

func (s *SQLiteStore) UpsertContact(ctx context.Context, c *models.Contact) error {
	first := c.FirstSeenAt
	if first.IsZero() {
		first = c.LastSeenAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, owner_id, platform, sender_id, chat_id, display_name, message_count, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (owner_id, platform, sender_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE contacts.display_name END,
			message_count = contacts.message_count + 1,
			last_seen_at = excluded.last_seen_at`,
		c.ID, c.OwnerID, string(c.Platform), c.SenderID, c.ChatID, c.DisplayName, toNanos(first), toNanos(c.LastSeenAt))
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListContacts(ctx context.Context, ownerID string, platform models.Platform) ([]models.Contact, error) {
	query := `SELECT id, owner_id, platform, sender_id, chat_id, display_name, message_count, first_seen_at, last_seen_at
		FROM contacts WHERE owner_id = ?`
	args := []any{ownerID}
	if platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(platform))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY last_seen_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var result []models.Contact
	for rows.Next() {
		var (
			c           models.Contact
			p           string
			first, last int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &p, &c.SenderID, &c.ChatID, &c.DisplayName,
			&c.MessageCount, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		c.Platform = models.Platform(p)
		c.FirstSeenAt = fromNanos(first)
		c.LastSeenAt = fromNanos(last)
		result = append(result, c)
	}
	return result, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
