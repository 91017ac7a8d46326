package store

// In-memory Store implementation. Used for local dev and tests; a debounced
// JSON snapshot under the data dir lets data survive restarts.

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// SnapshotFile is the file name written inside the data directory.
const SnapshotFile = "relaydesk.json"

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Credentials   map[string]*models.Credential          `json:"credentials"`
	Personas      map[string]*models.Persona             `json:"personas"`
	Conversations map[string]*models.ConversationMemory  `json:"conversations"` // key: owner, chatKey
	Audit         []*models.AuditLogEntry                `json:"audit"`
	Integrations  map[string]*models.PlatformIntegration `json:"integrations"`
	Contacts      map[string]*models.Contact             `json:"contacts"` // key: owner, platform, sender
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	credentials   map[string]*models.Credential          // key: id
	personas      map[string]*models.Persona             // key: id
	conversations map[string]*models.ConversationMemory  // key: owner, chatKey
	audit         []*models.AuditLogEntry                // append-only log, oldest first
	integrations  map[string]*models.PlatformIntegration // key: id
	contacts      map[string]*models.Contact             // key: owner, platform, sender

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	loopDone     chan struct{}
}

// NewMemoryStore creates a new in-memory store.
// If dataDir is non-empty, data is persisted to dataDir/relaydesk.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		credentials:   make(map[string]*models.Credential),
		personas:      make(map[string]*models.Persona),
		conversations: make(map[string]*models.ConversationMemory),
		audit:         make([]*models.AuditLogEntry, 0),
		integrations:  make(map[string]*models.PlatformIntegration),
		contacts:      make(map[string]*models.Contact),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		loopDone:      make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, SnapshotFile)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	} else {
		close(m.loopDone)
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(500 * time.Millisecond):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Credentials:   m.credentials,
		Personas:      m.personas,
		Conversations: m.conversations,
		Audit:         m.audit,
		Integrations:  m.integrations,
		Contacts:      m.contacts,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Credentials != nil {
		m.credentials = snap.Credentials
	}
	if snap.Personas != nil {
		m.personas = snap.Personas
	}
	// Composite keys are rebuilt from the records so older snapshots load
	// under the current key format.
	for _, c := range snap.Conversations {
		if c == nil {
			continue
		}
		m.conversations[key(c.OwnerID, c.ChatKey)] = c
	}
	if snap.Audit != nil {
		m.audit = snap.Audit
	}
	if snap.Integrations != nil {
		m.integrations = snap.Integrations
	}
	for _, c := range snap.Contacts {
		if c == nil {
			continue
		}
		m.contacts[key(c.OwnerID, string(c.Platform), c.SenderID)] = c
	}

	log.Info().
		Int("credentials", len(m.credentials)).
		Int("personas", len(m.personas)).
		Int("conversations", len(m.conversations)).
		Int("integrations", len(m.integrations)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	<-m.loopDone

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Credential Store ────────────────────────────────────────

func (m *MemoryStore) ListCredentials(_ context.Context, ownerID string) ([]models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Credential
	for _, c := range m.credentials {
		if c.OwnerID == ownerID {
			result = append(result, copyCredential(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetCredential(_ context.Context, id string) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "credential", Key: id}
	}
	cp := copyCredential(c)
	return &cp, nil
}

func (m *MemoryStore) CreateCredential(_ context.Context, cred *models.Credential) error {
	m.mu.Lock()
	cp := copyCredential(cred)
	m.credentials[cred.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateCredential(_ context.Context, cred *models.Credential) error {
	m.mu.Lock()
	if _, ok := m.credentials[cred.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "credential", Key: cred.ID}
	}
	cp := copyCredential(cred)
	m.credentials[cred.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.credentials[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	delete(m.credentials, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func copyCredential(c *models.Credential) models.Credential {
	cp := *c
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	return cp
}

// ── Persona Store ───────────────────────────────────────────

func (m *MemoryStore) ListPersonas(_ context.Context, ownerID string) ([]models.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Persona
	for _, p := range m.personas {
		if p.OwnerID == ownerID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetPersona(_ context.Context, id string) (*models.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personas[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "persona", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetActivePersona(_ context.Context, ownerID string) (*models.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.personas {
		if p.OwnerID == ownerID && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "active persona", Key: ownerID}
}

func (m *MemoryStore) CreatePersona(_ context.Context, p *models.Persona) error {
	m.mu.Lock()
	cp := *p
	if cp.IsActive {
		m.deactivatePersonasLocked(cp.OwnerID)
	}
	m.personas[p.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdatePersona(_ context.Context, p *models.Persona) error {
	m.mu.Lock()
	existing, ok := m.personas[p.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "persona", Key: p.ID}
	}
	cp := *p
	cp.IsActive = existing.IsActive // only ActivatePersona flips it
	m.personas[p.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeletePersona(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.personas[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "persona", Key: id}
	}
	delete(m.personas, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ActivatePersona(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	target, ok := m.personas[id]
	if !ok || target.OwnerID != ownerID {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "persona", Key: id}
	}
	m.deactivatePersonasLocked(ownerID)
	target.IsActive = true
	target.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// deactivatePersonasLocked clears IsActive for every persona of the owner.
// Caller must hold m.mu.
func (m *MemoryStore) deactivatePersonasLocked(ownerID string) {
	for _, p := range m.personas {
		if p.OwnerID == ownerID && p.IsActive {
			p.IsActive = false
		}
	}
}

// ── Conversation Store ──────────────────────────────────────

func (m *MemoryStore) GetConversation(_ context.Context, ownerID, chatKey string) (*models.ConversationMemory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[key(ownerID, chatKey)]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: chatKey}
	}
	cp := copyConversation(c)
	return &cp, nil
}

func (m *MemoryStore) UpsertConversation(_ context.Context, mem *models.ConversationMemory) error {
	m.mu.Lock()
	cp := copyConversation(mem)
	if existing, ok := m.conversations[key(mem.OwnerID, mem.ChatKey)]; ok {
		cp.ID = existing.ID
	}
	m.conversations[key(mem.OwnerID, mem.ChatKey)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListConversations(_ context.Context, ownerID string) ([]models.ConversationMemory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ConversationMemory
	for _, c := range m.conversations {
		if c.OwnerID == ownerID {
			result = append(result, copyConversation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, ownerID, chatKey string) error {
	m.mu.Lock()
	k := key(ownerID, chatKey)
	if _, ok := m.conversations[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "conversation", Key: chatKey}
	}
	delete(m.conversations, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func copyConversation(c *models.ConversationMemory) models.ConversationMemory {
	cp := *c
	cp.Turns = append([]models.Turn(nil), c.Turns...)
	return cp
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEntry(_ context.Context, entry *models.AuditLogEntry) error {
	m.mu.Lock()
	cp := *entry
	m.audit = append(m.audit, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AuditLogEntry
	for i := len(m.audit) - 1; i >= 0; i-- { // newest first
		e := m.audit[i]
		if filter.OwnerID != "" && e.OwnerID != filter.OwnerID {
			continue
		}
		if filter.CredentialID != "" && e.CredentialIDUsed != filter.CredentialID {
			continue
		}
		if filter.ChatKey != "" && e.ChatKey != filter.ChatKey {
			continue
		}
		if !filter.Before.IsZero() && !e.CreatedAt.Before(filter.Before) {
			continue
		}
		result = append(result, *e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) GetAuditEntry(_ context.Context, id string) (*models.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.audit {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "audit_entry", Key: id}
}

func (m *MemoryStore) PurgeAuditEntries(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	kept := m.audit[:0]
	purged := 0
	for _, e := range m.audit {
		if e.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	m.mu.Unlock()
	if purged > 0 {
		m.requestSave()
	}
	return purged, nil
}

// ── Integration Store ───────────────────────────────────────

func (m *MemoryStore) ListIntegrations(_ context.Context, ownerID string) ([]models.PlatformIntegration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.PlatformIntegration
	for _, in := range m.integrations {
		if in.OwnerID == ownerID || ownerID == "" {
			result = append(result, *in)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetIntegration(_ context.Context, id string) (*models.PlatformIntegration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.integrations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "integration", Key: id}
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) CreateIntegration(_ context.Context, integ *models.PlatformIntegration) error {
	m.mu.Lock()
	cp := *integ
	m.integrations[integ.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateIntegration(_ context.Context, integ *models.PlatformIntegration) error {
	m.mu.Lock()
	if _, ok := m.integrations[integ.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "integration", Key: integ.ID}
	}
	cp := *integ
	m.integrations[integ.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteIntegration(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.integrations[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "integration", Key: id}
	}
	delete(m.integrations, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Contact Store ───────────────────────────────────────────

func (m *MemoryStore) UpsertContact(_ context.Context, c *models.Contact) error {
	m.mu.Lock()
	k := key(c.OwnerID, string(c.Platform), c.SenderID)
	if existing, ok := m.contacts[k]; ok {
		existing.LastSeenAt = c.LastSeenAt
		existing.ChatID = c.ChatID
		existing.MessageCount++
		if c.DisplayName != "" {
			existing.DisplayName = c.DisplayName
		}
	} else {
		cp := *c
		if cp.FirstSeenAt.IsZero() {
			cp.FirstSeenAt = cp.LastSeenAt
		}
		cp.MessageCount = 1
		m.contacts[k] = &cp
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListContacts(_ context.Context, ownerID string, platform models.Platform) ([]models.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Contact
	for _, c := range m.contacts {
		if c.OwnerID != ownerID {
			continue
		}
		if platform != "" && c.Platform != platform {
			continue
		}
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastSeenAt.After(result[j].LastSeenAt) })
	return result, nil
}
