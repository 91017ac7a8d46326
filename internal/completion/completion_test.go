package completion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/internal/llm"
	"github.com/relaydesk/relaydesk/internal/persona"
	"github.com/relaydesk/relaydesk/internal/sessions"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
)

// fakeLLM scripts behavior per API key.
type fakeLLM struct {
	mu       sync.Mutex
	failKeys map[string]error
	toolKeys map[string]bool
	configs  []llm.SessionConfig
	sends    map[string][][]llm.Part
	reply    func(key string, n int) string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		failKeys: map[string]error{},
		toolKeys: map[string]bool{},
		sends:    map[string][][]llm.Part{},
	}
}

func (f *fakeLLM) NewSession(_ context.Context, cfg llm.SessionConfig) (llm.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	return &fakeSession{f: f, key: cfg.APIKey}, nil
}

func (f *fakeLLM) calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends[key])
}

type fakeSession struct {
	f     *fakeLLM
	key   string
	sends int
}

func (s *fakeSession) Send(_ context.Context, parts []llm.Part) (*llm.Response, error) {
	s.f.mu.Lock()
	s.f.sends[s.key] = append(s.f.sends[s.key], parts)
	n := len(s.f.sends[s.key])
	failErr := s.f.failKeys[s.key]
	tool := s.f.toolKeys[s.key]
	s.f.mu.Unlock()

	s.sends++
	if failErr != nil {
		return nil, failErr
	}
	if tool && s.sends == 1 {
		return &llm.Response{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "web_search", Args: map[string]any{"query": "news"}}},
			Raw:       json.RawMessage(`{"step":"tool_call"}`),
		}, nil
	}
	text := "reply from " + s.key
	if s.f.reply != nil {
		text = s.f.reply(s.key, n)
	}
	return &llm.Response{Text: text, Raw: json.RawMessage(fmt.Sprintf(`{"step":%d}`, s.sends))}, nil
}

type fixture struct {
	engine *completion.Engine
	keys   *keypool.Manager
	store  store.Store
	llm    *fakeLLM
}

func newFixture(t *testing.T, creds ...models.Credential) *fixture {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	keys := keypool.NewManager(s)
	for i := range creds {
		c := creds[i]
		require.NoError(t, keys.Add(context.Background(), &c))
	}
	f := newFakeLLM()
	e := completion.New(keys, persona.NewResolver(s), s, f, completion.Config{})
	return &fixture{engine: e, keys: keys, store: s, llm: f}
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func cred(id string, created time.Time, lastUsed *time.Time) models.Credential {
	return models.Credential{ID: id, OwnerID: "o1", Secret: "secret-" + id, CreatedAt: created, LastUsedAt: lastUsed}
}

func TestComplete_RotatesPastFailures(t *testing.T) {
	fx := newFixture(t,
		cred("k1", t0, nil),
		cred("k2", t0.Add(time.Second), nil),
		cred("k3", t0.Add(2*time.Second), nil),
	)
	fx.llm.failKeys["secret-k1"] = errors.New("429 resource exhausted")
	fx.llm.failKeys["secret-k2"] = errors.New("500 internal")

	before, err := fx.keys.SelectOrderedCandidates(context.Background(), "o1")
	require.NoError(t, err)

	res, err := fx.engine.Complete(context.Background(), completion.Request{
		OwnerID: "o1", ChatKey: "telegram:1", Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "k3", res.CredentialID)
	assert.Equal(t, "reply from secret-k3", res.ReplyText)

	// Sequential, one call per candidate.
	assert.Equal(t, 1, fx.llm.calls("secret-k1"))
	assert.Equal(t, 1, fx.llm.calls("secret-k2"))
	assert.Equal(t, 1, fx.llm.calls("secret-k3"))

	entries, err := fx.store.ListAuditEntries(context.Background(), models.AuditFilter{OwnerID: "o1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k3", entries[0].CredentialIDUsed)

	// Exactly one credential advanced, and it was in the pre-call set.
	advanced := 0
	for _, c := range before {
		after, err := fx.keys.Get(context.Background(), "o1", c.ID)
		require.NoError(t, err)
		if after.LastUsedAt != nil && (c.LastUsedAt == nil || after.LastUsedAt.After(*c.LastUsedAt)) {
			advanced++
			assert.Equal(t, "k3", c.ID)
		}
	}
	assert.Equal(t, 1, advanced)

	// Failed credentials stay active.
	k1, _ := fx.keys.Get(context.Background(), "o1", "k1")
	assert.Equal(t, models.CredentialActive, k1.Status)
}

func TestComplete_LRUExample(t *testing.T) {
	fx := newFixture(t,
		cred("k2", t0.Add(-time.Hour), ptr(t0)),
		cred("k1", t0, nil),
	)

	res, err := fx.engine.Complete(context.Background(), completion.Request{OwnerID: "o1", ChatKey: "playground:x", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "k1", res.CredentialID)

	k1, err := fx.keys.Get(context.Background(), "o1", "k1")
	require.NoError(t, err)
	require.NotNil(t, k1.LastUsedAt)
	assert.True(t, k1.LastUsedAt.After(t0))
}

func TestComplete_AllFailedHasNoSideEffects(t *testing.T) {
	fx := newFixture(t, cred("k1", t0, nil), cred("k2", t0.Add(time.Second), nil))
	fx.llm.failKeys["secret-k1"] = errors.New("boom-1")
	fx.llm.failKeys["secret-k2"] = errors.New("boom-2")

	_, err := fx.engine.Complete(context.Background(), completion.Request{OwnerID: "o1", ChatKey: "telegram:1", Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, completion.ErrAllCredentialsFailed)
	var acf *completion.AllCredentialsFailedError
	require.ErrorAs(t, err, &acf)
	assert.Equal(t, 2, acf.Attempts)
	assert.Contains(t, err.Error(), "boom-2")

	entries, _ := fx.store.ListAuditEntries(context.Background(), models.AuditFilter{OwnerID: "o1"})
	assert.Empty(t, entries)

	_, err = fx.store.GetConversation(context.Background(), "o1", "telegram:1")
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf, "memory must not be written on failure")

	creds, _ := fx.keys.List(context.Background(), "o1")
	for _, c := range creds {
		assert.Nil(t, c.LastUsedAt, "credential %s must not be marked used", c.ID)
	}
}

func TestComplete_NoCredentials(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.Complete(context.Background(), completion.Request{OwnerID: "o1", ChatKey: "telegram:1", Prompt: "hi"})
	assert.ErrorIs(t, err, keypool.ErrNoCredentialsAvailable)
	assert.Empty(t, fx.llm.configs)
}

func TestComplete_MemoryWindow(t *testing.T) {
	fx := newFixture(t, cred("k1", t0, nil))
	fx.llm.reply = func(_ string, n int) string { return fmt.Sprintf("answer %d", n) }
	ctx := context.Background()

	for k := 1; k <= 30; k++ {
		_, err := fx.engine.Complete(ctx, completion.Request{OwnerID: "o1", ChatKey: "whatsapp:5", Prompt: fmt.Sprintf("question %d", k)})
		require.NoError(t, err)

		mem, err := fx.store.GetConversation(ctx, "o1", "whatsapp:5")
		require.NoError(t, err)
		want := 2 * k
		if want > 50 {
			want = 50
		}
		require.Len(t, mem.Turns, want, "after %d turns", k)
		assert.Equal(t, fmt.Sprintf("answer %d", k), mem.Turns[len(mem.Turns)-1].Content, "newest last")
	}

	mem, _ := fx.store.GetConversation(ctx, "o1", "whatsapp:5")
	// 30 turns = 60 entries, oldest 10 dropped: questions 1-5 are gone.
	assert.Equal(t, "question 6", mem.Turns[0].Content)
	assert.Equal(t, models.RoleUser, mem.Turns[0].Role)

	// The provider only ever sees the last 20 turns.
	last := fx.llm.configs[len(fx.llm.configs)-1]
	assert.Len(t, last.History, 20)
}

func TestComplete_ToolRoundTrip(t *testing.T) {
	fx := newFixture(t, cred("k1", t0, nil))
	fx.llm.toolKeys["secret-k1"] = true

	res, err := fx.engine.Complete(context.Background(), completion.Request{OwnerID: "o1", ChatKey: "messenger:9", Prompt: "what's new?"})
	require.NoError(t, err)
	assert.Equal(t, "reply from secret-k1", res.ReplyText)

	// Prompt, then exactly one follow-up carrying the tool result.
	require.Equal(t, 2, fx.llm.calls("secret-k1"))
	follow := fx.llm.sends["secret-k1"][1]
	require.Len(t, follow, 1)
	require.NotNil(t, follow[0].ToolResult)
	assert.Equal(t, "c1", follow[0].ToolResult.CallID)
	assert.Equal(t, llm.WebSearchPlaceholder, follow[0].ToolResult.Content)

	entries, _ := fx.store.ListAuditEntries(context.Background(), models.AuditFilter{OwnerID: "o1"})
	require.Len(t, entries, 1)
	var raws []json.RawMessage
	require.NoError(t, json.Unmarshal(entries[0].RawProviderResponse, &raws))
	assert.Len(t, raws, 2, "audit keeps the tool round-trip")
}

func TestComplete_PersonaAndToolsOnSession(t *testing.T) {
	fx := newFixture(t, cred("k1", t0, nil))
	ctx := context.Background()
	require.NoError(t, fx.store.CreatePersona(ctx, &models.Persona{ID: "p1", OwnerID: "o1", Name: "Pirate", SystemPrompt: "Talk like a pirate.", IsActive: true}))

	_, err := fx.engine.Complete(ctx, completion.Request{OwnerID: "o1", ChatKey: "telegram:1", Prompt: "hi"})
	require.NoError(t, err)

	cfg := fx.llm.configs[0]
	assert.Equal(t, "Talk like a pirate.", cfg.SystemPrompt)
	require.Len(t, cfg.Tools, 1)
	assert.Equal(t, "web_search", cfg.Tools[0].Name)
}

func TestComplete_AttachmentsInlined(t *testing.T) {
	fx := newFixture(t, cred("k1", t0, nil))
	_, err := fx.engine.Complete(context.Background(), completion.Request{
		OwnerID: "o1", ChatKey: "telegram:1",
		Attachments: []models.Attachment{{MIMEType: "image/jpeg", Data: []byte{1, 2, 3}}},
	})
	require.NoError(t, err)

	parts := fx.llm.sends["secret-k1"][0]
	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].InlineData)
	assert.Equal(t, "image/jpeg", parts[0].InlineData.MIMEType)

	mem, _ := fx.store.GetConversation(context.Background(), "o1", "telegram:1")
	assert.Equal(t, "[attachment: image/jpeg]", mem.Turns[0].Content)
}

func TestComplete_EmptyPrompt(t *testing.T) {
	fx := newFixture(t, cred("k1", t0, nil))
	_, err := fx.engine.Complete(context.Background(), completion.Request{OwnerID: "o1", ChatKey: "telegram:1", Prompt: "  "})
	assert.ErrorIs(t, err, completion.ErrEmptyPrompt)
}

func TestComplete_ConcurrentSameChatKeepsAllTurns(t *testing.T) {
	fx := newFixture(t, cred("k1", t0, nil))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := fx.engine.Complete(ctx, completion.Request{OwnerID: "o1", ChatKey: "telegram:7", Prompt: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mem, err := fx.store.GetConversation(ctx, "o1", "telegram:7")
	require.NoError(t, err)
	assert.Len(t, mem.Turns, 20, "no lost updates under concurrency")
}

// keyLog records lock keys and delegates to a real locker.
type keyLog struct {
	sessions.Locker
	mu   sync.Mutex
	keys []string
}

func (k *keyLog) Lock(ctx context.Context, key string) error {
	k.mu.Lock()
	k.keys = append(k.keys, key)
	k.mu.Unlock()
	return k.Locker.Lock(ctx, key)
}

func TestComplete_LocksPerOwnerAndChat(t *testing.T) {
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	keys := keypool.NewManager(s)
	for _, owner := range []string{"o1", "o2"} {
		c := models.Credential{ID: "k-" + owner, OwnerID: owner, Secret: "s-" + owner, CreatedAt: t0}
		require.NoError(t, keys.Add(context.Background(), &c))
	}
	locks := &keyLog{Locker: sessions.NewKeyLocker()}
	e := completion.New(keys, persona.NewResolver(s), s, newFakeLLM(), completion.Config{Locker: locks})

	for _, owner := range []string{"o1", "o2"} {
		_, err := e.Complete(context.Background(), completion.Request{OwnerID: owner, ChatKey: "telegram:7", Prompt: "hi"})
		require.NoError(t, err)
	}
	require.Len(t, locks.keys, 2)
	assert.NotEqual(t, locks.keys[0], locks.keys[1], "same chat under different owners must not share a lock")
}

func ptr(t time.Time) *time.Time { return &t }
