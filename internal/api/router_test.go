package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/api"
	"github.com/relaydesk/relaydesk/internal/api/handlers"
	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/internal/persona"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/telemetry"
	"github.com/relaydesk/relaydesk/pkg/models"
)

type fakeCompleter struct {
	mu   sync.Mutex
	reqs []completion.Request
	err  error
}

func (f *fakeCompleter) Complete(_ context.Context, req completion.Request) (*completion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &completion.Result{ReplyText: "echo " + req.Prompt, CredentialID: "k1"}, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []string
}

func (f *fakeDispatcher) HandleIncomingMessage(_ context.Context, _ *models.PlatformIntegration, raw []byte) (*models.IncomingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(raw))
	return nil, nil
}

type fixture struct {
	router    http.Handler
	store     store.Store
	completer *fakeCompleter
	relay     *fakeDispatcher
}

func newFixture(t *testing.T, apiKeys ...string) *fixture {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.Auth.APIKeys = apiKeys

	f := &fixture{store: s, completer: &fakeCompleter{}, relay: &fakeDispatcher{}}
	h := handlers.New(s, keypool.NewManager(s), persona.NewResolver(s), f.completer, f.relay,
		platform.NewRegistry(platform.Options{}))
	f.router = api.NewRouter(cfg, h)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t, "secret-key")

	for _, path := range []string{"/health", "/version", "/metrics"} {
		w := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := f.do(t, http.MethodGet, "/api/v1/credentials", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/credentials", nil, "X-API-Key", "secret-key")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCredentials_Lifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/credentials", map[string]string{"label": "main", "secret": "AIza-0123456789"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Credential](t, w)
	assert.Equal(t, "********6789", created.Secret, "secret is masked")
	assert.Equal(t, models.CredentialActive, created.Status)
	assert.Equal(t, models.DefaultOwner, created.OwnerID)

	w = f.do(t, http.MethodPost, "/api/v1/credentials", map[string]string{"label": "empty"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/credentials/"+created.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.CredentialRevoked, decode[models.Credential](t, w).Status)

	w = f.do(t, http.MethodPost, "/api/v1/credentials/"+created.ID+"/reactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.CredentialActive, decode[models.Credential](t, w).Status)

	// Another owner cannot see it.
	w = f.do(t, http.MethodGet, "/api/v1/credentials/"+created.ID, nil, "X-Owner-Id", "intruder")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/credentials", nil)
	list := decode[[]models.Credential](t, w)
	require.Len(t, list, 1)
	assert.NotContains(t, w.Body.String(), "AIza-0123456789")

	w = f.do(t, http.MethodDelete, "/api/v1/credentials/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/credentials/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCredentials_ReloadPicksUpStoreChanges(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/credentials/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"reloaded","active":0}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/credentials", map[string]string{"secret": "AIza-one"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Written behind the manager's back, as another instance would.
	require.NoError(t, f.store.CreateCredential(context.Background(), &models.Credential{
		ID: "external", OwnerID: models.DefaultOwner, Secret: "AIza-two", Status: models.CredentialActive,
	}))

	w = f.do(t, http.MethodPost, "/api/v1/credentials/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"reloaded","active":2}`, w.Body.String())
}

func TestPersonas_ActivateKeepsOneActive(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/personas/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, persona.DefaultPersonaName, decode[models.Persona](t, w).Name)

	w = f.do(t, http.MethodPost, "/api/v1/personas", map[string]interface{}{"name": "A", "system_prompt": "be A", "is_active": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	a := decode[models.Persona](t, w)
	assert.True(t, a.IsActive)

	w = f.do(t, http.MethodPost, "/api/v1/personas", map[string]string{"name": "B", "system_prompt": "be B"})
	require.Equal(t, http.StatusCreated, w.Code)
	b := decode[models.Persona](t, w)

	w = f.do(t, http.MethodPost, "/api/v1/personas/"+b.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/personas", nil)
	active := 0
	for _, p := range decode[[]models.Persona](t, w) {
		if p.IsActive {
			active++
			assert.Equal(t, b.ID, p.ID)
		}
	}
	assert.Equal(t, 1, active)

	w = f.do(t, http.MethodPut, "/api/v1/personas/"+a.ID, map[string]string{"system_prompt": "be A, briefly"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "be A, briefly", decode[models.Persona](t, w).SystemPrompt)

	w = f.do(t, http.MethodPost, "/api/v1/personas", map[string]string{"name": "no prompt"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/personas/"+a.ID, nil, "X-Owner-Id", "other")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIntegrations_CreateAndUpdate(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/integrations", map[string]interface{}{
		"name": "bot", "platform": "signal", "credentials": map[string]string{"token": "t"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/integrations", map[string]interface{}{
		"name": "bot", "platform": "telegram", "credentials": map[string]string{"token": "123456:ABCDEF", "secret": "s3cr3t-token"},
		"typing_delay_min": 500, "typing_delay_max": 1500,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		models.PlatformIntegration
		WebhookPath string `json:"webhook_path"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "/webhooks/telegram/"+created.ID, created.WebhookPath)
	assert.Equal(t, models.IntegrationActive, created.Status)
	assert.NotContains(t, w.Body.String(), "123456:ABCDEF")

	w = f.do(t, http.MethodPut, "/api/v1/integrations/"+created.ID, map[string]interface{}{"status": "inactive", "user_agent": "ua/1"})
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := f.store.GetIntegration(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationInactive, stored.Status)
	assert.Equal(t, "ua/1", stored.UserAgent)
	assert.Equal(t, "123456:ABCDEF", stored.Credentials.Token, "omitted credentials are kept")
	assert.Equal(t, 500, stored.TypingDelayMin)

	w = f.do(t, http.MethodPut, "/api/v1/integrations/"+created.ID, map[string]interface{}{"typing_delay_min": 900, "typing_delay_max": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlayground_ErrorMapping(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/playground/chat", map[string]interface{}{
		"chatId": "c1", "message": "hello",
		"attachments": []map[string]string{{"mimeType": "image/png", "data": "iVBORw0K"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"reply":"echo hello","credentialId":"k1"}`, w.Body.String())
	require.Len(t, f.completer.reqs, 1)
	assert.Equal(t, "playground:c1", f.completer.reqs[0].ChatKey)
	require.Len(t, f.completer.reqs[0].Attachments, 1)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n'}, f.completer.reqs[0].Attachments[0].Data)

	cases := []struct {
		err  error
		code int
	}{
		{keypool.ErrNoCredentialsAvailable, http.StatusConflict},
		{&completion.AllCredentialsFailedError{Attempts: 2, LastErr: errors.New("quota")}, http.StatusBadGateway},
		{completion.ErrEmptyPrompt, http.StatusBadRequest},
		{errors.New("store down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f.completer.err = tc.err
		w := f.do(t, http.MethodPost, "/api/v1/playground/chat", map[string]string{"message": "hi"})
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func TestAudit_LimitValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/audit?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/audit?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/contacts?platform=fax", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func seedIntegration(t *testing.T, s store.Store, p models.Platform, creds models.IntegrationCredentials) string {
	t.Helper()
	integ := &models.PlatformIntegration{
		ID: string(p) + "-1", Platform: p, Credentials: creds,
		Status: models.IntegrationActive, OwnerID: models.DefaultOwner,
	}
	require.NoError(t, s.CreateIntegration(context.Background(), integ))
	return integ.ID
}

func TestWebhook_TelegramSecret(t *testing.T) {
	f := newFixture(t, "admin-key")
	id := seedIntegration(t, f.store, models.PlatformTelegram, models.IntegrationCredentials{Token: "1:x", Secret: "tg-secret"})
	path := "/webhooks/telegram/" + id

	w := f.do(t, http.MethodPost, path, []byte(`{"update_id":1}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, path, []byte(`{"update_id":1}`), platform.HeaderTelegramSecret, "tg-secret")
	assert.Equal(t, http.StatusOK, w.Code)

	// Unparseable bodies are acknowledged but never dispatched.
	w = f.do(t, http.MethodPost, path, []byte(`not json`), platform.HeaderTelegramSecret, "tg-secret")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{`{"update_id":1}`}, f.relay.payloads)

	w = f.do(t, http.MethodPost, "/webhooks/telegram/missing", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_MetaHandshakeAndSignature(t *testing.T) {
	f := newFixture(t)
	id := seedIntegration(t, f.store, models.PlatformWhatsApp, models.IntegrationCredentials{
		Token: "tok", VerifyToken: "verify-me", Secret: "app-secret", PhoneNumberID: "555",
	})
	path := "/webhooks/whatsapp/" + id

	w := f.do(t, http.MethodGet, path+"?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1158201444", w.Body.String())

	w = f.do(t, http.MethodGet, path+"?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	w = f.do(t, http.MethodPost, path, body, platform.HeaderMetaSignature256, platform.SignMeta("app-secret", body))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, path, body, platform.HeaderMetaSignature256, platform.SignMeta("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The integration is a WhatsApp one; the Messenger route does not serve it.
	w = f.do(t, http.MethodPost, "/webhooks/messenger/"+id, body)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Len(t, f.relay.payloads, 1)
}

func TestWebhook_MalformedPayloadAcknowledged(t *testing.T) {
	f := newFixture(t)
	id := seedIntegration(t, f.store, models.PlatformMessenger, models.IntegrationCredentials{Token: "page-tok"})
	path := "/webhooks/messenger/" + id
	invalid := telemetry.WebhookMessages.WithLabelValues(string(models.PlatformMessenger), "invalid")
	before := testutil.ToFloat64(invalid)

	for _, body := range []string{`not json`, `{"object":"instagram","entry":[]}`, `{"object":"page"}`} {
		w := f.do(t, http.MethodPost, path, []byte(body))
		assert.Equal(t, http.StatusOK, w.Code, body)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	}
	assert.Empty(t, f.relay.payloads)
	assert.Equal(t, before+3, testutil.ToFloat64(invalid))

	valid := `{"object":"page","entry":[{"id":"PAGE","messaging":[]}]}`
	w := f.do(t, http.MethodPost, path, []byte(valid))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{valid}, f.relay.payloads)
}

func TestConversations_DeleteForgetsMemory(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertConversation(context.Background(), &models.ConversationMemory{
		ID: "m1", ChatKey: "telegram:42", OwnerID: models.DefaultOwner,
		Turns: []models.Turn{{Role: models.RoleUser, Content: "hi"}},
	}))

	w := f.do(t, http.MethodGet, "/api/v1/conversations/telegram:42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.ConversationMemory](t, w).Turns, 1)

	w = f.do(t, http.MethodGet, "/api/v1/conversations", nil, "X-Owner-Id", "other")
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(t, http.MethodDelete, "/api/v1/conversations/telegram:42", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/conversations/telegram:42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
