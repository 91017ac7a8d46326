package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/behavior"
	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/relay"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
)

// fakeAdapter parses "text" or "media" payloads and records outbound calls.
type fakeAdapter struct {
	mu      sync.Mutex
	calls   []string
	sent    []models.OutgoingMessage
	sendErr error
	panicOn string
}

func (f *fakeAdapter) Platform() models.Platform { return models.PlatformTelegram }

func (f *fakeAdapter) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeAdapter) SendMessage(_ context.Context, _ *models.PlatformIntegration, out models.OutgoingMessage) (json.RawMessage, error) {
	f.record("send")
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, out)
	f.mu.Unlock()
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeAdapter) SendTypingIndicator(context.Context, *models.PlatformIntegration, string) {
	f.record("typing")
}

func (f *fakeAdapter) ParseWebhook(raw []byte) *models.IncomingMessage {
	switch string(raw) {
	case "text":
		return &models.IncomingMessage{Platform: models.PlatformTelegram, ChatID: "42", SenderID: "7", SenderName: "Ada", MessageID: "m1", Content: "hello"}
	case "media":
		return &models.IncomingMessage{Platform: models.PlatformTelegram, ChatID: "42", SenderID: "7", MessageID: "m2",
			MediaType: models.MediaImage, MediaURL: "file-1", MediaMIMEType: "image/jpeg"}
	}
	return nil
}

func (f *fakeAdapter) ValidateWebhook([]byte, string) bool { return true }

func (f *fakeAdapter) FetchMedia(_ context.Context, _ *models.PlatformIntegration, msg *models.IncomingMessage) (*models.Attachment, error) {
	f.record("fetch")
	return &models.Attachment{MIMEType: msg.MediaMIMEType, Data: []byte{1, 2}}, nil
}

func (f *fakeAdapter) Get(models.Platform) (platform.Adapter, error) { return f, nil }

func (f *fakeAdapter) snapshot() ([]string, []models.OutgoingMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]models.OutgoingMessage(nil), f.sent...)
}

type fakeCompleter struct {
	mu   sync.Mutex
	reqs []completion.Request
	err  error
	hook func()
}

func (c *fakeCompleter) Complete(_ context.Context, req completion.Request) (*completion.Result, error) {
	if c.hook != nil {
		c.hook()
	}
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return &completion.Result{ReplyText: "hi " + req.Prompt, CredentialID: "k1"}, nil
}

func newRelay(t *testing.T, a *fakeAdapter, c *fakeCompleter) (*relay.Relay, store.Store) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	sim := behavior.New(config.BehaviorConfig{Enabled: false})
	return relay.New(a, c, s, sim, media.NewTranscoder("")), s
}

var integ = &models.PlatformIntegration{ID: "i1", Platform: models.PlatformTelegram, Status: models.IntegrationActive, OwnerID: "o1"}

func drain(t *testing.T, r *relay.Relay) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestHandleIncoming_TextFlow(t *testing.T) {
	a, c := &fakeAdapter{}, &fakeCompleter{}
	r, s := newRelay(t, a, c)

	msg, err := r.HandleIncomingMessage(context.Background(), integ, []byte("text"))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "i1", msg.IntegrationID)
	drain(t, r)

	calls, sent := a.snapshot()
	assert.Equal(t, []string{"typing", "send"}, calls)
	require.Len(t, sent, 1)
	assert.Equal(t, "hi hello", sent[0].Content)
	assert.Equal(t, "42", sent[0].ChatID)
	assert.Equal(t, "m1", sent[0].ReplyToMessageID)

	require.Len(t, c.reqs, 1)
	assert.Equal(t, "telegram:42", c.reqs[0].ChatKey)
	assert.Equal(t, "o1", c.reqs[0].OwnerID)

	contacts, err := s.ListContacts(context.Background(), "o1", models.PlatformTelegram)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Ada", contacts[0].DisplayName)
	assert.Equal(t, 1, contacts[0].MessageCount)
}

func TestHandleIncoming_MediaFetchedAndInlined(t *testing.T) {
	a, c := &fakeAdapter{}, &fakeCompleter{}
	r, _ := newRelay(t, a, c)

	_, err := r.HandleIncomingMessage(context.Background(), integ, []byte("media"))
	require.NoError(t, err)
	drain(t, r)

	calls, _ := a.snapshot()
	assert.Equal(t, []string{"fetch", "typing", "send"}, calls)
	require.Len(t, c.reqs, 1)
	require.Len(t, c.reqs[0].Attachments, 1)
	assert.Equal(t, "image/jpeg", c.reqs[0].Attachments[0].MIMEType)
}

func TestHandleIncoming_IgnoredPayloads(t *testing.T) {
	a, c := &fakeAdapter{}, &fakeCompleter{}
	r, _ := newRelay(t, a, c)

	msg, err := r.HandleIncomingMessage(context.Background(), integ, []byte("status-update"))
	require.NoError(t, err)
	assert.Nil(t, msg)

	inactive := *integ
	inactive.Status = models.IntegrationInactive
	msg, err = r.HandleIncomingMessage(context.Background(), &inactive, []byte("text"))
	require.NoError(t, err)
	assert.Nil(t, msg)

	drain(t, r)
	assert.Empty(t, c.reqs)
	calls, _ := a.snapshot()
	assert.Empty(t, calls)
}

func TestHandleIncoming_ReturnsBeforeCompletion(t *testing.T) {
	release := make(chan struct{})
	a := &fakeAdapter{}
	c := &fakeCompleter{hook: func() { <-release }}
	r, _ := newRelay(t, a, c)

	done := make(chan struct{})
	go func() {
		_, _ = r.HandleIncomingMessage(context.Background(), integ, []byte("text"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleIncomingMessage blocked on completion")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded, "task still in flight")

	close(release)
	drain(t, r)
}

func TestHandleIncoming_CompletionFailureSendsNothing(t *testing.T) {
	a := &fakeAdapter{}
	c := &fakeCompleter{err: &completion.AllCredentialsFailedError{Attempts: 2, LastErr: errors.New("quota")}}
	r, _ := newRelay(t, a, c)

	_, err := r.HandleIncomingMessage(context.Background(), integ, []byte("text"))
	require.NoError(t, err, "background errors never reach the webhook")
	drain(t, r)

	calls, _ := a.snapshot()
	assert.Empty(t, calls)

	c.err = keypool.ErrNoCredentialsAvailable
	_, err = r.HandleIncomingMessage(context.Background(), integ, []byte("text"))
	require.NoError(t, err)
	drain(t, r)
}

func TestHandleIncoming_PanicIsContained(t *testing.T) {
	a := &fakeAdapter{}
	c := &fakeCompleter{hook: func() { panic("boom") }}
	r, _ := newRelay(t, a, c)

	_, err := r.HandleIncomingMessage(context.Background(), integ, []byte("text"))
	require.NoError(t, err)
	drain(t, r)
}

func TestSendMessageWithBehavior(t *testing.T) {
	a := &fakeAdapter{}
	var slept []time.Duration
	sim := behavior.New(config.BehaviorConfig{Enabled: true, DefaultDelayMin: time.Second, DefaultDelayMax: time.Second},
		behavior.WithSleep(func(d time.Duration) { slept = append(slept, d) }))
	r := relay.New(a, &fakeCompleter{}, nil, sim, nil)

	raw, err := r.SendMessageWithBehavior(context.Background(), integ, models.OutgoingMessage{ChatID: "1", Content: "yo"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, []time.Duration{time.Second}, slept)

	calls, _ := a.snapshot()
	assert.Equal(t, []string{"typing", "send"}, calls)

	a.sendErr = errors.New("403 forbidden")
	_, err = r.SendMessageWithBehavior(context.Background(), integ, models.OutgoingMessage{ChatID: "1", Content: "yo"})
	assert.ErrorContains(t, err, "403 forbidden")
}
