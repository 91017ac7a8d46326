package platform

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/pkg/models"
)

func TestTelegram_BotCacheIsBounded(t *testing.T) {
	tg := NewTelegram("http://127.0.0.1:1", &http.Client{}, NewUserAgents([]string{"ua"}), nil)

	for i := 0; i < maxBots+10; i++ {
		integ := &models.PlatformIntegration{ID: fmt.Sprint(i),
			Credentials: models.IntegrationCredentials{Token: fmt.Sprintf("%d:token", i)}}
		_, err := tg.botFor(integ)
		require.NoError(t, err)
	}
	assert.Equal(t, maxBots, tg.bots.Len())

	// A cached client is reused.
	integ := &models.PlatformIntegration{Credentials: models.IntegrationCredentials{Token: fmt.Sprintf("%d:token", maxBots+9)}}
	a, _ := tg.botFor(integ)
	b, _ := tg.botFor(integ)
	assert.Same(t, a, b)
}

func TestWhatsApp_LastInboundIsBounded(t *testing.T) {
	w := NewWhatsApp(nil, nil)

	for i := 0; i < inboundEntries+10; i++ {
		payload := fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{
			"metadata":{"phone_number_id":"PN1"},
			"messages":[{"from":"%d","id":"wamid.%d","type":"text","text":{"body":"hi"}}]}}]}]}`, i, i)
		require.NotNil(t, w.ParseWebhook([]byte(payload)))
	}
	assert.Equal(t, inboundEntries, w.lastInbound.Len())

	_, oldest := w.lastInbound.Get(inboundKey("PN1", "0"))
	assert.False(t, oldest, "oldest chat evicted")
	id, ok := w.lastInbound.Get(inboundKey("PN1", fmt.Sprint(inboundEntries+9)))
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("wamid.%d", inboundEntries+9), id)
}
