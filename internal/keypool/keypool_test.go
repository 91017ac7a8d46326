package keypool_test

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*keypool.Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return keypool.NewManager(s), s
}

func ptr(ts time.Time) *time.Time { return &ts }

func ids(creds []models.Credential) []string {
	out := make([]string, len(creds))
	for i, c := range creds {
		out[i] = c.ID
	}
	return out
}

func TestSelectOrderedCandidates_NeverUsedFirst(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, &models.Credential{ID: "k2", OwnerID: "o1", Secret: "s2", LastUsedAt: ptr(t0), CreatedAt: t0.Add(-time.Hour)}))
	require.NoError(t, m.Add(ctx, &models.Credential{ID: "k1", OwnerID: "o1", Secret: "s1", CreatedAt: t0}))

	got, err := m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, ids(got))

	// k1 succeeds; its LastUsedAt must now be past k2's.
	require.NoError(t, m.MarkUsed(ctx, "k1", t0.Add(time.Second)))

	k1, err := m.Get(ctx, "o1", "k1")
	require.NoError(t, err)
	require.NotNil(t, k1.LastUsedAt)
	assert.True(t, k1.LastUsedAt.After(t0))

	got, err = m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k2", "k1"}, ids(got))
}

func TestSelectOrderedCandidates_ExactlyActiveSetSorted(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	statuses := []models.CredentialStatus{models.CredentialActive, models.CredentialExhausted, models.CredentialRevoked}
	var active []models.Credential
	for i := 0; i < 40; i++ {
		c := &models.Credential{
			ID:        string(rune('a'+i%26)) + string(rune('A'+i/26)),
			OwnerID:   "o1",
			Secret:    "secret",
			Status:    statuses[rng.Intn(len(statuses))],
			CreatedAt: t0.Add(time.Duration(rng.Intn(5)) * time.Minute),
		}
		if rng.Intn(3) > 0 {
			c.LastUsedAt = ptr(t0.Add(time.Duration(rng.Intn(10)) * time.Second))
		}
		require.NoError(t, m.Add(ctx, c))
		if c.Status == models.CredentialActive {
			active = append(active, *c)
		}
	}
	// A different owner never leaks in.
	require.NoError(t, m.Add(ctx, &models.Credential{ID: "other", OwnerID: "o2", Secret: "s"}))

	got, err := m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, got, len(active))

	want := ids(active)
	sort.Strings(want)
	have := ids(got)
	sorted := append([]string(nil), have...)
	sort.Strings(sorted)
	assert.Equal(t, want, sorted, "candidates must be exactly the active set")

	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if prev.LastUsedAt != nil && cur.LastUsedAt == nil {
			t.Fatalf("used credential %s ordered before never-used %s", prev.ID, cur.ID)
		}
		if prev.LastUsedAt != nil && cur.LastUsedAt != nil && prev.LastUsedAt.After(*cur.LastUsedAt) {
			t.Fatalf("candidates not ascending by LastUsedAt at %d: %v > %v", i, prev.LastUsedAt, cur.LastUsedAt)
		}
	}
}

func TestSelectOrderedCandidates_NoneAvailable(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.SelectOrderedCandidates(ctx, "o1")
	assert.True(t, errors.Is(err, keypool.ErrNoCredentialsAvailable))

	require.NoError(t, m.Add(ctx, &models.Credential{ID: "k1", OwnerID: "o1", Secret: "s", Status: models.CredentialRevoked}))
	_, err = m.SelectOrderedCandidates(ctx, "o1")
	assert.ErrorIs(t, err, keypool.ErrNoCredentialsAvailable)
}

func TestSetStatus_LeavesAndRejoinsRotation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, &models.Credential{ID: "k1", OwnerID: "o1", Secret: "s1", CreatedAt: t0}))
	require.NoError(t, m.Add(ctx, &models.Credential{ID: "k2", OwnerID: "o1", Secret: "s2", CreatedAt: t0.Add(time.Second)}))

	// Warm the index before mutating.
	_, err := m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)

	_, err = m.SetStatus(ctx, "o1", "k1", models.CredentialRevoked)
	require.NoError(t, err)
	got, err := m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, ids(got))

	_, err = m.SetStatus(ctx, "o1", "k1", models.CredentialActive)
	require.NoError(t, err)
	got, err = m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, ids(got))

	_, err = m.SetStatus(ctx, "o2", "k1", models.CredentialRevoked)
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf, "other owners cannot change the credential")
}

func TestRemove(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, &models.Credential{ID: "k1", OwnerID: "o1", Secret: "s1"}))
	_, err := m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, "o1", "k1"))
	_, err = m.SelectOrderedCandidates(ctx, "o1")
	assert.ErrorIs(t, err, keypool.ErrNoCredentialsAvailable)

	_, err = s.GetCredential(ctx, "k1")
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestInvalidate_ReloadsFromStore(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, &models.Credential{ID: "k1", OwnerID: "o1", Secret: "s1"}))
	_, err := m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)

	// Written behind the manager's back.
	require.NoError(t, s.CreateCredential(ctx, &models.Credential{ID: "k0", OwnerID: "o1", Secret: "s0", Status: models.CredentialActive}))
	got, _ := m.SelectOrderedCandidates(ctx, "o1")
	assert.Len(t, got, 1)

	m.Invalidate("o1")
	got, err = m.SelectOrderedCandidates(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAdd_Validation(t *testing.T) {
	m, _ := newManager(t)
	err := m.Add(context.Background(), &models.Credential{OwnerID: "o1", Secret: "   "})
	assert.ErrorIs(t, err, keypool.ErrInvalidCredential)

	err = m.Add(context.Background(), &models.Credential{OwnerID: "o1", Secret: "s", Status: "paused"})
	assert.ErrorIs(t, err, keypool.ErrInvalidCredential)
}
