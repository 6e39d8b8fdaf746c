package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lexichat/internal/backend"
	"lexichat/internal/kvstore"
	"lexichat/internal/models"
	"lexichat/internal/notify"
)

type fakeService struct {
	mu       sync.Mutex
	calls    int
	failList bool
	convs    []models.Conversation
	messages map[string][]backend.StoredMessage
	updates  []models.Conversation
}

func (f *fakeService) hit() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeService) List(ctx context.Context, token string) ([]models.Conversation, error) {
	f.hit()
	if f.failList {
		return nil, errors.New("connection refused")
	}
	return append([]models.Conversation(nil), f.convs...), nil
}

func (f *fakeService) Create(ctx context.Context, token, title, mode string) (models.Conversation, error) {
	f.hit()
	c := models.Conversation{ID: "srv-1", Title: title, Mode: mode}
	f.convs = append(f.convs, c)
	return c, nil
}

func (f *fakeService) Update(ctx context.Context, token string, conv models.Conversation) error {
	f.hit()
	f.updates = append(f.updates, conv)
	return nil
}

func (f *fakeService) Delete(ctx context.Context, token, id string) error {
	f.hit()
	return nil
}

func (f *fakeService) Messages(ctx context.Context, token, id string) ([]backend.StoredMessage, error) {
	f.hit()
	return f.messages[id], nil
}

func (f *fakeService) ReplaceMessages(ctx context.Context, token, id string, messages []backend.StoredMessage) error {
	f.hit()
	if f.messages == nil {
		f.messages = make(map[string][]backend.StoredMessage)
	}
	f.messages[id] = messages
	return nil
}

func newTestAdapter(svc *fakeService, buf *notify.Buffer) (*Adapter, kvstore.Store) {
	kv := kvstore.NewMemory()
	local := NewLocalStore(kv, "tab1", nil)
	remote := NewRemoteStore(svc, func() string { return "tok" })
	return NewAdapter(local, remote, buf, nil), kv
}

func TestLocalRoundTripAndCascade(t *testing.T) {
	ctx := context.Background()
	a, kv := newTestAdapter(&fakeService{}, notify.NewBuffer(4))

	conv, err := a.CreateConversation(ctx, "", "General Chat", models.ModeAnonymous)
	require.NoError(t, err)
	require.Regexp(t, `^local_\d+$`, conv.ID)
	require.Equal(t, models.PlaceholderTitle, conv.Title)

	msgs := []models.Message{{ID: "m1", Role: models.RoleUser, Content: "hi"}}
	require.NoError(t, a.SaveConversations(ctx, []models.Conversation{conv}, models.ModeAnonymous))
	require.NoError(t, a.SaveMessages(ctx, conv.ID, msgs, models.ModeAnonymous))

	require.Len(t, a.ListConversations(ctx, models.ModeAnonymous), 1)
	require.Equal(t, "hi", a.LoadMessages(ctx, conv.ID, models.ModeAnonymous)[0].Content)

	require.NoError(t, a.DeleteConversation(ctx, conv.ID, models.ModeAnonymous))
	require.Empty(t, a.ListConversations(ctx, models.ModeAnonymous))
	_, err = kv.Get(ctx, "tab1:messages:"+conv.ID)
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestLocalIDsAreUnique(t *testing.T) {
	s := NewLocalStore(kvstore.NewMemory(), "tab", nil)
	fixed := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return fixed }
	a := s.NewConversation("", "")
	b := s.NewConversation("", "")
	require.Equal(t, "local_1700000000000", a.ID)
	require.NotEqual(t, a.ID, b.ID)
}

func TestLocalCorruptionDegradesToEmpty(t *testing.T) {
	ctx := context.Background()
	a, kv := newTestAdapter(&fakeService{}, notify.NewBuffer(4))

	for _, raw := range []string{`{"id":"x"}`, `not json`, `null`, `[{"id": 5}]`} {
		require.NoError(t, kv.Set(ctx, "tab1:conversations", raw))
		require.NoError(t, kv.Set(ctx, "tab1:messages:c1", raw))
		require.NotNil(t, a.ListConversations(ctx, models.ModeAnonymous))
		require.Empty(t, a.ListConversations(ctx, models.ModeAnonymous), raw)
		require.Empty(t, a.LoadMessages(ctx, "c1", models.ModeAnonymous), raw)
	}
}

func TestModeIsolation(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{}
	a, _ := newTestAdapter(svc, notify.NewBuffer(4))

	conv, err := a.CreateConversation(ctx, "", "General Chat", models.ModeAnonymous)
	require.NoError(t, err)
	require.NoError(t, a.SaveConversations(ctx, []models.Conversation{conv}, models.ModeAnonymous))
	require.NoError(t, a.SaveMessages(ctx, conv.ID, nil, models.ModeAnonymous))
	a.ListConversations(ctx, models.ModeAnonymous)
	a.LoadMessages(ctx, conv.ID, models.ModeAnonymous)
	require.NoError(t, a.DeleteConversation(ctx, conv.ID, models.ModeAnonymous))
	require.Zero(t, svc.calls, "anonymous mode must not reach the conversation service")

	remoteConv, err := a.CreateConversation(ctx, "", "General Chat", models.ModeAuthenticated)
	require.NoError(t, err)
	require.NoError(t, a.SaveMessages(ctx, remoteConv.ID, []models.Message{{Role: models.RoleUser, Content: "q"}}, models.ModeAuthenticated))
	require.Empty(t, a.ListConversations(ctx, models.ModeAnonymous), "authenticated writes must not reach local storage")
	require.Len(t, a.ListConversations(ctx, models.ModeAuthenticated), 1)
}

func TestRemoteFailureReportsAndReturnsEmpty(t *testing.T) {
	buf := notify.NewBuffer(4)
	a, _ := newTestAdapter(&fakeService{failList: true}, buf)

	list := a.ListConversations(context.Background(), models.ModeAuthenticated)
	require.NotNil(t, list)
	require.Empty(t, list)
	got := buf.Drain()
	require.Len(t, got, 1)
	require.Equal(t, notify.LevelError, got[0].Level)
}

func TestRemoteMessagesGetStableIDs(t *testing.T) {
	svc := &fakeService{messages: map[string][]backend.StoredMessage{
		"7": {{Role: models.RoleUser, Content: "q"}, {Role: models.RoleAssistant, Content: "a"}},
	}}
	a, _ := newTestAdapter(svc, notify.NewBuffer(4))
	first := a.LoadMessages(context.Background(), "7", models.ModeAuthenticated)
	second := a.LoadMessages(context.Background(), "7", models.ModeAuthenticated)
	require.Equal(t, models.MessageIDs(first), models.MessageIDs(second))
	require.Equal(t, []string{"7-0", "7-1"}, models.MessageIDs(first))
}

func TestRemoteSaveConversationsSendsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{convs: []models.Conversation{{ID: "1", Title: "A"}, {ID: "2", Title: "B"}}}
	a, _ := newTestAdapter(svc, notify.NewBuffer(4))

	list := a.ListConversations(ctx, models.ModeAuthenticated)
	list[1].LastMessage = "new reply"
	require.NoError(t, a.SaveConversations(ctx, list, models.ModeAuthenticated))
	require.Len(t, svc.updates, 1)
	require.Equal(t, "2", svc.updates[0].ID)

	require.NoError(t, a.SaveConversations(ctx, list, models.ModeAuthenticated))
	require.Len(t, svc.updates, 1)
}

func TestRemoteWithoutTokenFails(t *testing.T) {
	remote := NewRemoteStore(&fakeService{}, func() string { return "" })
	_, err := remote.ListConversations(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
}

func TestPurgeRemovesNamespaceOnly(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	tab1 := NewAdapter(NewLocalStore(kv, "tab1", nil), nil, nil, nil)
	tab2 := NewAdapter(NewLocalStore(kv, "tab2", nil), nil, nil, nil)

	for _, a := range []*Adapter{tab1, tab2} {
		conv, err := a.CreateConversation(ctx, "", "", models.ModeAnonymous)
		require.NoError(t, err)
		require.NoError(t, a.SaveConversations(ctx, []models.Conversation{conv}, models.ModeAnonymous))
		require.NoError(t, a.SaveMessages(ctx, conv.ID, []models.Message{{ID: "m"}}, models.ModeAnonymous))
	}

	require.NoError(t, tab1.Purge(ctx))
	keys, err := kv.Keys(ctx, "tab1:")
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Len(t, tab2.ListConversations(ctx, models.ModeAnonymous), 1)
}

func TestModeNoneIsInert(t *testing.T) {
	a, _ := newTestAdapter(&fakeService{}, notify.NewBuffer(4))
	require.Empty(t, a.ListConversations(context.Background(), models.ModeNone))
	_, err := a.CreateConversation(context.Background(), "", "", models.ModeNone)
	require.Error(t, err)
}
