package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mgerstgrasser/tacheles/internal/apierror"
	"github.com/mgerstgrasser/tacheles/internal/db"
	"github.com/mgerstgrasser/tacheles/internal/llm"
	"github.com/mgerstgrasser/tacheles/internal/llm/llmtest"
	"github.com/mgerstgrasser/tacheles/internal/models"
)

// countingStore records how many times AppendMessages ran and can be told to fail it.
type countingStore struct {
	*db.Database

	mu        sync.Mutex
	appends   int
	appendErr error
}

func (s *countingStore) AppendMessages(ctx context.Context, conversationID int64, msgs ...models.Message) ([]models.Message, error) {
	s.mu.Lock()
	s.appends++
	err := s.appendErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Database.AppendMessages(ctx, conversationID, msgs...)
}

func (s *countingStore) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

// recorder collects frames and notes how many appends had happened when the end frame arrived.
type recorder struct {
	store          *countingStore
	frames         []Frame
	appendsAtEnd   int
	failAt         int
	failEndFrame   bool
	onFrameWritten func()
}

func (r *recorder) WriteFrame(f Frame) error {
	if r.failAt > 0 && len(r.frames)+1 == r.failAt {
		return errors.New("broken pipe")
	}
	if f.Type == FrameEnd {
		r.appendsAtEnd = r.store.appendCount()
		if r.failEndFrame {
			return errors.New("broken pipe")
		}
	}
	r.frames = append(r.frames, f)
	if r.onFrameWritten != nil {
		r.onFrameWritten()
	}
	return nil
}

type fixture struct {
	store  *countingStore
	userID int64
	convID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, "sqlite://")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	user, err := database.CreateUser(ctx)
	require.NoError(t, err)
	conv, err := database.CreateConversation(ctx, user.ID)
	require.NoError(t, err)

	return &fixture{store: &countingStore{Database: database}, userID: user.ID, convID: conv.ID}
}

func (f *fixture) messages(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := f.store.FindMessagesByConversation(context.Background(), f.convID)
	require.NoError(t, err)
	return msgs
}

func TestBegin_NotFound(t *testing.T) {
	f := newFixture(t)
	streamer := &llmtest.Streamer{Fragments: []string{"x"}}
	relay := NewRelay(f.store, streamer, Config{}, zap.NewNop())

	_, err := relay.Begin(context.Background(), f.convID+100, f.userID, "Hello")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
	assert.Empty(t, streamer.Requests())
}

func TestBegin_Forbidden(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.store, &llmtest.Streamer{}, Config{}, zap.NewNop())

	_, err := relay.Begin(context.Background(), f.convID, f.userID+1, "Hello")
	assert.ErrorIs(t, err, apierror.ErrForbidden)
}

func TestBegin_ComposesHistory(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Database.AppendMessages(context.Background(), f.convID,
		models.Message{Role: models.RoleUser, Content: "Hi"},
		models.Message{Role: models.RoleAssistant, Content: "Hello!"},
	)
	require.NoError(t, err)

	relay := NewRelay(f.store, &llmtest.Streamer{}, Config{SystemPrompt: "Be brief."}, zap.NewNop())
	turn, err := relay.Begin(context.Background(), f.convID, f.userID, "How are you?")
	require.NoError(t, err)

	assert.Equal(t, []llm.Message{
		{Role: models.RoleSystem, Content: "Be brief."},
		{Role: models.RoleUser, Content: "Hi"},
		{Role: models.RoleAssistant, Content: "Hello!"},
		{Role: models.RoleUser, Content: "How are you?"},
	}, turn.request.Messages)
	assert.Equal(t, DefaultMaxTokens, turn.request.MaxTokens)
}

func TestStream_RelaysAndPersistsAfterEnd(t *testing.T) {
	f := newFixture(t)
	streamer := &llmtest.Streamer{Fragments: []string{"Hello", "", " there", "!"}}
	relay := NewRelay(f.store, streamer, Config{}, zap.NewNop())

	turn, err := relay.Begin(context.Background(), f.convID, f.userID, "Hi")
	require.NoError(t, err)

	rec := &recorder{store: f.store}
	require.NoError(t, relay.Stream(context.Background(), turn, rec))

	assert.Equal(t, []Frame{
		ContentFrame("Hello"),
		ContentFrame(" there"),
		ContentFrame("!"),
		EndFrame(),
	}, rec.frames)
	assert.Zero(t, rec.appendsAtEnd, "messages stored before the end frame")

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there!", msgs[1].Content)

	// The system prompt goes upstream but is never stored.
	reqs := streamer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.RoleSystem, reqs[0].Messages[0].Role)
}

func TestStream_SecondTurnSeesFirst(t *testing.T) {
	f := newFixture(t)
	streamer := &llmtest.Streamer{Fragments: []string{"ok"}}
	relay := NewRelay(f.store, streamer, Config{}, zap.NewNop())

	for _, content := range []string{"first", "second"} {
		turn, err := relay.Begin(context.Background(), f.convID, f.userID, content)
		require.NoError(t, err)
		require.NoError(t, relay.Stream(context.Background(), turn, &recorder{store: f.store}))
	}

	reqs := streamer.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 4)
	assert.Equal(t, "first", reqs[1].Messages[1].Content)
	assert.Len(t, f.messages(t), 4)
}

func TestStream_UpstreamFailsImmediately(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.store, &llmtest.Streamer{Err: errors.New("connection refused")}, Config{}, zap.NewNop())

	turn, err := relay.Begin(context.Background(), f.convID, f.userID, "Hi")
	require.NoError(t, err)

	rec := &recorder{store: f.store}
	err = relay.Stream(context.Background(), turn, rec)
	assert.ErrorIs(t, err, apierror.ErrUpstream)
	assert.Empty(t, rec.frames)
	assert.Zero(t, f.store.appendCount())
}

func TestStream_UpstreamFailsMidStream(t *testing.T) {
	f := newFixture(t)
	streamer := &llmtest.Streamer{
		Fragments: []string{"Hel", "lo", "never"},
		Err:       errors.New("stream reset"),
		FailAfter: 2,
	}
	relay := NewRelay(f.store, streamer, Config{}, zap.NewNop())

	turn, err := relay.Begin(context.Background(), f.convID, f.userID, "Hi")
	require.NoError(t, err)

	rec := &recorder{store: f.store}
	err = relay.Stream(context.Background(), turn, rec)
	assert.ErrorIs(t, err, apierror.ErrUpstream)
	assert.Equal(t, []Frame{ContentFrame("Hel"), ContentFrame("lo")}, rec.frames)
	assert.Zero(t, f.store.appendCount())
	assert.Empty(t, f.messages(t))
}

func TestStream_ClientGone(t *testing.T) {
	f := newFixture(t)
	streamer := &llmtest.Streamer{Fragments: []string{"a", "b", "c", "d"}}
	relay := NewRelay(f.store, streamer, Config{}, zap.NewNop())

	turn, err := relay.Begin(context.Background(), f.convID, f.userID, "Hi")
	require.NoError(t, err)

	rec := &recorder{store: f.store, failAt: 2}
	err = relay.Stream(context.Background(), turn, rec)
	assert.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, []Frame{ContentFrame("a")}, rec.frames)
	assert.Zero(t, f.store.appendCount())
}

func TestStream_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	streamer := &llmtest.Streamer{Fragments: []string{"a", "b", "c"}}
	relay := NewRelay(f.store, streamer, Config{}, zap.NewNop())

	turn, err := relay.Begin(context.Background(), f.convID, f.userID, "Hi")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{store: f.store, onFrameWritten: cancel}

	errc := make(chan error, 1)
	go func() { errc <- relay.Stream(ctx, turn, rec) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClientGone)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
	assert.Zero(t, f.store.appendCount())
}

func TestStream_EndFrameFailureStillPersists(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.store, &llmtest.Streamer{Fragments: []string{"done"}}, Config{}, zap.NewNop())

	turn, err := relay.Begin(context.Background(), f.convID, f.userID, "Hi")
	require.NoError(t, err)

	require.NoError(t, relay.Stream(context.Background(), turn, &recorder{store: f.store, failEndFrame: true}))
	assert.Len(t, f.messages(t), 2)
}

func TestStream_PersistFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.store.appendErr = errors.New("disk I/O error")

	core, logs := observer.New(zap.ErrorLevel)
	relay := NewRelay(f.store, &llmtest.Streamer{Fragments: []string{"lost"}}, Config{}, zap.New(core))

	turn, err := relay.Begin(context.Background(), f.convID, f.userID, "Hi")
	require.NoError(t, err)

	rec := &recorder{store: f.store}
	err = relay.Stream(context.Background(), turn, rec)
	assert.ErrorIs(t, err, apierror.ErrInternal)
	assert.Equal(t, []Frame{ContentFrame("lost"), EndFrame()}, rec.frames)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.True(t, strings.Contains(entry.Message, "persist"))
	assert.Equal(t, f.convID, entry.ContextMap()["conversation_id"])
}
