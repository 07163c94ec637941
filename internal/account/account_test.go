package account

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmsg/mailsync/internal/event"
	"github.com/openmsg/mailsync/internal/imap"
	"github.com/openmsg/mailsync/internal/model"
	"github.com/openmsg/mailsync/internal/param"
	"github.com/openmsg/mailsync/tests/testutil"
)

type fakeMessages struct {
	mu         sync.Mutex
	byID       map[int64]*model.Message
	delivered  []int64
	failed     map[int64]string
	moveStates map[int64]model.MoveState
}

func newFakeMessages(msgs ...*model.Message) *fakeMessages {
	f := &fakeMessages{
		byID:       make(map[int64]*model.Message),
		failed:     make(map[int64]string),
		moveStates: make(map[int64]model.MoveState),
	}
	for _, m := range msgs {
		f.byID[m.ID] = m
	}
	return f
}

func (f *fakeMessages) MessageByID(_ context.Context, id int64) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *fakeMessages) MessageByMessageID(_ context.Context, mid string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if m.MessageID == mid {
			return m, nil
		}
	}
	return nil, nil
}

func (f *fakeMessages) CountSharingMessageID(_ context.Context, mid string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.byID {
		if m.MessageID == mid {
			n++
		}
	}
	return n, nil
}

func (f *fakeMessages) SetServerRef(_ context.Context, id int64, folder string, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.byID[id]; m != nil {
		m.Folder = folder
		m.UID = uid
	}
	return nil
}

func (f *fakeMessages) SetMoveState(_ context.Context, id int64, st model.MoveState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveStates[id] = st
	return nil
}

func (f *fakeMessages) MarkDelivered(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeMessages) MarkFailed(_ context.Context, id int64, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errText
	return nil
}

type fakeReceiver struct {
	received []*model.Message
}

func (f *fakeReceiver) Receive(_ context.Context, folder string, uid uint32, _ []byte) (*model.Message, error) {
	m := &model.Message{ID: int64(len(f.received) + 1), Folder: folder, UID: uid}
	f.received = append(f.received, m)
	return m, nil
}

type fakeRenderer struct {
	receiptRecipients []string
}

func (f *fakeRenderer) RenderReadReceipt(context.Context, int64) ([]string, []byte, error) {
	return f.receiptRecipients, []byte("mdn"), nil
}

func (f *fakeRenderer) RenderLocationBeacon(context.Context, bool) ([]string, []byte, bool, error) {
	return nil, nil, false, nil
}

type fakeSender struct {
	connectErr error
	sendErr    error
	sent       [][]string
}

func (f *fakeSender) Connect(context.Context) error { return f.connectErr }

func (f *fakeSender) Send(_ context.Context, recipients []string, _ []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, recipients)
	return nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *captureEmitter) Emit(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) kinds() []event.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

type testEnv struct {
	a       *Account
	msgs    *fakeMessages
	sender  *fakeSender
	emitter *captureEmitter
}

func newTestAccount(t *testing.T, opts Options, msgs *fakeMessages) *testEnv {
	t.Helper()
	if msgs == nil {
		msgs = newFakeMessages()
	}
	if opts.SpoolDir == "" {
		opts.SpoolDir = t.TempDir()
	}

	emitter := &captureEmitter{}
	sender := &fakeSender{}
	a := New(opts, testutil.NewTestStore(t), Deps{
		Emitter:  emitter,
		Messages: msgs,
		Receiver: &fakeReceiver{},
		Renderer: &fakeRenderer{},
		Sender:   sender,
		Policy:   NewShowPolicy(false),
		IMAP:     imap.Config{Host: "imap.example.org", Port: 993},
	}, zerolog.Nop())

	return &testEnv{a: a, msgs: msgs, sender: sender, emitter: emitter}
}

func TestMaybeMoveQueuesChatMessageFromInbox(t *testing.T) {
	msg := &model.Message{ID: 1, MessageID: "m1@x", Folder: "INBOX", UID: 5, IsChat: true}
	env := newTestAccount(t, Options{
		InboxFolder: "INBOX",
		MvboxFolder: "Chats",
		MvboxMove:   true,
	}, newFakeMessages(msg))
	ctx := context.Background()

	env.a.MaybeMove(ctx, msg)

	assert.Equal(t, model.MoveStateMoving, msg.MoveState)
	exists, err := env.a.store.JobExistsForMessage(ctx, model.ActionMoveMessage, 1)
	require.NoError(t, err)
	assert.True(t, exists)

	// A second pass must not queue a duplicate.
	msg.MoveState = model.MoveStatePending
	env.a.MaybeMove(ctx, msg)
	due, err := env.a.store.DueJobs(ctx, model.LaneIMAP, time.Now().Unix()+10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMaybeMoveStayVerdicts(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		msg  *model.Message
	}{
		{
			name: "moving disabled",
			opts: Options{InboxFolder: "INBOX", MvboxFolder: "Chats"},
			msg:  &model.Message{ID: 1, Folder: "INBOX", IsChat: true},
		},
		{
			name: "already in chat folder",
			opts: Options{InboxFolder: "INBOX", MvboxFolder: "Chats", MvboxMove: true},
			msg:  &model.Message{ID: 1, Folder: "Chats", IsChat: true},
		},
		{
			name: "user-filed folder",
			opts: Options{InboxFolder: "INBOX", MvboxFolder: "Chats", MvboxMove: true},
			msg:  &model.Message{ID: 1, Folder: "Archive/2026", IsChat: true},
		},
		{
			name: "setup message",
			opts: Options{InboxFolder: "INBOX", MvboxFolder: "Chats", MvboxMove: true},
			msg:  &model.Message{ID: 1, Folder: "INBOX", IsChat: true, IsSetup: true},
		},
		{
			name: "plain email",
			opts: Options{InboxFolder: "INBOX", MvboxFolder: "Chats", MvboxMove: true},
			msg:  &model.Message{ID: 1, Folder: "INBOX"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestAccount(t, tc.opts, newFakeMessages(tc.msg))
			ctx := context.Background()

			env.a.MaybeMove(ctx, tc.msg)

			assert.Equal(t, model.MoveStateStay, tc.msg.MoveState)
			exists, err := env.a.store.JobExistsForMessage(ctx, model.ActionMoveMessage, tc.msg.ID)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestMaybeMoveRespectsFinalVerdicts(t *testing.T) {
	env := newTestAccount(t, Options{
		InboxFolder: "INBOX", MvboxFolder: "Chats", MvboxMove: true,
	}, nil)

	moving := &model.Message{ID: 1, Folder: "INBOX", IsChat: true, MoveState: model.MoveStateMoving}
	env.a.MaybeMove(context.Background(), moving)

	exists, err := env.a.store.JobExistsForMessage(context.Background(), model.ActionMoveMessage, 1)
	require.NoError(t, err)
	assert.False(t, exists, "a moving message must not be re-queued")
}

func TestPrecheckBccSelfRecordsServerRef(t *testing.T) {
	msg := &model.Message{ID: 7, MessageID: "self@x", IsChat: true, Outgoing: true}
	env := newTestAccount(t, Options{
		InboxFolder: "INBOX", MvboxFolder: "Chats", MvboxMove: true,
	}, newFakeMessages(msg))
	ctx := context.Background()

	pipe := env.a.pipeline()
	handled, wanted, err := pipe.Precheck(ctx, "INBOX", imap.Prefetch{UID: 42, MessageID: "self@x"})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, wanted)

	assert.Equal(t, "INBOX", msg.Folder)
	assert.Equal(t, uint32(42), msg.UID)

	// The heuristic queued a move and a mark-seen keeps the copy tidy.
	moveQueued, err := env.a.store.JobExistsForMessage(ctx, model.ActionMoveMessage, 7)
	require.NoError(t, err)
	assert.True(t, moveQueued)

	seenQueued, err := env.a.store.JobExistsForMessage(ctx, model.ActionMarkSeenMessage, 7)
	require.NoError(t, err)
	assert.True(t, seenQueued)
}

func TestPrecheckUnknownMessageFollowsPolicy(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)

	pipe := env.a.pipeline()
	handled, wanted, err := pipe.Precheck(context.Background(), "INBOX",
		imap.Prefetch{UID: 1, MessageID: "new@x"})
	require.NoError(t, err)
	assert.False(t, handled)
	assert.True(t, wanted)
}

func TestPrecheckDuplicateCopyIsIgnored(t *testing.T) {
	msg := &model.Message{ID: 3, MessageID: "dup@x", Folder: "Chats", UID: 9}
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, newFakeMessages(msg))

	pipe := env.a.pipeline()
	handled, wanted, err := pipe.Precheck(context.Background(), "INBOX",
		imap.Prefetch{UID: 50, MessageID: "dup@x"})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, wanted)

	// The existing server ref is untouched.
	assert.Equal(t, "Chats", msg.Folder)
	assert.Equal(t, uint32(9), msg.UID)
}

func TestHandleSendMessageDeliversAndCleansUp(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)
	ctx := context.Background()

	require.NoError(t, env.a.EnqueueMessage(ctx, 11, []string{"bob@example.org"}, []byte("payload")))

	due, err := env.a.store.DueJobs(ctx, model.LaneSMTP, time.Now().Unix())
	require.NoError(t, err)
	require.Len(t, due, 1)
	job := due[0]
	spoolFile := job.Param.GetDefault(param.KeyFile, "")
	require.FileExists(t, spoolFile)

	d := env.a.handleSendMessage(ctx, job)
	assert.Equal(t, model.Done, d)
	assert.Equal(t, [][]string{{"bob@example.org"}}, env.sender.sent)
	assert.NoFileExists(t, spoolFile)
	assert.Equal(t, []int64{11}, env.msgs.delivered)
	assert.Contains(t, env.emitter.kinds(), event.KindMessageDelivered)
}

func TestHandleSendMessageConnectFailureBacksOff(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)
	env.sender.connectErr = errors.New("relay down")
	ctx := context.Background()

	require.NoError(t, env.a.EnqueueMessage(ctx, 1, []string{"x@y"}, []byte("p")))
	due, err := env.a.store.DueJobs(ctx, model.LaneSMTP, time.Now().Unix())
	require.NoError(t, err)
	require.Len(t, due, 1)

	d := env.a.handleSendMessage(ctx, due[0])
	assert.Equal(t, model.RetryWithBackoff, d)
	assert.Error(t, due[0].PendingError)
}

func TestHandleSendMessageSubmitFailureRetriesNow(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)
	env.sender.sendErr = errors.New("4.3.0 try again")
	ctx := context.Background()

	require.NoError(t, env.a.EnqueueMessage(ctx, 1, []string{"x@y"}, []byte("p")))
	due, err := env.a.store.DueJobs(ctx, model.LaneSMTP, time.Now().Unix())
	require.NoError(t, err)
	require.Len(t, due, 1)

	d := env.a.handleSendMessage(ctx, due[0])
	assert.Equal(t, model.RetryNowThenBackoff, d)
}

func TestHandleSendMessageMissingSpoolIsDone(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)

	p := param.New().
		Set(param.KeyFile, filepath.Join(t.TempDir(), "gone.eml")).
		SetList(param.KeyRecipients, []string{"x@y"})
	job := model.NewJob(model.ActionSendMessage, 1, p, 0)

	d := env.a.handleSendMessage(context.Background(), job)
	assert.Equal(t, model.Done, d)
	assert.Empty(t, env.sender.sent)
}

func TestOnSendAbandonedMarksMessageFailed(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)

	job := model.NewJob(model.ActionSendMessage, 5, nil, 0)
	job.PendingError = errors.New("permanent refusal")
	env.a.onSendAbandoned(job)

	assert.Equal(t, "permanent refusal", env.msgs.failed[5])
	assert.Contains(t, env.emitter.kinds(), event.KindMessageFailed)
}

func TestHandleImportExportWritesBackup(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)
	destDir := t.TempDir()

	job := model.NewJob(model.ActionImportExport, 0, param.New().Set(param.KeyArg, destDir), 0)
	d := env.a.handleImportExport(context.Background(), job)
	require.Equal(t, model.Done, d)

	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "mailsync-backup-")
}

func TestHandleHousekeepingRemovesStaleSpoolFiles(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)
	ctx := context.Background()

	// One referenced payload, one orphan.
	require.NoError(t, env.a.EnqueueMessage(ctx, 1, []string{"x@y"}, []byte("keep")))
	orphan := filepath.Join(env.a.opts.SpoolDir, "orphan.eml")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0o600))

	d := env.a.handleHousekeeping(ctx, model.NewJob(model.ActionHousekeeping, 0, nil, 0))
	assert.Equal(t, model.Done, d)

	assert.NoFileExists(t, orphan)
	referenced, err := env.a.store.SpoolFilesReferenced(ctx)
	require.NoError(t, err)
	for path := range referenced {
		assert.FileExists(t, path)
	}
}

func TestIMAPJobsWithoutConnectionAreNotPenalized(t *testing.T) {
	msg := &model.Message{ID: 2, MessageID: "m@x", Folder: "INBOX", UID: 3}
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, newFakeMessages(msg))

	job := model.NewJob(model.ActionDeleteMessage, 2, nil, 0)
	d := env.a.handleDeleteMessage(context.Background(), job)
	assert.Equal(t, model.NotYetReady, d)
}

func TestChatOnlyPolicy(t *testing.T) {
	policy := NewShowPolicy(true)

	chat := imap.Prefetch{}
	chat.Header.Set("Chat-Version", "1.0")
	assert.True(t, policy.ShouldDownload(chat))

	setup := imap.Prefetch{}
	setup.Header.Set("Autocrypt-Setup-Message", "v1")
	assert.True(t, policy.ShouldDownload(setup))

	plain := imap.Prefetch{}
	plain.Header.Set("From", "a@b")
	assert.False(t, policy.ShouldDownload(plain))

	assert.True(t, NewShowPolicy(false).ShouldDownload(plain))
}

func TestMetadataJobsFailOnceWithoutConnection(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)
	ctx := context.Background()

	p := param.New().
		Set(param.KeyArg, "req-7").
		SetMap(param.KeyMetadata, map[string]string{"/private/devicetoken": "tok"})
	job := model.NewJob(model.ActionSetMetadata, 0, p, 0)

	// No connection: the job must be consumed, not retried, and the
	// requester must hear about the failure.
	d := env.a.handleSetMetadata(ctx, job)
	assert.Equal(t, model.Done, d)

	require.Len(t, env.emitter.events, 1)
	ev := env.emitter.events[0]
	assert.Equal(t, event.KindMetadataError, ev.Kind)
	assert.Equal(t, "req-7", ev.Correlation)
	assert.NotEmpty(t, ev.Text)
}

func TestGetMetadataFailsOnceWithoutConnection(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)

	p := param.New().
		Set(param.KeyArg, "req-8").
		Set(param.KeyMetadata, "/private/devicetoken")
	job := model.NewJob(model.ActionGetMetadata, 0, p, 0)

	d := env.a.handleGetMetadata(context.Background(), job)
	assert.Equal(t, model.Done, d)

	require.Len(t, env.emitter.events, 1)
	assert.Equal(t, event.KindMetadataError, env.emitter.events[0].Kind)
	assert.Equal(t, "req-8", env.emitter.events[0].Correlation)
}

func TestNetworkProbeSurvivesSuspendedSendLane(t *testing.T) {
	env := newTestAccount(t, Options{InboxFolder: "INBOX"}, nil)
	ctx := context.Background()

	env.a.send.Suspend()
	env.a.MaybeNetwork()

	// The pass is skipped while the lane is suspended; the wakeup must
	// not be swallowed with it.
	env.a.smtpPass(ctx)
	assert.True(t, env.a.smtpProbe.Load(), "probe consumed by a skipped pass")

	env.a.send.Unsuspend()
	env.a.smtpPass(ctx)
	assert.False(t, env.a.smtpProbe.Load(), "probe not consumed by a running pass")
}

func TestMaybeMoveStandsDownForServerSideMoves(t *testing.T) {
	msg := &model.Message{ID: 3, MessageID: "m3@x", Folder: "INBOX", UID: 9, IsChat: true}
	env := newTestAccount(t, Options{
		InboxFolder: "INBOX",
		MvboxFolder: "Chats",
		MvboxMove:   true,
	}, newFakeMessages(msg))
	ctx := context.Background()

	env.a.inbox.Client().SetServerMoves(true)
	env.a.MaybeMove(ctx, msg)

	assert.Equal(t, model.MoveStateStay, msg.MoveState)
	exists, err := env.a.store.JobExistsForMessage(ctx, model.ActionMoveMessage, 3)
	require.NoError(t, err)
	assert.False(t, exists)
}
