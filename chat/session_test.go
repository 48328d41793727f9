package chat_test

import (
	"context"
	"errors"
	"flag"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bringyour/chat/chat"
	"github.com/bringyour/chat/chat/chattest"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const waitTimeout = 5 * time.Second

type testEnv struct {
	ctx     context.Context
	backend *chattest.Backend
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	ctx, cancel := context.WithCancel(context.Background())
	backend := chattest.NewBackendWithDefaults(ctx)
	server := httptest.NewServer(backend)
	t.Cleanup(func() {
		backend.Close()
		server.Close()
		cancel()
	})
	return &testEnv{
		ctx:     ctx,
		backend: backend,
		server:  server,
	}
}

func (self *testEnv) user(t *testing.T, username string) (chat.Id, string) {
	userId, token, err := self.backend.RegisterUser(username, "password")
	assert.Equal(t, err, nil)
	return userId, token
}

func (self *testEnv) session(t *testing.T, token string) *chat.Session {
	settings := chat.DefaultSessionSettings()
	settings.ReconnectInitialTimeout = 10 * time.Millisecond
	settings.ReconnectMaxTimeout = 100 * time.Millisecond
	settings.MetricsRegisterer = prometheus.NewRegistry()

	api := chat.NewApi(self.ctx, self.server.URL)
	session, err := chat.NewSession(self.ctx, api, self.server.URL+"/ws", token, settings)
	assert.Equal(t, err, nil)
	t.Cleanup(session.Close)
	return session
}

// connects the session to `channelId` and waits until the backend routes the channel to it
func (self *testEnv) join(t *testing.T, session *chat.Session, channelId chat.Id) {
	subscriberCount := self.backend.SubscriberCount(channelId)
	session.SetActiveChannel(channelId)
	waitFor(t, "subscribed", func() bool {
		return session.State().IsConnected() && subscriberCount < self.backend.SubscriberCount(channelId)
	})
}

func waitFor(t *testing.T, what string, test func() bool) {
	end := time.Now().Add(waitTimeout)
	for !test() {
		if end.Before(time.Now()) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForSnapshot(t *testing.T, what string, session *chat.Session, test func(snapshot *chat.Snapshot) bool) *chat.Snapshot {
	var snapshot *chat.Snapshot
	waitFor(t, what, func() bool {
		snapshot = session.Snapshot()
		return test(snapshot)
	})
	return snapshot
}

func submit(t *testing.T, do func(callback chat.SubmitCallback)) error {
	c := make(chan error, 1)
	do(func(err error) {
		c <- err
	})
	select {
	case err := <-c:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("no submit result")
		return nil
	}
}

func contents(messages []*chat.Message) []string {
	contents := []string{}
	for _, message := range messages {
		contents = append(contents, message.Content)
	}
	return contents
}

func TestSessionSendConfirmedByPush(t *testing.T) {
	env := newTestEnv(t)
	aliceId, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	general := env.backend.CreateChannel("general", "")

	session := env.session(t, aliceToken)
	assert.Equal(t, session.Identity().UserId, aliceId)
	assert.Equal(t, session.State(), chat.SessionStateDisconnected)

	waitForSnapshot(t, "channels", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Channels) == 1
	})
	env.join(t, session, general.Id)

	err := submit(t, func(callback chat.SubmitCallback) {
		session.SendMessage("hello", callback)
	})
	assert.Equal(t, err, nil)

	snapshot := waitForSnapshot(t, "own message", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 1
	})
	assert.Equal(t, snapshot.Messages[0].Content, "hello")
	assert.Equal(t, snapshot.Messages[0].AuthorId, aliceId)
	assert.Equal(t, snapshot.State, chat.SessionStateActive)

	_, err = env.backend.PostMessage(bobId, general.Id, "hi alice")
	assert.Equal(t, err, nil)

	snapshot = waitForSnapshot(t, "other message", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 2
	})
	assert.Equal(t, contents(snapshot.Messages), []string{"hello", "hi alice"})
	assert.Equal(t, session.FramesReceived(chat.FrameTypeNewMessage), float64(2))

	channel, ok := snapshot.ActiveChannel()
	assert.Equal(t, ok, true)
	assert.Equal(t, channel.Name, "general")
}

func TestSessionSendRejected(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	general := env.backend.CreateChannel("general", "")
	env.backend.PostMessage(bobId, general.Id, "first")

	session := env.session(t, aliceToken)

	// no active channel
	err := submit(t, func(callback chat.SubmitCallback) {
		session.SendMessage("hello", callback)
	})
	var validationErr *chat.ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)

	env.join(t, session, general.Id)
	waitForSnapshot(t, "history", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 1
	})

	err = submit(t, func(callback chat.SubmitCallback) {
		session.SendMessage("   ", callback)
	})
	assert.Equal(t, errors.As(err, &validationErr), true)

	err = submit(t, func(callback chat.SubmitCallback) {
		session.SendMessage(strings.Repeat("a", chat.MaxContentLength+1), callback)
	})
	assert.Equal(t, errors.As(err, &validationErr), true)

	// the server rejects a channel it does not have
	missingId := chat.Id("999")
	session.SetActiveChannel(missingId)
	err = submit(t, func(callback chat.SubmitCallback) {
		session.SendMessage("hello", callback)
	})
	var rejectedErr *chat.ServerRejectedError
	assert.Equal(t, errors.As(err, &rejectedErr), true)
	assert.Equal(t, rejectedErr.Detail, "Channel not found")
	assert.Equal(t, chat.IsRetryable(err), false)

	assert.Equal(t, session.Sync(), true)
	assert.Equal(t, len(session.Snapshot().Messages), 0)
	assert.Equal(t, contents(session.ChannelMessages(general.Id)), []string{"first"})
}

func TestSessionSendNetworkError(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	general := env.backend.CreateChannel("general", "")
	env.backend.PostMessage(bobId, general.Id, "first")

	session := env.session(t, aliceToken)
	env.join(t, session, general.Id)
	waitForSnapshot(t, "history", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 1
	})

	// the rest api goes away, the open push socket stays
	env.server.Close()

	err := submit(t, func(callback chat.SubmitCallback) {
		session.SendMessage("hello", callback)
	})
	var networkErr *chat.NetworkError
	assert.Equal(t, errors.As(err, &networkErr), true)
	assert.Equal(t, chat.IsRetryable(err), true)

	assert.Equal(t, session.Sync(), true)
	assert.Equal(t, contents(session.Snapshot().Messages), []string{"first"})
	assert.Equal(t, contents(session.ChannelMessages(general.Id)), []string{"first"})
}

func TestSessionDirectMessage(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	general := env.backend.CreateChannel("general", "")

	session := env.session(t, aliceToken)
	directMessages := make(chan *chat.DirectMessage, 1)
	session.AddChangeCallback(func(change *chat.Change, snapshot *chat.Snapshot) {
		if change.Kind == chat.ChangeDirectMessage {
			directMessages <- change.DirectMessage
		}
	})
	env.join(t, session, general.Id)

	sent, err := env.backend.SendDirectMessage(bobId, "alice", "psst")
	assert.Equal(t, err, nil)

	select {
	case directMessage := <-directMessages:
		assert.Equal(t, directMessage.Id, sent.Id)
		assert.Equal(t, directMessage.Sender, "bob")
		assert.Equal(t, directMessage.Content, "psst")
	case <-time.After(waitTimeout):
		t.Fatal("no direct message")
	}

	// the channel log is untouched
	assert.Equal(t, session.Sync(), true)
	assert.Equal(t, len(session.Snapshot().Messages), 0)
	assert.Equal(t, session.FramesReceived(chat.FrameTypeDirectMessage), float64(1))
}

func TestSessionToggleReaction(t *testing.T) {
	env := newTestEnv(t)
	aliceId, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	general := env.backend.CreateChannel("general", "")
	message, err := env.backend.PostMessage(bobId, general.Id, "react to me")
	assert.Equal(t, err, nil)

	session := env.session(t, aliceToken)
	env.join(t, session, general.Id)
	waitForSnapshot(t, "history", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 1
	})

	toggle := func() {
		err := submit(t, func(callback chat.SubmitCallback) {
			session.ToggleReaction(message.Id, "👍", callback)
		})
		assert.Equal(t, err, nil)
	}
	users := func(snapshot *chat.Snapshot) chat.UserSet {
		m, ok := snapshot.Message(message.Id)
		if !ok {
			return chat.UserSet{}
		}
		return m.Reactions.Users("👍")
	}

	toggle()
	waitForSnapshot(t, "reacted", session, func(snapshot *chat.Snapshot) bool {
		return snapshot.HasReacted(message.Id, "👍")
	})

	_, err = env.backend.ToggleReaction(bobId, message.Id, "👍")
	assert.Equal(t, err, nil)
	snapshot := waitForSnapshot(t, "two voters", session, func(snapshot *chat.Snapshot) bool {
		return users(snapshot).Len() == 2
	})
	assert.Equal(t, users(snapshot).Sorted(), chat.NewUserSet(aliceId, bobId).Sorted())

	toggle()
	snapshot = waitForSnapshot(t, "unreacted", session, func(snapshot *chat.Snapshot) bool {
		return !snapshot.HasReacted(message.Id, "👍")
	})
	assert.Equal(t, users(snapshot).Sorted(), []chat.Id{bobId})

	_, err = env.backend.ToggleReaction(bobId, message.Id, "👍")
	assert.Equal(t, err, nil)
	snapshot = waitForSnapshot(t, "no voters", session, func(snapshot *chat.Snapshot) bool {
		return users(snapshot).Len() == 0
	})
	m, _ := snapshot.Message(message.Id)
	_, ok := m.Reactions["👍"]
	assert.Equal(t, ok, false)

	err = submit(t, func(callback chat.SubmitCallback) {
		session.ToggleReaction(message.Id, "", callback)
	})
	var validationErr *chat.ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
}

func TestSessionReplies(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	general := env.backend.CreateChannel("general", "")
	parent, _ := env.backend.PostMessage(bobId, general.Id, "parent")
	other, _ := env.backend.PostMessage(bobId, general.Id, "other")

	session := env.session(t, aliceToken)
	env.join(t, session, general.Id)
	waitForSnapshot(t, "history", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 2
	})

	replyCount := func(snapshot *chat.Snapshot, messageId chat.Id) int {
		m, ok := snapshot.Message(messageId)
		if !ok {
			return -1
		}
		return m.ReplyCount
	}

	// thread closed, only the count moves
	_, err := env.backend.PostReply(bobId, parent.Id, "first reply")
	assert.Equal(t, err, nil)
	snapshot := waitForSnapshot(t, "reply count", session, func(snapshot *chat.Snapshot) bool {
		return replyCount(snapshot, parent.Id) == 1
	})
	assert.Equal(t, len(snapshot.Replies), 0)
	assert.Equal(t, len(snapshot.Messages), 2)

	session.OpenThread(parent.Id)
	snapshot = waitForSnapshot(t, "thread", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Replies) == 1
	})
	assert.Equal(t, snapshot.ThreadParentId, parent.Id)
	assert.Equal(t, snapshot.Replies[0].ParentId, parent.Id)

	err = submit(t, func(callback chat.SubmitCallback) {
		session.SendReply(parent.Id, "second reply", callback)
	})
	assert.Equal(t, err, nil)
	snapshot = waitForSnapshot(t, "own reply", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Replies) == 2
	})
	assert.Equal(t, contents(snapshot.Replies), []string{"first reply", "second reply"})
	assert.Equal(t, replyCount(snapshot, parent.Id), 2)

	// replies to another parent stay out of the open thread
	_, err = env.backend.PostReply(bobId, other.Id, "elsewhere")
	assert.Equal(t, err, nil)
	snapshot = waitForSnapshot(t, "other reply count", session, func(snapshot *chat.Snapshot) bool {
		return replyCount(snapshot, other.Id) == 1
	})
	assert.Equal(t, len(snapshot.Replies), 2)
	// replies never enter the channel log
	assert.Equal(t, contents(snapshot.Messages), []string{"parent", "other"})

	session.CloseThread()
	waitForSnapshot(t, "closed thread", session, func(snapshot *chat.Snapshot) bool {
		return snapshot.ThreadParentId.IsZero() && len(snapshot.Replies) == 0
	})
}

func TestSessionSubscribeOncePerSwitch(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	a := env.backend.CreateChannel("a", "")
	b := env.backend.CreateChannel("b", "")
	env.backend.PostMessage(bobId, b.Id, "in b")

	session := env.session(t, aliceToken)
	env.join(t, session, a.Id)
	assert.Equal(t, env.backend.Subscribes(), []chat.Id{a.Id})

	env.join(t, session, b.Id)
	snapshot := waitForSnapshot(t, "b history", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 1
	})
	assert.Equal(t, snapshot.ActiveChannelId, b.Id)
	assert.Equal(t, contents(snapshot.Messages), []string{"in b"})

	// already active, nothing is sent
	session.SetActiveChannel(b.Id)
	assert.Equal(t, session.Sync(), true)
	assert.Equal(t, env.backend.Subscribes(), []chat.Id{a.Id, b.Id})

	// a message in a is no longer routed to this session
	env.backend.PostMessage(bobId, a.Id, "in a")
	_, err := env.backend.PostMessage(bobId, b.Id, "in b again")
	assert.Equal(t, err, nil)
	waitForSnapshot(t, "b message", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 2
	})
	assert.Equal(t, len(session.ChannelMessages(a.Id)), 0)
}

func TestSessionDiscardStaleHistory(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	a := env.backend.CreateChannel("a", "")
	b := env.backend.CreateChannel("b", "")
	env.backend.PostMessage(bobId, a.Id, "in a")
	env.backend.PostMessage(bobId, b.Id, "in b")

	session := env.session(t, aliceToken)

	hold := env.backend.HoldHistory(a.Id)
	session.SetActiveChannel(a.Id)
	select {
	case <-hold.Started():
	case <-time.After(waitTimeout):
		t.Fatal("history not requested")
	}

	session.SetActiveChannel(b.Id)
	waitForSnapshot(t, "b history", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 1
	})

	hold.Release()
	historyKey := "GET /channels/{channelId}/messages"
	assert.Equal(t, env.backend.RequestCount(historyKey), 2)
	// give the released response time to reach the event loop
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, session.Sync(), true)

	snapshot := session.Snapshot()
	assert.Equal(t, snapshot.ActiveChannelId, b.Id)
	assert.Equal(t, contents(snapshot.Messages), []string{"in b"})
	assert.Equal(t, len(session.ChannelMessages(a.Id)), 0)
}

func TestSessionHistoryKeepsPushedMessages(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	a := env.backend.CreateChannel("a", "")
	env.backend.PostMessage(bobId, a.Id, "before")

	session := env.session(t, aliceToken)

	hold := env.backend.HoldHistory(a.Id)
	env.join(t, session, a.Id)
	select {
	case <-hold.Started():
	case <-time.After(waitTimeout):
		t.Fatal("history not requested")
	}

	// the held response was read before this message existed
	_, err := env.backend.PostMessage(bobId, a.Id, "during")
	assert.Equal(t, err, nil)
	waitForSnapshot(t, "pushed message", session, func(snapshot *chat.Snapshot) bool {
		return slices.Contains(contents(snapshot.Messages), "during")
	})

	hold.Release()
	snapshot := waitForSnapshot(t, "history", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 2
	})
	assert.Equal(t, contents(snapshot.Messages), []string{"before", "during"})
}

func TestSessionReconnectRefetches(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	general := env.backend.CreateChannel("general", "")
	env.backend.PostMessage(bobId, general.Id, "one")

	session := env.session(t, aliceToken)

	lostErrs := make(chan error, 16)
	unsubscribe := session.AddChangeCallback(func(change *chat.Change, snapshot *chat.Snapshot) {
		if change.Kind == chat.ChangeError && errors.Is(change.Err, chat.ErrConnectionLost) {
			select {
			case lostErrs <- change.Err:
			default:
			}
		}
	})
	defer unsubscribe()

	env.join(t, session, general.Id)
	waitForSnapshot(t, "history", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 1
	})

	env.backend.DisconnectAll()
	_, err := env.backend.PostMessage(bobId, general.Id, "two")
	assert.Equal(t, err, nil)

	select {
	case err := <-lostErrs:
		assert.Equal(t, chat.IsRetryable(err), true)
	case <-time.After(waitTimeout):
		t.Fatal("connection loss not reported")
	}

	waitFor(t, "resubscribed", func() bool {
		return len(env.backend.Subscribes()) == 2 && env.backend.SubscriberCount(general.Id) == 1
	})
	assert.Equal(t, env.backend.Subscribes(), []chat.Id{general.Id, general.Id})

	snapshot := waitForSnapshot(t, "refetched", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 2
	})
	assert.Equal(t, contents(snapshot.Messages), []string{"one", "two"})

	waitFor(t, "history refetch", func() bool {
		return env.backend.RequestCount("GET /channels/{channelId}/messages") == 2
	})
	assert.Equal(t, session.Reconnects(), float64(1))

	_, err = env.backend.PostMessage(bobId, general.Id, "three")
	assert.Equal(t, err, nil)
	snapshot = waitForSnapshot(t, "after reconnect", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 3
	})
	assert.Equal(t, contents(snapshot.Messages), []string{"one", "two", "three"})
}

func TestSessionMalformedFrame(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	bobId, _ := env.user(t, "bob")
	general := env.backend.CreateChannel("general", "")

	session := env.session(t, aliceToken)

	decodeErrs := make(chan error, 16)
	session.AddChangeCallback(func(change *chat.Change, snapshot *chat.Snapshot) {
		var decodeErr *chat.ProtocolDecodeError
		if change.Kind == chat.ChangeError && errors.As(change.Err, &decodeErr) {
			select {
			case decodeErrs <- change.Err:
			default:
			}
		}
	})

	env.join(t, session, general.Id)

	env.backend.BroadcastRaw(general.Id, []byte(`{"type": "new_message"}`))
	waitForSnapshot(t, "errored", session, func(snapshot *chat.Snapshot) bool {
		return snapshot.State == chat.SessionStateErrored
	})
	select {
	case <-decodeErrs:
	case <-time.After(waitTimeout):
		t.Fatal("decode error not reported")
	}
	assert.Equal(t, session.DecodeErrors(), float64(1))

	// unknown frame types are ignored without error
	env.backend.BroadcastRaw(general.Id, []byte(`{"type": "typing"}`))

	// the socket is kept and the next good frame recovers
	_, err := env.backend.PostMessage(bobId, general.Id, "still here")
	assert.Equal(t, err, nil)
	snapshot := waitForSnapshot(t, "recovered", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Messages) == 1
	})
	assert.Equal(t, snapshot.State, chat.SessionStateActive)
	assert.Equal(t, session.DecodeErrors(), float64(1))
	assert.Equal(t, session.FramesReceived("unknown"), float64(1))
	assert.Equal(t, len(env.backend.Subscribes()), 1)
}

func TestSessionCreateChannel(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")

	session := env.session(t, aliceToken)

	type result struct {
		channel *chat.Channel
		err     error
	}
	create := func(name string) result {
		c := make(chan result, 1)
		session.CreateChannel(name, "about", func(channel *chat.Channel, err error) {
			c <- result{channel, err}
		})
		select {
		case r := <-c:
			return r
		case <-time.After(waitTimeout):
			t.Fatal("no create result")
			return result{}
		}
	}

	r := create(" ")
	var validationErr *chat.ValidationError
	assert.Equal(t, errors.As(r.err, &validationErr), true)

	r = create("random")
	assert.Equal(t, r.err, nil)
	assert.Equal(t, r.channel.Name, "random")

	snapshot := waitForSnapshot(t, "channel list", session, func(snapshot *chat.Snapshot) bool {
		return len(snapshot.Channels) == 1
	})
	assert.Equal(t, snapshot.Channels[0].Id, r.channel.Id)
}

func TestSessionClosed(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	general := env.backend.CreateChannel("general", "")

	session := env.session(t, aliceToken)
	env.join(t, session, general.Id)

	assert.Equal(t, session.ConnectedGauge(), float64(1))

	session.Close()
	assert.Equal(t, session.ConnectedGauge(), float64(0))
	assert.Equal(t, session.State(), chat.SessionStateDisconnected)

	err := submit(t, func(callback chat.SubmitCallback) {
		session.SendMessage("hello", callback)
	})
	assert.Equal(t, errors.Is(err, chat.ErrSessionClosed), true)
	assert.Equal(t, session.Sync(), false)
}

func TestSessionCloseFailsQueuedIntents(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.user(t, "alice")
	general := env.backend.CreateChannel("general", "")

	session := env.session(t, aliceToken)
	env.join(t, session, general.Id)

	// hold the event loop inside a change callback
	blocked := make(chan struct{})
	release := make(chan struct{})
	var blockOnce sync.Once
	session.AddChangeCallback(func(change *chat.Change, snapshot *chat.Snapshot) {
		blockOnce.Do(func() {
			close(blocked)
			<-release
		})
	})
	session.RefreshChannels()
	select {
	case <-blocked:
	case <-time.After(waitTimeout):
		t.Fatal("event loop not blocked")
	}

	errs := make(chan error, 3)
	session.SendMessage("hello", func(err error) {
		errs <- err
	})
	session.ToggleReaction("1", "👍", func(err error) {
		errs <- err
	})
	session.CreateChannel("random", "", func(channel *chat.Channel, err error) {
		errs <- err
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		session.Close()
	}()
	<-session.Done()
	close(release)

	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("close did not return")
	}
	for i := 0; i < 3; i += 1 {
		select {
		case err := <-errs:
			assert.Equal(t, errors.Is(err, chat.ErrSessionClosed), true)
		default:
			t.Fatal("queued intent was not completed")
		}
	}
	assert.Equal(t, session.ConnectedGauge(), float64(0))
	// nothing was submitted
	assert.Equal(t, env.backend.RequestCount("POST /channels/{channelId}/messages"), 0)
}
