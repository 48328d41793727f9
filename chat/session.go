package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type SessionSettings struct {
	WsHandshakeTimeout      time.Duration
	PingTimeout             time.Duration
	WriteTimeout            time.Duration
	ReadTimeout             time.Duration
	ReconnectInitialTimeout time.Duration
	ReconnectMaxTimeout     time.Duration
	SendQueueSize           int
	EventQueueSize          int
	// nil dials a websocket
	PushDialer PushDialer
	// nil does not register the session metrics
	MetricsRegisterer prometheus.Registerer
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		WsHandshakeTimeout:      5 * time.Second,
		PingTimeout:             15 * time.Second,
		WriteTimeout:            5 * time.Second,
		ReadTimeout:             45 * time.Second,
		ReconnectInitialTimeout: 1 * time.Second,
		ReconnectMaxTimeout:     30 * time.Second,
		SendQueueSize:           32,
		EventQueueSize:          256,
	}
}

// the outcome of submitting a mutation. Success means the backend accepted it;
// the resulting state arrives over the push connection.
type SubmitCallback = func(err error)

type ChannelCallback = func(channel *Channel, err error)

// Session is the realtime sync core for one signed in user.
// It owns the single push connection and an event loop that runs every intent,
// REST result and push frame one at a time.
// Acquire with `NewSession` and release with `Close`.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *Api
	pushUrl  string
	identity *Identity
	settings *SessionSettings
	dialer   PushDialer
	metrics  *sessionMetrics

	loop *eventLoop
	// signals the connect loop that there is an active channel to subscribe to
	wake chan struct{}
	wg   sync.WaitGroup

	snapshot        atomic.Pointer[Snapshot]
	changeCallbacks *CallbackList[ChangeFunction]

	// owned by the event loop
	directory   *ChannelDirectory
	store       *MessageStore
	reactions   *ReactionAggregator
	syncState   *syncState
	conn        *pushConnection
	channelsSeq uint64
	historySeq  uint64
	threadSeq   uint64
	changes     []*Change
}

func NewSessionWithDefaults(ctx context.Context, api *Api, pushUrl string, token string) (*Session, error) {
	return NewSession(ctx, api, pushUrl, token, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	api *Api,
	pushUrl string,
	token string,
	settings *SessionSettings,
) (*Session, error) {
	identity, err := ParseIdentityUnverified(token)
	if err != nil {
		return nil, err
	}
	pushUrlWithToken, err := PushUrlWithToken(pushUrl, token)
	if err != nil {
		return nil, err
	}
	api.SetToken(token)

	dialer := settings.PushDialer
	if dialer == nil {
		dialer = NewWebsocketPushDialer(settings.WsHandshakeTimeout)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	store := NewMessageStore()
	session := &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		pushUrl:         pushUrlWithToken,
		identity:        identity,
		settings:        settings,
		dialer:          dialer,
		metrics:         newSessionMetrics(settings.MetricsRegisterer),
		loop:            newEventLoop(cancelCtx, settings.EventQueueSize),
		wake:            make(chan struct{}, 1),
		changeCallbacks: NewCallbackList[ChangeFunction](),
		directory:       NewChannelDirectory(),
		store:           store,
		reactions:       NewReactionAggregator(store),
		syncState:       newSyncState(),
	}
	session.snapshot.Store(session.buildSnapshot())

	session.wg.Add(2)
	go func() {
		defer session.wg.Done()
		session.loop.run()
		session.shutdown()
	}()
	go session.run()

	session.RefreshChannels()

	return session, nil
}

func (self *Session) Identity() *Identity {
	return self.identity
}

// Snapshot is safe to call from any goroutine
func (self *Session) Snapshot() *Snapshot {
	return self.snapshot.Load()
}

func (self *Session) State() SessionState {
	return self.Snapshot().State
}

func (self *Session) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Close tears down the connection and the event loop and waits for them.
// It must not be called from a change callback.
func (self *Session) Close() {
	self.cancel()
	self.wg.Wait()
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

// do posts a task to the event loop. Observers are notified after the task.
func (self *Session) do(task func()) bool {
	return self.doOrAbandon(task, nil)
}

// doOrAbandon runs `abandon` on the event loop instead of `task` when the session
// closes with the task still queued
func (self *Session) doOrAbandon(task func(), abandon func()) bool {
	return self.loop.postOrAbandon(func() {
		defer self.flush()
		task()
	}, abandon)
}

// runs on the event loop goroutine after the loop stops
func (self *Session) shutdown() {
	if self.conn != nil {
		self.conn.Close()
		self.conn = nil
		if self.syncState.closed() {
			self.metrics.connected.Dec()
		}
	} else {
		self.syncState.closed()
	}
	self.changes = nil
	self.snapshot.Store(self.buildSnapshot())
}

func (self *Session) changed(change *Change) {
	self.changes = append(self.changes, change)
}

func (self *Session) flush() {
	if len(self.changes) == 0 {
		return
	}
	changes := self.changes
	self.changes = nil

	snapshot := self.buildSnapshot()
	self.snapshot.Store(snapshot)

	callbacks := self.changeCallbacks.Get()
	for _, change := range changes {
		for _, callback := range callbacks {
			HandleError(func() {
				callback(change, snapshot)
			})
		}
	}
}

func (self *Session) buildSnapshot() *Snapshot {
	activeChannelId := self.directory.ActiveChannelId()
	return &Snapshot{
		State:           self.syncState.state,
		UserId:          self.identity.UserId,
		Channels:        self.directory.List(),
		ActiveChannelId: activeChannelId,
		Messages:        self.store.Messages(activeChannelId),
		ThreadParentId:  self.store.ThreadParentId(),
		Replies:         self.store.Replies(),
	}
}

// on the event loop, or on the caller when the session is closed
func complete(callback SubmitCallback, err error) {
	if callback != nil {
		HandleError(func() {
			callback(err)
		})
	}
}

func closedCallback(callback SubmitCallback) func() {
	return func() {
		complete(callback, ErrSessionClosed)
	}
}

// runs a submit callback on the event loop, or directly when the session is closed.
// Must not be called from inside a task.
func (self *Session) submitted(callback SubmitCallback, err error) {
	if callback == nil {
		return
	}
	if !self.doOrAbandon(func() {
		complete(callback, err)
	}, closedCallback(callback)) {
		complete(callback, ErrSessionClosed)
	}
}

// intents

func (self *Session) RefreshChannels() {
	self.do(self.refreshChannels)
}

func (self *Session) refreshChannels() {
	self.channelsSeq += 1
	seq := self.channelsSeq
	self.api.ListChannels(NewApiCallback(func(channels []*Channel, err error) {
		self.do(func() {
			if seq != self.channelsSeq {
				return
			}
			if err != nil {
				glog.Infof("[s]list channels error = %s\n", err)
				self.changed(&Change{Kind: ChangeError, Err: err})
				return
			}
			self.directory.Replace(channels)
			self.changed(&Change{Kind: ChangeChannels})
		})
	}))
}

// CreateChannel validates the name before any network call.
// The new channel is committed by the channel list refresh that follows a successful create.
func (self *Session) CreateChannel(name string, description string, callback ChannelCallback) {
	completeChannel := func(channel *Channel, err error) {
		if callback != nil {
			HandleError(func() {
				callback(channel, err)
			})
		}
	}
	closed := func() {
		completeChannel(nil, ErrSessionClosed)
	}
	posted := self.doOrAbandon(func() {
		if err := ValidateChannelName(name); err != nil {
			completeChannel(nil, err)
			return
		}
		createChannel := &CreateChannelArgs{
			Name:        strings.TrimSpace(name),
			Description: description,
		}
		self.api.CreateChannel(createChannel, NewApiCallback(func(channel *Channel, err error) {
			if !self.doOrAbandon(func() {
				if err == nil {
					self.refreshChannels()
				}
				completeChannel(channel, err)
			}, closed) {
				closed()
			}
		}))
	}, closed)
	if !posted {
		closed()
	}
}

// SetActiveChannel switches the displayed channel. While connected this sends exactly one
// subscribe frame on the existing socket. The channel history is fetched, and a fetch for any
// previous channel is discarded when it completes.
func (self *Session) SetActiveChannel(channelId Id) {
	self.do(func() {
		if channelId.IsZero() || !self.directory.SetActive(channelId) {
			return
		}
		if !self.store.ThreadParentId().IsZero() {
			self.closeThread()
		}
		self.changed(&Change{Kind: ChangeActiveChannel, ChannelId: channelId})

		if self.syncState.activeChanged(channelId) {
			self.sendSubscribe(channelId)
		}
		self.fetchHistory(channelId)

		select {
		case self.wake <- struct{}{}:
		default:
		}
	})
}

func (self *Session) OpenThread(parentId Id) {
	self.do(func() {
		if parentId.IsZero() {
			return
		}
		self.store.BeginThreadLoad(parentId)
		self.changed(&Change{Kind: ChangeThread, ParentId: parentId})
		self.fetchThread(parentId)
	})
}

func (self *Session) CloseThread() {
	self.do(self.closeThread)
}

func (self *Session) closeThread() {
	parentId := self.store.ThreadParentId()
	if parentId.IsZero() {
		return
	}
	self.store.CloseThread()
	self.threadSeq += 1
	self.changed(&Change{Kind: ChangeThread})
}

// SendMessage submits a top level message to the active channel.
// Nothing is committed on success; the message appears when its push event arrives.
// On failure nothing is committed and the caller keeps the content to retry.
func (self *Session) SendMessage(content string, callback SubmitCallback) {
	posted := self.doOrAbandon(func() {
		channelId := self.directory.ActiveChannelId()
		if channelId.IsZero() {
			complete(callback, &ValidationError{Field: "channel_id", Message: "no active channel"})
			return
		}
		if err := ValidateContent(content); err != nil {
			complete(callback, err)
			return
		}
		self.api.SendMessage(channelId, &SendMessageArgs{Content: content}, NewApiCallback(func(_ *Message, err error) {
			self.submitted(callback, err)
		}))
	}, closedCallback(callback))
	if !posted {
		complete(callback, ErrSessionClosed)
	}
}

// SendReply has the same confirm over push discipline as `SendMessage`.
func (self *Session) SendReply(parentId Id, content string, callback SubmitCallback) {
	posted := self.doOrAbandon(func() {
		if parentId.IsZero() {
			complete(callback, &ValidationError{Field: "parent_id", Message: "no parent message"})
			return
		}
		if err := ValidateContent(content); err != nil {
			complete(callback, err)
			return
		}
		self.api.Reply(parentId, &SendMessageArgs{Content: content}, NewApiCallback(func(_ *Message, err error) {
			self.submitted(callback, err)
		}))
	}, closedCallback(callback))
	if !posted {
		complete(callback, ErrSessionClosed)
	}
}

// ToggleReaction flips the session user's vote for the emoji on the backend.
// The aggregator commits only the voter set that comes back over push.
func (self *Session) ToggleReaction(messageId Id, emoji string, callback SubmitCallback) {
	posted := self.doOrAbandon(func() {
		if messageId.IsZero() {
			complete(callback, &ValidationError{Field: "message_id", Message: "no message"})
			return
		}
		if strings.TrimSpace(emoji) == "" {
			complete(callback, &ValidationError{Field: "emoji", Message: "emoji cannot be empty"})
			return
		}
		self.api.ToggleReaction(messageId, emoji, NewApiCallback(func(_ *ToggleReactionResult, err error) {
			self.submitted(callback, err)
		}))
	}, closedCallback(callback))
	if !posted {
		complete(callback, ErrSessionClosed)
	}
}

// loads

func (self *Session) fetchHistory(channelId Id) {
	self.historySeq += 1
	seq := self.historySeq
	self.store.BeginHistoryLoad(channelId)
	self.api.ListMessages(channelId, NewApiCallback(func(messages []*Message, err error) {
		self.do(func() {
			if seq != self.historySeq || channelId != self.directory.ActiveChannelId() {
				glog.V(1).Infof("[s]discard history %s\n", channelId)
				return
			}
			if err != nil {
				glog.Infof("[s]history %s error = %s\n", channelId, err)
				self.store.AbortHistoryLoad(channelId)
				self.changed(&Change{Kind: ChangeError, ChannelId: channelId, Err: err})
				return
			}
			self.store.LoadHistory(channelId, messages)
			glog.V(1).Infof("[s]history %s (%d)\n", channelId, len(messages))
			self.changed(&Change{Kind: ChangeHistory, ChannelId: channelId})
		})
	}))
}

func (self *Session) fetchThread(parentId Id) {
	self.threadSeq += 1
	seq := self.threadSeq
	self.api.ListThread(parentId, NewApiCallback(func(replies []*Message, err error) {
		self.do(func() {
			if seq != self.threadSeq || !self.store.IsThreadOpen(parentId) {
				glog.V(1).Infof("[s]discard thread %s\n", parentId)
				return
			}
			if err != nil {
				glog.Infof("[s]thread %s error = %s\n", parentId, err)
				self.store.AbortThreadLoad(parentId)
				self.changed(&Change{Kind: ChangeError, ParentId: parentId, Err: err})
				return
			}
			self.store.LoadThread(parentId, replies)
			glog.V(1).Infof("[s]thread %s (%d)\n", parentId, len(replies))
			self.changed(&Change{Kind: ChangeThread, ParentId: parentId})
		})
	}))
}

// after a reconnect, push events sent while disconnected are gone
func (self *Session) resync() {
	if activeChannelId := self.directory.ActiveChannelId(); !activeChannelId.IsZero() {
		self.fetchHistory(activeChannelId)
	}
	if parentId := self.store.ThreadParentId(); !parentId.IsZero() {
		self.store.BeginThreadLoad(parentId)
		self.fetchThread(parentId)
	}
}

// push connection

func (self *Session) run() {
	defer self.wg.Done()

	select {
	case <-self.ctx.Done():
		return
	case <-self.wake:
	}

	userId := self.identity.UserId
	reconnect := NewReconnect(self.settings.ReconnectInitialTimeout, self.settings.ReconnectMaxTimeout)
	for {
		if !self.do(self.connecting) {
			return
		}

		connect := func() (PushConn, error) {
			return self.dialer(self.ctx, self.pushUrl)
		}
		var conn PushConn
		var err error
		if glog.V(2) {
			conn, err = TraceWithReturnError(fmt.Sprintf("[s]connect %s", userId), connect)
		} else {
			conn, err = connect()
		}
		if err != nil {
			glog.Infof("[s]connect error %s = %s\n", userId, err)
			self.do(self.connectFailed)
			if !reconnect.Wait(self.ctx) {
				return
			}
			continue
		}
		reconnect.Reset()

		pc := newPushConnection(self.ctx, conn, self.settings.SendQueueSize)
		if glog.V(2) {
			Trace(fmt.Sprintf("[s]connect run %s", userId), func() {
				self.handle(pc)
			})
		} else {
			self.handle(pc)
		}

		if !reconnect.Wait(self.ctx) {
			return
		}
	}
}

func (self *Session) handle(pc *pushConnection) {
	defer pc.Close()

	if !self.do(func() {
		self.opened(pc)
	}) {
		return
	}

	self.wg.Add(1)
	go self.write(pc)

	self.read(pc)

	self.do(func() {
		self.closed(pc)
	})
}

func (self *Session) write(pc *pushConnection) {
	defer self.wg.Done()
	// closing the socket unblocks the reader
	defer pc.Close()

	userId := self.identity.UserId
	for {
		select {
		case <-pc.ctx.Done():
			return
		case frameBytes := <-pc.send:
			pc.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := pc.conn.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[sw]%s-> error = %s\n", userId, err)
				return
			}
			glog.V(2).Infof("[sw]%s-> %s\n", userId, frameBytes)
		case <-time.After(self.settings.PingTimeout):
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
				glog.Infof("[sw]ping %s-> error = %s\n", userId, err)
				return
			}
		}
	}
}

func (self *Session) read(pc *pushConnection) {
	userId := self.identity.UserId
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})
	for {
		select {
		case <-pc.ctx.Done():
			return
		default:
		}

		pc.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := pc.conn.ReadMessage()
		if err != nil {
			if pc.ctx.Err() == nil {
				glog.Infof("[sr]%s<- error = %s\n", userId, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			glog.V(2).Infof("[sr]%s<- %s\n", userId, message)
			if !self.do(func() {
				self.receive(pc, message)
			}) {
				return
			}
		default:
			glog.V(2).Infof("[sr]other=%d %s<-\n", messageType, userId)
		}
	}
}

// event loop side of the connection

func (self *Session) connecting() {
	if err := self.syncState.connecting(); err != nil {
		glog.Infof("[s]%s\n", err)
		return
	}
	self.changed(&Change{Kind: ChangeState, State: SessionStateConnecting})
}

func (self *Session) connectFailed() {
	if self.syncState.closed() {
		self.changed(&Change{Kind: ChangeState, State: SessionStateDisconnected})
	}
}

func (self *Session) opened(pc *pushConnection) {
	if self.conn != nil {
		self.conn.Close()
	}
	self.conn = pc

	channelId, resync, err := self.syncState.opened(self.directory.ActiveChannelId())
	if err != nil {
		glog.Infof("[s]%s\n", err)
		self.conn = nil
		self.syncState.closed()
		pc.Close()
		return
	}
	self.metrics.connected.Inc()
	if resync {
		self.metrics.reconnects.Inc()
	}
	self.changed(&Change{Kind: ChangeState, State: SessionStateSubscribed, ChannelId: channelId})

	self.sendSubscribe(channelId)
	if resync {
		self.resync()
	}
}

func (self *Session) closed(pc *pushConnection) {
	if self.conn != pc {
		return
	}
	self.conn = nil
	if self.syncState.closed() {
		self.metrics.connected.Dec()
		self.changed(&Change{Kind: ChangeState, State: SessionStateDisconnected})
		self.changed(&Change{Kind: ChangeError, Err: ErrConnectionLost})
	}
}

func (self *Session) sendSubscribe(channelId Id) {
	if self.conn == nil || channelId.IsZero() {
		return
	}
	frameBytes, err := EncodeSubscribeFrame(channelId)
	if err != nil {
		glog.Infof("[s]subscribe %s error = %s\n", channelId, err)
		return
	}
	if !self.conn.enqueue(frameBytes) {
		// the writer is stuck. A new connection subscribes again.
		glog.Infof("[s]subscribe %s dropped, reconnecting\n", channelId)
		self.conn.Close()
		return
	}
	glog.V(1).Infof("[s]subscribe %s\n", channelId)
}

func (self *Session) receive(pc *pushConnection, frameBytes []byte) {
	if self.conn != pc {
		// a frame from a replaced connection
		return
	}

	event, err := DecodePushFrame(frameBytes)
	if err != nil {
		self.metrics.decodeErrors.Inc()
		glog.Infof("[sr]drop frame = %s\n", err)
		if self.syncState.frameFailed() {
			self.changed(&Change{Kind: ChangeState, State: SessionStateErrored})
		}
		self.changed(&Change{Kind: ChangeError, Err: err})
		return
	}

	frameType := event.Type
	if !event.Known() {
		frameType = "unknown"
	}
	self.metrics.framesReceived.WithLabelValues(frameType).Inc()

	if self.syncState.frameDecoded() {
		self.changed(&Change{Kind: ChangeState, State: SessionStateActive})
	}
	self.dispatch(event)
}

func (self *Session) dispatch(event *PushEvent) {
	switch event.Type {
	case FrameTypeNewMessage:
		appended, err := self.store.Append(event.Message)
		if err != nil {
			glog.Infof("[sr]drop message %s = %s\n", event.Message.Id, err)
			return
		}
		if appended {
			self.changed(&Change{
				Kind:      ChangeMessage,
				ChannelId: event.Message.ChannelId,
				MessageId: event.Message.Id,
			})
		}

	case FrameTypeNewReply:
		appended, counted, err := self.store.AppendReply(event.ParentId, event.Message)
		if err != nil {
			glog.Infof("[sr]drop reply %s = %s\n", event.Message.Id, err)
			return
		}
		if counted {
			self.changed(&Change{
				Kind:      ChangeReplyCount,
				MessageId: event.ParentId,
			})
		}
		if appended {
			self.changed(&Change{
				Kind:      ChangeReply,
				ParentId:  event.ParentId,
				MessageId: event.Message.Id,
			})
		}

	case FrameTypeReactionUpdate:
		if self.reactions.Apply(event.Reaction) {
			self.changed(&Change{
				Kind:      ChangeReactions,
				MessageId: event.Reaction.MessageId,
			})
		} else {
			glog.V(1).Infof("[sr]reaction for unloaded message %s\n", event.Reaction.MessageId)
		}

	case FrameTypeDirectMessage:
		// conversations are loaded through the api on demand
		self.changed(&Change{
			Kind:          ChangeDirectMessage,
			MessageId:     event.DirectMessage.Id,
			DirectMessage: event.DirectMessage.Clone(),
		})

	default:
		glog.V(2).Infof("[sr]ignore frame type %s\n", event.Type)
	}
}
