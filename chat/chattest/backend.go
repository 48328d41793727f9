package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/bringyour/chat/chat"
)

type BackendSettings struct {
	Secret          []byte
	TokenExpiration time.Duration
	SendQueueSize   int
	WriteTimeout    time.Duration
	// bcrypt cost for stored passwords
	PasswordCost int
}

func DefaultBackendSettings() *BackendSettings {
	return &BackendSettings{
		Secret:          []byte("chattest"),
		TokenExpiration: 30 * time.Minute,
		SendQueueSize:   64,
		WriteTimeout:    5 * time.Second,
		PasswordCost:    bcrypt.MinCost,
	}
}

type user struct {
	userId       chat.Id
	username     string
	email        string
	passwordHash []byte
}

type storedMessage struct {
	message *chat.Message
	// voters in toggle order
	reactions map[string][]chat.Id
	replyIds  []chat.Id
}

func (self *storedMessage) view() *chat.Message {
	message := self.message.Clone()
	message.Reactions = chat.Reactions{}
	for emoji, userIds := range self.reactions {
		if 0 < len(userIds) {
			message.Reactions[emoji] = chat.NewUserSet(userIds...)
		}
	}
	message.ReplyCount = len(self.replyIds)
	return message
}

type storedDirectMessage struct {
	messageId   chat.Id
	senderId    chat.Id
	recipientId chat.Id
	content     string
	createdAt   string
}

// subscriber is one push socket. It receives the frames of at most one channel.
type subscriber struct {
	userId    chat.Id
	conn      *websocket.Conn
	send      chan []byte
	channelId chat.Id

	closeOnce sync.Once
	closed    chan struct{}
}

func (self *subscriber) Close() {
	self.closeOnce.Do(func() {
		close(self.closed)
		self.conn.Close()
	})
}

// HistoryHold delays history responses for one channel.
// The response body is read before the hold so that it misses anything posted while held.
type HistoryHold struct {
	started     chan struct{}
	startedOnce sync.Once
	release     chan struct{}
	releaseOnce sync.Once
}

func (self *HistoryHold) Started() <-chan struct{} {
	return self.started
}

func (self *HistoryHold) Release() {
	self.releaseOnce.Do(func() {
		close(self.release)
	})
}

// Backend is an in process chat backend with the REST surface and the push socket
// of the production service. Use it with `httptest.NewServer` or as the handler of an `http.Server`.
type Backend struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *BackendSettings
	router   *mux.Router
	upgrader websocket.Upgrader

	stateLock      sync.Mutex
	nextId         int64
	users          map[string]*user
	channels       []*chat.Channel
	messages       map[chat.Id]*storedMessage
	channelLogs    map[chat.Id][]chat.Id
	directMessages []*storedDirectMessage
	subscribers    map[*subscriber]bool
	subscribes     []chat.Id
	historyHolds   map[chat.Id]*HistoryHold
	requestCounts  map[string]int
}

func NewBackendWithDefaults(ctx context.Context) *Backend {
	return NewBackend(ctx, DefaultBackendSettings())
}

func NewBackend(ctx context.Context, settings *BackendSettings) *Backend {
	cancelCtx, cancel := context.WithCancel(ctx)
	backend := &Backend{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		users:         map[string]*user{},
		channels:      []*chat.Channel{},
		messages:      map[chat.Id]*storedMessage{},
		channelLogs:   map[chat.Id][]chat.Id{},
		subscribers:   map[*subscriber]bool{},
		historyHolds:  map[chat.Id]*HistoryHold{},
		requestCounts: map[string]int{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/register", backend.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/token", backend.handleToken).Methods(http.MethodPost)
	router.HandleFunc("/channels/", backend.handleListChannels).Methods(http.MethodGet)
	router.HandleFunc("/channels/", backend.handleCreateChannel).Methods(http.MethodPost)
	router.HandleFunc("/channels/{channelId}/messages", backend.handleListMessages).Methods(http.MethodGet)
	router.HandleFunc("/channels/{channelId}/messages", backend.handleSendMessage).Methods(http.MethodPost)
	router.HandleFunc("/messages/{messageId}/reactions", backend.handleToggleReaction).Methods(http.MethodPost)
	router.HandleFunc("/messages/{messageId}/thread", backend.handleListThread).Methods(http.MethodGet)
	router.HandleFunc("/messages/{messageId}/reply", backend.handleReply).Methods(http.MethodPost)
	router.HandleFunc("/direct_messages/", backend.handleSendDirectMessage).Methods(http.MethodPost)
	router.HandleFunc("/direct_messages/{recipientUsername}", backend.handleListDirectMessages).Methods(http.MethodGet)
	router.HandleFunc("/ws", backend.handlePush)
	router.Use(backend.countRequests)
	backend.router = router

	return backend
}

func (self *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

// Close drops every push socket
func (self *Backend) Close() {
	self.cancel()
	self.DisconnectAll()
}

func (self *Backend) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if template, err := route.GetPathTemplate(); err == nil {
				self.stateLock.Lock()
				self.requestCounts[fmt.Sprintf("%s %s", r.Method, template)] += 1
				self.stateLock.Unlock()
			}
		}
		glog.V(2).Infof("[b]%s %s (%s)\n", r.Method, r.URL.Path, r.Header.Get("X-Request-Id"))
		next.ServeHTTP(w, r)
	})
}

// RequestCount is keyed by method and route template, e.g. `GET /channels/{channelId}/messages`
func (self *Backend) RequestCount(key string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.requestCounts[key]
}

// must hold state lock
func (self *Backend) newId() chat.Id {
	self.nextId += 1
	return chat.Id(strconv.FormatInt(self.nextId, 10))
}

// tokens

func (self *Backend) Token(userId chat.Id) (string, error) {
	claims := gojwt.MapClaims{
		"sub": userId.String(),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(self.settings.TokenExpiration).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.settings.Secret)
}

func (self *Backend) verifyToken(tokenString string) (chat.Id, error) {
	token, err := gojwt.Parse(
		tokenString,
		func(token *gojwt.Token) (any, error) {
			return self.settings.Secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	userId := chat.Id(sub)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, u := range self.users {
		if u.userId == userId {
			return userId, nil
		}
	}
	return "", errors.New("unknown user")
}

func (self *Backend) authenticate(w http.ResponseWriter, r *http.Request) (chat.Id, bool) {
	auth := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return "", false
	}
	userId, err := self.verifyToken(tokenString)
	if err != nil {
		glog.V(1).Infof("[b]auth error = %s\n", err)
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return "", false
	}
	return userId, true
}

// test hooks

// RegisterUser creates a user and returns a token for it
func (self *Backend) RegisterUser(username string, password string) (chat.Id, string, error) {
	userId, err := self.register(username, fmt.Sprintf("%s@example.com", username), password)
	if err != nil {
		return "", "", err
	}
	token, err := self.Token(userId)
	if err != nil {
		return "", "", err
	}
	return userId, token, nil
}

func (self *Backend) CreateChannel(name string, description string) *chat.Channel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	channel := &chat.Channel{
		Id:          self.newId(),
		Name:        name,
		Description: description,
	}
	self.channels = append(self.channels, channel)
	return channel.Clone()
}

// PostMessage posts as `userId` and broadcasts the push event, like a send from another client
func (self *Backend) PostMessage(userId chat.Id, channelId chat.Id, content string) (*chat.Message, error) {
	message, status, detail := self.postMessage(userId, channelId, content)
	if status != http.StatusOK {
		return nil, errors.New(detail)
	}
	return message, nil
}

func (self *Backend) PostReply(userId chat.Id, parentId chat.Id, content string) (*chat.Message, error) {
	reply, status, detail := self.postReply(userId, parentId, content)
	if status != http.StatusOK {
		return nil, errors.New(detail)
	}
	return reply, nil
}

func (self *Backend) ToggleReaction(userId chat.Id, messageId chat.Id, emoji string) (chat.UserSet, error) {
	userIds, status, detail := self.toggleReaction(userId, messageId, emoji)
	if status != http.StatusOK {
		return nil, errors.New(detail)
	}
	return userIds, nil
}

// SendDirectMessage sends as `userId` and pushes the message to the recipient
func (self *Backend) SendDirectMessage(userId chat.Id, recipientUsername string, content string) (*chat.DirectMessage, error) {
	directMessage, status, detail := self.sendDirectMessage(userId, recipientUsername, content)
	if status != http.StatusOK {
		return nil, errors.New(detail)
	}
	return directMessage, nil
}

// BroadcastRaw sends frame bytes as is to the subscribers of the channel
func (self *Backend) BroadcastRaw(channelId chat.Id, frameBytes []byte) {
	self.broadcast(channelId, frameBytes)
}

// DisconnectAll closes every push socket without a close frame
func (self *Backend) DisconnectAll() {
	self.stateLock.Lock()
	subscribers := []*subscriber{}
	for sub := range self.subscribers {
		subscribers = append(subscribers, sub)
	}
	self.stateLock.Unlock()

	for _, sub := range subscribers {
		sub.Close()
	}
}

func (self *Backend) HoldHistory(channelId chat.Id) *HistoryHold {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	hold := &HistoryHold{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	self.historyHolds[channelId] = hold
	return hold
}

// Subscribes lists the channel of every subscribe frame received, in order
func (self *Backend) Subscribes() []chat.Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.subscribes)
}

func (self *Backend) SubscriberCount(channelId chat.Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	count := 0
	for sub := range self.subscribers {
		if sub.channelId == channelId {
			count += 1
		}
	}
	return count
}

// UserConnectionCount counts the open push sockets of the user, subscribed or not
func (self *Backend) UserConnectionCount(userId chat.Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	count := 0
	for sub := range self.subscribers {
		if sub.userId == userId {
			count += 1
		}
	}
	return count
}

// rest

func (self *Backend) register(username string, email string, password string) (chat.Id, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return "", errors.New("Username and password are required")
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), self.settings.PasswordCost)
	if err != nil {
		return "", err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, u := range self.users {
		if u.username == username || (email != "" && u.email == email) {
			return "", errors.New("Username or email already registered")
		}
	}
	u := &user{
		userId:       self.newId(),
		username:     username,
		email:        email,
		passwordHash: passwordHash,
	}
	self.users[username] = u
	return u.userId, nil
}

func (self *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var args chat.RegisterArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if _, err := self.register(args.Username, args.Email, args.Password); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJson(w, http.StatusCreated, &chat.RegisterResult{
		Message: "User registered successfully",
	})
}

func (self *Backend) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	self.stateLock.Lock()
	u, ok := self.users[username]
	self.stateLock.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	token, err := self.Token(u.userId)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJson(w, http.StatusOK, &chat.LoginResult{
		AccessToken: token,
		TokenType:   "bearer",
	})
}

func (self *Backend) handleListChannels(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	channels := make([]*chat.Channel, 0, len(self.channels))
	for _, channel := range self.channels {
		channels = append(channels, channel.Clone())
	}
	self.stateLock.Unlock()

	writeJson(w, http.StatusOK, channels)
}

func (self *Backend) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	if _, ok := self.authenticate(w, r); !ok {
		return
	}
	var args chat.CreateChannelArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(args.Name) == "" {
		writeFieldError(w, "body", "name", "field required")
		return
	}
	channel := self.CreateChannel(args.Name, args.Description)
	writeJson(w, http.StatusOK, channel)
}

func (self *Backend) handleListMessages(w http.ResponseWriter, r *http.Request) {
	channelId := chat.Id(mux.Vars(r)["channelId"])

	self.stateLock.Lock()
	messages := []*chat.Message{}
	for _, messageId := range self.channelLogs[channelId] {
		messages = append(messages, self.messages[messageId].view())
	}
	hold := self.historyHolds[channelId]
	self.stateLock.Unlock()

	if hold != nil {
		hold.startedOnce.Do(func() {
			close(hold.started)
		})
		select {
		case <-hold.release:
		case <-r.Context().Done():
			return
		case <-self.ctx.Done():
			return
		}
	}

	writeJson(w, http.StatusOK, messages)
}

func (self *Backend) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := self.authenticate(w, r)
	if !ok {
		return
	}
	var args chat.SendMessageArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	channelId := chat.Id(mux.Vars(r)["channelId"])
	message, status, detail := self.postMessage(userId, channelId, args.Content)
	if status != http.StatusOK {
		writeDetail(w, status, detail)
		return
	}
	writeJson(w, http.StatusOK, message)
}

func checkContent(content string) (int, string) {
	if strings.TrimSpace(content) == "" {
		return http.StatusBadRequest, "Message content cannot be empty"
	}
	if chat.MaxContentLength < len([]rune(content)) {
		return http.StatusBadRequest, "Message too long"
	}
	return http.StatusOK, ""
}

func createdAt() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000")
}

func (self *Backend) postMessage(userId chat.Id, channelId chat.Id, content string) (*chat.Message, int, string) {
	if status, detail := checkContent(content); status != http.StatusOK {
		return nil, status, detail
	}

	self.stateLock.Lock()
	if !slices.ContainsFunc(self.channels, func(channel *chat.Channel) bool {
		return channel.Id == channelId
	}) {
		self.stateLock.Unlock()
		return nil, http.StatusNotFound, "Channel not found"
	}
	stored := &storedMessage{
		message: &chat.Message{
			Id:        self.newId(),
			ChannelId: channelId,
			AuthorId:  userId,
			Content:   content,
			CreatedAt: createdAt(),
		},
		reactions: map[string][]chat.Id{},
	}
	self.messages[stored.message.Id] = stored
	self.channelLogs[channelId] = append(self.channelLogs[channelId], stored.message.Id)
	message := stored.view()
	self.stateLock.Unlock()

	self.broadcastFrame(channelId, &chat.PushFrame{
		Type:    chat.FrameTypeNewMessage,
		Message: message,
	})
	return message, http.StatusOK, ""
}

// must hold state lock. Replies are reported in the channel of their top level parent.
func (self *Backend) channelIdOf(messageId chat.Id) (chat.Id, bool) {
	stored, ok := self.messages[messageId]
	if !ok {
		return "", false
	}
	if !stored.message.ParentId.IsZero() {
		return self.channelIdOf(stored.message.ParentId)
	}
	return stored.message.ChannelId, true
}

func (self *Backend) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	userId, ok := self.authenticate(w, r)
	if !ok {
		return
	}
	emoji := r.URL.Query().Get("emoji")
	if emoji == "" {
		writeFieldError(w, "query", "emoji", "field required")
		return
	}
	messageId := chat.Id(mux.Vars(r)["messageId"])
	userIds, status, detail := self.toggleReaction(userId, messageId, emoji)
	if status != http.StatusOK {
		writeDetail(w, status, detail)
		return
	}
	writeJson(w, http.StatusOK, &chat.ToggleReactionResult{
		MessageId: messageId,
		Emoji:     emoji,
		Users:     userIds,
	})
}

func (self *Backend) toggleReaction(userId chat.Id, messageId chat.Id, emoji string) (chat.UserSet, int, string) {
	self.stateLock.Lock()
	stored, ok := self.messages[messageId]
	if !ok {
		self.stateLock.Unlock()
		return nil, http.StatusNotFound, "Message not found"
	}
	voters := stored.reactions[emoji]
	if i := slices.Index(voters, userId); 0 <= i {
		voters = slices.Delete(slices.Clone(voters), i, i+1)
	} else {
		voters = append(slices.Clone(voters), userId)
	}
	if len(voters) == 0 {
		delete(stored.reactions, emoji)
	} else {
		stored.reactions[emoji] = voters
	}
	userIds := chat.NewUserSet(voters...)
	channelId, _ := self.channelIdOf(messageId)
	self.stateLock.Unlock()

	reactionsBytes, err := json.Marshal(userIds)
	if err != nil {
		return nil, http.StatusInternalServerError, err.Error()
	}
	self.broadcastFrame(channelId, &chat.PushFrame{
		Type:      chat.FrameTypeReactionUpdate,
		MessageId: messageId,
		Emoji:     emoji,
		Reactions: reactionsBytes,
	})
	return userIds, http.StatusOK, ""
}

func (self *Backend) handleListThread(w http.ResponseWriter, r *http.Request) {
	parentId := chat.Id(mux.Vars(r)["messageId"])

	self.stateLock.Lock()
	parent, ok := self.messages[parentId]
	if !ok {
		self.stateLock.Unlock()
		writeDetail(w, http.StatusNotFound, "Message not found")
		return
	}
	replies := []*chat.Message{}
	for _, replyId := range parent.replyIds {
		replies = append(replies, self.messages[replyId].view())
	}
	self.stateLock.Unlock()

	writeJson(w, http.StatusOK, replies)
}

func (self *Backend) handleReply(w http.ResponseWriter, r *http.Request) {
	userId, ok := self.authenticate(w, r)
	if !ok {
		return
	}
	var args chat.SendMessageArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	parentId := chat.Id(mux.Vars(r)["messageId"])
	reply, status, detail := self.postReply(userId, parentId, args.Content)
	if status != http.StatusOK {
		writeDetail(w, status, detail)
		return
	}
	writeJson(w, http.StatusOK, reply)
}

func (self *Backend) postReply(userId chat.Id, parentId chat.Id, content string) (*chat.Message, int, string) {
	if status, detail := checkContent(content); status != http.StatusOK {
		return nil, status, detail
	}

	self.stateLock.Lock()
	parent, ok := self.messages[parentId]
	if !ok {
		self.stateLock.Unlock()
		return nil, http.StatusNotFound, "Message not found"
	}
	if !parent.message.ParentId.IsZero() {
		self.stateLock.Unlock()
		return nil, http.StatusBadRequest, "Cannot reply to a reply"
	}
	stored := &storedMessage{
		message: &chat.Message{
			Id:        self.newId(),
			ParentId:  parentId,
			AuthorId:  userId,
			Content:   content,
			CreatedAt: createdAt(),
		},
		reactions: map[string][]chat.Id{},
	}
	self.messages[stored.message.Id] = stored
	parent.replyIds = append(parent.replyIds, stored.message.Id)
	reply := stored.view()
	channelId := parent.message.ChannelId
	self.stateLock.Unlock()

	self.broadcastFrame(channelId, &chat.PushFrame{
		Type:     chat.FrameTypeNewReply,
		ParentId: parentId,
		Message:  reply,
	})
	return reply, http.StatusOK, ""
}

// direct messages

// must hold state lock
func (self *Backend) usernameOf(userId chat.Id) string {
	for _, u := range self.users {
		if u.userId == userId {
			return u.username
		}
	}
	return ""
}

// must hold state lock
func (self *Backend) directMessageView(stored *storedDirectMessage) *chat.DirectMessage {
	return &chat.DirectMessage{
		Id:        stored.messageId,
		Sender:    self.usernameOf(stored.senderId),
		Recipient: self.usernameOf(stored.recipientId),
		Content:   stored.content,
		CreatedAt: stored.createdAt,
	}
}

func (self *Backend) handleSendDirectMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := self.authenticate(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	if !query.Has("recipient_username") {
		writeFieldError(w, "query", "recipient_username", "field required")
		return
	}
	if !query.Has("content") {
		writeFieldError(w, "query", "content", "field required")
		return
	}
	directMessage, status, detail := self.sendDirectMessage(userId, query.Get("recipient_username"), query.Get("content"))
	if status != http.StatusOK {
		writeDetail(w, status, detail)
		return
	}
	writeJson(w, http.StatusOK, directMessage)
}

func (self *Backend) sendDirectMessage(userId chat.Id, recipientUsername string, content string) (*chat.DirectMessage, int, string) {
	self.stateLock.Lock()
	recipient, ok := self.users[recipientUsername]
	if !ok {
		self.stateLock.Unlock()
		return nil, http.StatusNotFound, "Recipient not found"
	}
	if recipient.userId == userId {
		self.stateLock.Unlock()
		return nil, http.StatusBadRequest, "You cannot send a message to yourself"
	}
	stored := &storedDirectMessage{
		messageId:   self.newId(),
		senderId:    userId,
		recipientId: recipient.userId,
		content:     content,
		createdAt:   createdAt(),
	}
	self.directMessages = append(self.directMessages, stored)
	directMessage := self.directMessageView(stored)
	self.stateLock.Unlock()

	frameBytes, err := json.Marshal(&chat.PushFrame{
		Type:      chat.FrameTypeDirectMessage,
		MessageId: directMessage.Id,
		Sender:    directMessage.Sender,
		Content:   directMessage.Content,
		CreatedAt: directMessage.CreatedAt,
	})
	if err != nil {
		return nil, http.StatusInternalServerError, err.Error()
	}
	self.sendToUser(recipient.userId, frameBytes)
	return directMessage, http.StatusOK, ""
}

func (self *Backend) handleListDirectMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := self.authenticate(w, r)
	if !ok {
		return
	}
	skip, limit := 0, 50
	query := r.URL.Query()
	if query.Has("skip") {
		var err error
		if skip, err = strconv.Atoi(query.Get("skip")); err != nil || skip < 0 {
			writeFieldError(w, "query", "skip", "value is not a valid integer")
			return
		}
	}
	if query.Has("limit") {
		var err error
		if limit, err = strconv.Atoi(query.Get("limit")); err != nil || limit < 0 {
			writeFieldError(w, "query", "limit", "value is not a valid integer")
			return
		}
	}
	recipientUsername := mux.Vars(r)["recipientUsername"]

	self.stateLock.Lock()
	recipient, ok := self.users[recipientUsername]
	if !ok {
		self.stateLock.Unlock()
		writeDetail(w, http.StatusNotFound, "Recipient not found")
		return
	}
	// newest first
	directMessages := []*chat.DirectMessage{}
	for i := len(self.directMessages) - 1; 0 <= i; i -= 1 {
		stored := self.directMessages[i]
		if (stored.senderId == userId && stored.recipientId == recipient.userId) ||
			(stored.senderId == recipient.userId && stored.recipientId == userId) {
			directMessages = append(directMessages, self.directMessageView(stored))
		}
	}
	self.stateLock.Unlock()

	directMessages = directMessages[min(skip, len(directMessages)):]
	directMessages = directMessages[:min(limit, len(directMessages))]
	writeJson(w, http.StatusOK, directMessages)
}

// push

func (self *Backend) handlePush(w http.ResponseWriter, r *http.Request) {
	userId, err := self.verifyToken(r.URL.Query().Get("token"))
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[b]upgrade error = %s\n", err)
		return
	}

	sub := &subscriber{
		userId: userId,
		conn:   ws,
		send:   make(chan []byte, self.settings.SendQueueSize),
		closed: make(chan struct{}),
	}
	self.stateLock.Lock()
	self.subscribers[sub] = true
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		delete(self.subscribers, sub)
		self.stateLock.Unlock()
		sub.Close()
	}()

	go self.writePush(sub)

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[b]%s push closed = %s\n", userId, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame chat.SubscribeFrame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Type != chat.FrameTypeSubscribe {
			glog.Infof("[b]%s unexpected frame %s\n", userId, message)
			continue
		}
		self.stateLock.Lock()
		sub.channelId = frame.ChannelId
		self.subscribes = append(self.subscribes, frame.ChannelId)
		self.stateLock.Unlock()
		glog.V(1).Infof("[b]%s subscribe %s\n", userId, frame.ChannelId)
	}
}

func (self *Backend) writePush(sub *subscriber) {
	defer sub.Close()
	for {
		select {
		case <-sub.closed:
			return
		case frameBytes := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
				return
			}
		}
	}
}

func (self *Backend) broadcastFrame(channelId chat.Id, frame *chat.PushFrame) {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		glog.Infof("[b]encode frame error = %s\n", err)
		return
	}
	self.broadcast(channelId, frameBytes)
}

// a subscriber that cannot keep up is dropped, and resyncs when it reconnects
func (self *Backend) broadcast(channelId chat.Id, frameBytes []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for sub := range self.subscribers {
		if sub.channelId != channelId {
			continue
		}
		select {
		case sub.send <- frameBytes:
		default:
			glog.Infof("[b]%s send queue full\n", sub.userId)
			go sub.Close()
		}
	}
}

// direct messages reach every socket of the user, whatever channel it is subscribed to
func (self *Backend) sendToUser(userId chat.Id, frameBytes []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for sub := range self.subscribers {
		if sub.userId != userId {
			continue
		}
		select {
		case sub.send <- frameBytes:
		default:
			glog.Infof("[b]%s send queue full\n", sub.userId)
			go sub.Close()
		}
	}
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.Infof("[b]write error = %s\n", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJson(w, status, map[string]any{
		"detail": detail,
	})
}

// request validation errors carry a list of field errors
func writeFieldError(w http.ResponseWriter, location string, field string, msg string) {
	writeJson(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]any{
			{
				"loc":  []string{location, field},
				"msg":  msg,
				"type": "value_error.missing",
			},
		},
	})
}
