package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

const MaxContentLength = 2000

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func defaultClient(settings *ApiSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// Api is the request/response side of the backend.
// Callback forms run the request on a new goroutine. `...Sync` forms block.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	client *http.Client

	token string
}

func NewApi(ctx context.Context, apiUrl string) *Api {
	return NewApiWithSettings(ctx, apiUrl, DefaultApiSettings())
}

func NewApiWithSettings(ctx context.Context, apiUrl string, settings *ApiSettings) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &Api{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimSuffix(apiUrl, "/"),
		client: defaultClient(settings),
	}
}

// this gets attached to api calls that need it
func (self *Api) SetToken(token string) {
	self.token = token
}

func (self *Api) Token() string {
	return self.token
}

func (self *Api) Close() {
	self.cancel()
}

type RegisterCallback apiCallback[*RegisterResult]

type RegisterArgs struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResult struct {
	Message string `json:"message"`
}

func (self *Api) Register(register *RegisterArgs, callback RegisterCallback) {
	go self.register(register, callback)
}

func (self *Api) RegisterSync(register *RegisterArgs) (*RegisterResult, error) {
	return self.register(register, NewNoopApiCallback[*RegisterResult]())
}

func (self *Api) register(register *RegisterArgs, callback RegisterCallback) (*RegisterResult, error) {
	return post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/register", self.apiUrl),
		register,
		"",
		&RegisterResult{},
		callback,
	)
}

type LoginCallback apiCallback[*LoginResult]

type LoginArgs struct {
	Username string
	Password string
}

type LoginResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (self *Api) Login(login *LoginArgs, callback LoginCallback) {
	go self.login(login, callback)
}

func (self *Api) LoginSync(login *LoginArgs) (*LoginResult, error) {
	return self.login(login, NewNoopApiCallback[*LoginResult]())
}

func (self *Api) login(login *LoginArgs, callback LoginCallback) (*LoginResult, error) {
	form := url.Values{}
	form.Set("username", login.Username)
	form.Set("password", login.Password)
	return call(
		self.ctx,
		self.client,
		http.MethodPost,
		fmt.Sprintf("%s/token", self.apiUrl),
		"application/x-www-form-urlencoded",
		[]byte(form.Encode()),
		"",
		&LoginResult{},
		callback,
	)
}

type ListChannelsCallback apiCallback[[]*Channel]

func (self *Api) ListChannels(callback ListChannelsCallback) {
	go self.listChannels(callback)
}

func (self *Api) ListChannelsSync() ([]*Channel, error) {
	return self.listChannels(NewNoopApiCallback[[]*Channel]())
}

func (self *Api) listChannels(callback ListChannelsCallback) ([]*Channel, error) {
	return get(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/channels/", self.apiUrl),
		self.token,
		[]*Channel{},
		callback,
	)
}

type CreateChannelCallback apiCallback[*Channel]

type CreateChannelArgs struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (self *Api) CreateChannel(createChannel *CreateChannelArgs, callback CreateChannelCallback) {
	go self.createChannel(createChannel, callback)
}

func (self *Api) CreateChannelSync(createChannel *CreateChannelArgs) (*Channel, error) {
	return self.createChannel(createChannel, NewNoopApiCallback[*Channel]())
}

func (self *Api) createChannel(createChannel *CreateChannelArgs, callback CreateChannelCallback) (*Channel, error) {
	return post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/channels/", self.apiUrl),
		createChannel,
		self.token,
		&Channel{},
		callback,
	)
}

type ListMessagesCallback apiCallback[[]*Message]

func (self *Api) ListMessages(channelId Id, callback ListMessagesCallback) {
	go self.listMessages(channelId, callback)
}

func (self *Api) ListMessagesSync(channelId Id) ([]*Message, error) {
	return self.listMessages(channelId, NewNoopApiCallback[[]*Message]())
}

func (self *Api) listMessages(channelId Id, callback ListMessagesCallback) ([]*Message, error) {
	return get(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/channels/%s/messages", self.apiUrl, url.PathEscape(string(channelId))),
		self.token,
		[]*Message{},
		callback,
	)
}

type SendMessageCallback apiCallback[*Message]

type SendMessageArgs struct {
	Content string `json:"content"`
}

func (self *Api) SendMessage(channelId Id, sendMessage *SendMessageArgs, callback SendMessageCallback) {
	go self.sendMessage(channelId, sendMessage, callback)
}

func (self *Api) SendMessageSync(channelId Id, sendMessage *SendMessageArgs) (*Message, error) {
	return self.sendMessage(channelId, sendMessage, NewNoopApiCallback[*Message]())
}

func (self *Api) sendMessage(channelId Id, sendMessage *SendMessageArgs, callback SendMessageCallback) (*Message, error) {
	return post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/channels/%s/messages", self.apiUrl, url.PathEscape(string(channelId))),
		sendMessage,
		self.token,
		&Message{},
		callback,
	)
}

type ToggleReactionCallback apiCallback[*ToggleReactionResult]

type ToggleReactionResult struct {
	MessageId Id      `json:"message_id,omitempty"`
	Emoji     string  `json:"emoji,omitempty"`
	Users     UserSet `json:"reactions,omitempty"`
}

func (self *Api) ToggleReaction(messageId Id, emoji string, callback ToggleReactionCallback) {
	go self.toggleReaction(messageId, emoji, callback)
}

func (self *Api) ToggleReactionSync(messageId Id, emoji string) (*ToggleReactionResult, error) {
	return self.toggleReaction(messageId, emoji, NewNoopApiCallback[*ToggleReactionResult]())
}

func (self *Api) toggleReaction(messageId Id, emoji string, callback ToggleReactionCallback) (*ToggleReactionResult, error) {
	query := url.Values{}
	query.Set("emoji", emoji)
	return post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/messages/%s/reactions?%s", self.apiUrl, url.PathEscape(string(messageId)), query.Encode()),
		nil,
		self.token,
		&ToggleReactionResult{},
		callback,
	)
}

type ListThreadCallback apiCallback[[]*Message]

func (self *Api) ListThread(parentId Id, callback ListThreadCallback) {
	go self.listThread(parentId, callback)
}

func (self *Api) ListThreadSync(parentId Id) ([]*Message, error) {
	return self.listThread(parentId, NewNoopApiCallback[[]*Message]())
}

func (self *Api) listThread(parentId Id, callback ListThreadCallback) ([]*Message, error) {
	return get(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/messages/%s/thread", self.apiUrl, url.PathEscape(string(parentId))),
		self.token,
		[]*Message{},
		callback,
	)
}

type ReplyCallback apiCallback[*Message]

func (self *Api) Reply(parentId Id, reply *SendMessageArgs, callback ReplyCallback) {
	go self.reply(parentId, reply, callback)
}

func (self *Api) ReplySync(parentId Id, reply *SendMessageArgs) (*Message, error) {
	return self.reply(parentId, reply, NewNoopApiCallback[*Message]())
}

func (self *Api) reply(parentId Id, reply *SendMessageArgs, callback ReplyCallback) (*Message, error) {
	return post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/messages/%s/reply", self.apiUrl, url.PathEscape(string(parentId))),
		reply,
		self.token,
		&Message{},
		callback,
	)
}

type SendDirectMessageCallback apiCallback[*DirectMessage]

type SendDirectMessageArgs struct {
	RecipientUsername string
	Content           string
}

// SendDirectMessage delivers to the recipient's push sockets. The sender gets no push event.
func (self *Api) SendDirectMessage(sendDirectMessage *SendDirectMessageArgs, callback SendDirectMessageCallback) {
	go self.sendDirectMessage(sendDirectMessage, callback)
}

func (self *Api) SendDirectMessageSync(sendDirectMessage *SendDirectMessageArgs) (*DirectMessage, error) {
	return self.sendDirectMessage(sendDirectMessage, NewNoopApiCallback[*DirectMessage]())
}

func (self *Api) sendDirectMessage(sendDirectMessage *SendDirectMessageArgs, callback SendDirectMessageCallback) (*DirectMessage, error) {
	// the backend reads both as query parameters
	query := url.Values{}
	query.Set("recipient_username", sendDirectMessage.RecipientUsername)
	query.Set("content", sendDirectMessage.Content)
	return post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/direct_messages/?%s", self.apiUrl, query.Encode()),
		nil,
		self.token,
		&DirectMessage{},
		callback,
	)
}

type ListDirectMessagesCallback apiCallback[[]*DirectMessage]

type ListDirectMessagesArgs struct {
	RecipientUsername string
	// zero uses the backend default
	Skip  int
	Limit int
}

// ListDirectMessages returns the conversation with the recipient, newest first.
func (self *Api) ListDirectMessages(listDirectMessages *ListDirectMessagesArgs, callback ListDirectMessagesCallback) {
	go self.listDirectMessages(listDirectMessages, callback)
}

func (self *Api) ListDirectMessagesSync(listDirectMessages *ListDirectMessagesArgs) ([]*DirectMessage, error) {
	return self.listDirectMessages(listDirectMessages, NewNoopApiCallback[[]*DirectMessage]())
}

func (self *Api) listDirectMessages(listDirectMessages *ListDirectMessagesArgs, callback ListDirectMessagesCallback) ([]*DirectMessage, error) {
	query := url.Values{}
	if 0 < listDirectMessages.Skip {
		query.Set("skip", strconv.Itoa(listDirectMessages.Skip))
	}
	if 0 < listDirectMessages.Limit {
		query.Set("limit", strconv.Itoa(listDirectMessages.Limit))
	}
	directMessagesUrl := fmt.Sprintf("%s/direct_messages/%s", self.apiUrl, url.PathEscape(listDirectMessages.RecipientUsername))
	if 0 < len(query) {
		directMessagesUrl = fmt.Sprintf("%s?%s", directMessagesUrl, query.Encode())
	}
	return get(
		self.ctx,
		self.client,
		directMessagesUrl,
		self.token,
		[]*DirectMessage{},
		callback,
	)
}

func post[R any](ctx context.Context, client *http.Client, url string, args any, token string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}
	return call(ctx, client, http.MethodPost, url, "application/json", requestBodyBytes, token, result, callback)
}

func get[R any](ctx context.Context, client *http.Client, url string, token string, result R, callback apiCallback[R]) (R, error) {
	return call(ctx, client, http.MethodGet, url, "", nil, token, result, callback)
}

func call[R any](
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	contentType string,
	requestBodyBytes []byte,
	token string,
	result R,
	callback apiCallback[R],
) (R, error) {
	var body io.Reader
	if requestBodyBytes != nil {
		body = bytes.NewReader(requestBodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}
	req.Header.Add("Accept", "application/json")
	// correlates client and backend logs
	requestId := ulid.Make()
	req.Header.Add("X-Request-Id", requestId.String())
	glog.V(2).Infof("[api]%s %s (%s)\n", method, url, requestId)

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		var empty R
		err = &NetworkError{Op: method, Url: url, Err: err}
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		rejectedErr := &ServerRejectedError{
			StatusCode: r.StatusCode,
			Detail:     parseDetail(responseBodyBytes),
		}
		glog.V(1).Infof("[api]%s %s rejected (%d) = %s\n", method, url, r.StatusCode, rejectedErr.Detail)
		var empty R
		callback.Result(empty, rejectedErr)
		return empty, rejectedErr
	}

	if err != nil {
		var empty R
		err = &NetworkError{Op: method, Url: url, Err: err}
		callback.Result(empty, err)
		return empty, err
	}

	if 0 < len(bytes.TrimSpace(responseBodyBytes)) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

// error bodies are `{"detail": "..."}`, or for request validation failures
// `{"detail": [{"msg": "...", ...}, ...]}`. Anything else is returned as text.
func parseDetail(responseBodyBytes []byte) string {
	var errorBody struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(responseBodyBytes, &errorBody); err == nil && 0 < len(errorBody.Detail) {
		var detail string
		if err := json.Unmarshal(errorBody.Detail, &detail); err == nil {
			return detail
		}
		var details []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(errorBody.Detail, &details); err == nil {
			msgs := []string{}
			for _, d := range details {
				if d.Msg != "" {
					msgs = append(msgs, d.Msg)
				}
			}
			if 0 < len(msgs) {
				return strings.Join(msgs, "; ")
			}
		}
		return strings.TrimSpace(string(errorBody.Detail))
	}
	return strings.TrimSpace(string(responseBodyBytes))
}

func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "message content cannot be empty"}
	}
	if MaxContentLength < len([]rune(content)) {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("message is longer than %d characters", MaxContentLength)}
	}
	return nil
}
