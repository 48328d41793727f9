package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/chat/chat"
	"github.com/bringyour/chat/chat/chattest"
)

const ChatCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Chat control.

Settings are read from the config file (default ~/.chatctl.yml), then a .env file
and the environment (CHAT_API_URL, CHAT_PUSH_URL, CHAT_TOKEN), then flags.

Usage:
    chatctl register [--config=<config>] [--api_url=<api_url>]
        --username=<username>
        --email=<email>
        [--password=<password>]
    chatctl login [--config=<config>] [--api_url=<api_url>]
        --username=<username>
        [--password=<password>]
        [--save]
    chatctl channels [--config=<config>] [--api_url=<api_url>]
    chatctl create-channel [--config=<config>] [--api_url=<api_url>] [--token=<token>]
        <name> [<description>]
    chatctl messages [--config=<config>] [--api_url=<api_url>]
        --channel=<channel_id>
    chatctl send [--config=<config>] [--api_url=<api_url>] [--token=<token>]
        --channel=<channel_id>
        <content>
    chatctl react [--config=<config>] [--api_url=<api_url>] [--token=<token>]
        --message=<message_id>
        <emoji>
    chatctl reply [--config=<config>] [--api_url=<api_url>] [--token=<token>]
        --message=<message_id>
        <content>
    chatctl thread [--config=<config>] [--api_url=<api_url>]
        --message=<message_id>
    chatctl dm [--config=<config>] [--api_url=<api_url>] [--token=<token>]
        --to=<username>
        <content>
    chatctl dms [--config=<config>] [--api_url=<api_url>] [--token=<token>]
        --with=<username>
        [--skip=<skip>]
        [--limit=<limit>]
    chatctl watch [--config=<config>] [--api_url=<api_url>] [--push_url=<push_url>] [--token=<token>]
        --channel=<channel_id>
        [--thread=<message_id>]
        [--log_level=<level>]
    chatctl serve [--addr=<addr>] [--secret=<secret>] [--create_channel=<name>...] [--log_level=<level>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          Config file.
    --api_url=<api_url>        Backend REST url.
    --push_url=<push_url>      Backend push socket url. Defaults to <api_url>/ws.
    --token=<token>            Bearer token from login.
    --username=<username>
    --email=<email>
    --password=<password>      Prompted when not given.
    --save                     Write the token to the config file.
    --channel=<channel_id>
    --message=<message_id>
    --to=<username>            Recipient of a direct message.
    --with=<username>          The other user of a direct message conversation.
    --skip=<skip>              Newest messages to skip [default: 0].
    --limit=<limit>            Messages to list [default: 50].
    --thread=<message_id>      Open this thread while watching. Lines typed are sent as replies.
    --addr=<addr>              Listen address [default: :8000].
    --secret=<secret>          Token signing secret [default: chattest].
    --create_channel=<name>    Channel to create on start.
    --log_level=<level>        glog verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ChatCtlVersion)
	if err != nil {
		panic(err)
	}

	if level, err := opts.String("--log_level"); err == nil {
		flag.Set("logtostderr", "true")
		flag.Set("v", level)
	}

	if register_, _ := opts.Bool("register"); register_ {
		register(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if channels_, _ := opts.Bool("channels"); channels_ {
		channels(opts)
	} else if createChannel_, _ := opts.Bool("create-channel"); createChannel_ {
		createChannel(opts)
	} else if messages_, _ := opts.Bool("messages"); messages_ {
		messages(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if react_, _ := opts.Bool("react"); react_ {
		react(opts)
	} else if reply_, _ := opts.Bool("reply"); reply_ {
		reply(opts)
	} else if thread_, _ := opts.Bool("thread"); thread_ {
		thread(opts)
	} else if dm_, _ := opts.Bool("dm"); dm_ {
		dm(opts)
	} else if dms_, _ := opts.Bool("dms"); dms_ {
		dms(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func configPath(opts docopt.Opts) string {
	if path, err := opts.String("--config"); err == nil {
		return path
	}
	return DefaultConfigPath()
}

func loadConfig(opts docopt.Opts) *Config {
	config, err := LoadConfig(configPath(opts))
	if err != nil {
		panic(err)
	}
	if apiUrl, err := opts.String("--api_url"); err == nil {
		config.ApiUrl = apiUrl
	}
	if pushUrl, err := opts.String("--push_url"); err == nil {
		config.PushUrl = pushUrl
	}
	if token, err := opts.String("--token"); err == nil {
		config.Token = token
	}
	return config
}

func newApi(ctx context.Context, config *Config) *chat.Api {
	api := chat.NewApi(ctx, config.ApiUrl)
	if config.Token != "" {
		api.SetToken(config.Token)
	}
	return api
}

func requireToken(config *Config) {
	if config.Token == "" {
		Err.Fatalf("No token. Run `chatctl login` or set CHAT_TOKEN.")
	}
}

func password(opts docopt.Opts) string {
	if password, err := opts.String("--password"); err == nil {
		return password
	}
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(passwordBytes)
}

func fatal(err error) {
	var rejectedErr *chat.ServerRejectedError
	if errors.As(err, &rejectedErr) {
		Err.Fatalf("Rejected (%d): %s", rejectedErr.StatusCode, rejectedErr.Detail)
	}
	Err.Fatalf("%s", err)
}

func register(opts docopt.Opts) {
	config := loadConfig(opts)
	api := newApi(context.Background(), config)

	username, _ := opts.String("--username")
	email, _ := opts.String("--email")

	result, err := api.RegisterSync(&chat.RegisterArgs{
		Username: username,
		Email:    email,
		Password: password(opts),
	})
	if err != nil {
		fatal(err)
	}
	Out.Printf("%s", result.Message)
}

func login(opts docopt.Opts) {
	config := loadConfig(opts)
	api := newApi(context.Background(), config)

	username, _ := opts.String("--username")

	loginCallback, loginChannel := chat.NewBlockingApiCallback[*chat.LoginResult]()
	api.Login(&chat.LoginArgs{
		Username: username,
		Password: password(opts),
	}, loginCallback)

	loginResult := <-loginChannel
	if loginResult.Error != nil {
		fatal(loginResult.Error)
	}

	token := loginResult.Result.AccessToken
	if save, _ := opts.Bool("--save"); save {
		config.Token = token
		if err := SaveConfig(configPath(opts), config); err != nil {
			fatal(err)
		}
		Err.Printf("Saved token to %s", configPath(opts))
	}
	Out.Printf("%s", token)
}

func channels(opts docopt.Opts) {
	config := loadConfig(opts)
	api := newApi(context.Background(), config)

	channels, err := api.ListChannelsSync()
	if err != nil {
		fatal(err)
	}
	for _, channel := range channels {
		Out.Printf("%s\t%s\t%s", channel.Id, channel.Name, channel.Description)
	}
}

func createChannel(opts docopt.Opts) {
	config := loadConfig(opts)
	requireToken(config)
	api := newApi(context.Background(), config)

	name, _ := opts.String("<name>")
	description, _ := opts.String("<description>")
	if err := chat.ValidateChannelName(name); err != nil {
		fatal(err)
	}

	channel, err := api.CreateChannelSync(&chat.CreateChannelArgs{
		Name:        strings.TrimSpace(name),
		Description: description,
	})
	if err != nil {
		fatal(err)
	}
	Out.Printf("%s\t%s", channel.Id, channel.Name)
}

func formatMessage(message *chat.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", message.Id, message.AuthorId, message.Content)
	if 0 < message.ReplyCount {
		fmt.Fprintf(&b, " (%d replies)", message.ReplyCount)
	}
	for emoji, userIds := range message.Reactions.Clone() {
		fmt.Fprintf(&b, " %s%d", emoji, userIds.Len())
	}
	return b.String()
}

func messages(opts docopt.Opts) {
	config := loadConfig(opts)
	api := newApi(context.Background(), config)

	channelId, _ := opts.String("--channel")
	messages, err := api.ListMessagesSync(chat.Id(channelId))
	if err != nil {
		fatal(err)
	}
	for _, message := range messages {
		Out.Printf("%s", formatMessage(message))
	}
}

func send(opts docopt.Opts) {
	config := loadConfig(opts)
	requireToken(config)
	api := newApi(context.Background(), config)

	channelId, _ := opts.String("--channel")
	content, _ := opts.String("<content>")
	if err := chat.ValidateContent(content); err != nil {
		fatal(err)
	}

	message, err := api.SendMessageSync(chat.Id(channelId), &chat.SendMessageArgs{Content: content})
	if err != nil {
		fatal(err)
	}
	Out.Printf("%s", formatMessage(message))
}

func react(opts docopt.Opts) {
	config := loadConfig(opts)
	requireToken(config)
	api := newApi(context.Background(), config)

	messageId, _ := opts.String("--message")
	emoji, _ := opts.String("<emoji>")

	result, err := api.ToggleReactionSync(chat.Id(messageId), emoji)
	if err != nil {
		fatal(err)
	}
	Out.Printf("%s %s %v", messageId, emoji, result.Users.Sorted())
}

func reply(opts docopt.Opts) {
	config := loadConfig(opts)
	requireToken(config)
	api := newApi(context.Background(), config)

	messageId, _ := opts.String("--message")
	content, _ := opts.String("<content>")
	if err := chat.ValidateContent(content); err != nil {
		fatal(err)
	}

	reply, err := api.ReplySync(chat.Id(messageId), &chat.SendMessageArgs{Content: content})
	if err != nil {
		fatal(err)
	}
	Out.Printf("%s", formatMessage(reply))
}

func thread(opts docopt.Opts) {
	config := loadConfig(opts)
	api := newApi(context.Background(), config)

	messageId, _ := opts.String("--message")
	replies, err := api.ListThreadSync(chat.Id(messageId))
	if err != nil {
		fatal(err)
	}
	for _, reply := range replies {
		Out.Printf("%s", formatMessage(reply))
	}
}

func formatDirectMessage(directMessage *chat.DirectMessage) string {
	// pushed messages do not name the recipient
	if directMessage.Recipient == "" {
		return fmt.Sprintf("[%s] %s: %s", directMessage.Id, directMessage.Sender, directMessage.Content)
	}
	return fmt.Sprintf("[%s] %s -> %s: %s", directMessage.Id, directMessage.Sender, directMessage.Recipient, directMessage.Content)
}

func dm(opts docopt.Opts) {
	config := loadConfig(opts)
	requireToken(config)
	api := newApi(context.Background(), config)

	recipientUsername, _ := opts.String("--to")
	content, _ := opts.String("<content>")
	if err := chat.ValidateContent(content); err != nil {
		fatal(err)
	}

	directMessage, err := api.SendDirectMessageSync(&chat.SendDirectMessageArgs{
		RecipientUsername: recipientUsername,
		Content:           content,
	})
	if err != nil {
		fatal(err)
	}
	Out.Printf("%s", formatDirectMessage(directMessage))
}

func dms(opts docopt.Opts) {
	config := loadConfig(opts)
	requireToken(config)
	api := newApi(context.Background(), config)

	username, _ := opts.String("--with")
	skip, err := opts.Int("--skip")
	if err != nil {
		fatal(err)
	}
	limit, err := opts.Int("--limit")
	if err != nil {
		fatal(err)
	}

	directMessages, err := api.ListDirectMessagesSync(&chat.ListDirectMessagesArgs{
		RecipientUsername: username,
		Skip:              skip,
		Limit:             limit,
	})
	if err != nil {
		fatal(err)
	}
	// oldest first, like a channel
	for i := len(directMessages) - 1; 0 <= i; i -= 1 {
		Out.Printf("%s", formatDirectMessage(directMessages[i]))
	}
}

// watch runs a session on the channel and prints changes as they commit.
// Lines read from stdin are sent to the channel, or to the thread when one is open.
func watch(opts docopt.Opts) {
	config := loadConfig(opts)
	requireToken(config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(ctx, config)
	session, err := chat.NewSessionWithDefaults(ctx, api, config.PushUrlOrDefault(), config.Token)
	if err != nil {
		fatal(err)
	}
	defer session.Close()

	channelId, _ := opts.String("--channel")
	threadId, _ := opts.String("--thread")

	session.AddChangeCallback(func(change *chat.Change, snapshot *chat.Snapshot) {
		switch change.Kind {
		case chat.ChangeState:
			Err.Printf("state %s", change.State)
		case chat.ChangeHistory:
			for _, message := range snapshot.Messages {
				Out.Printf("%s", formatMessage(message))
			}
		case chat.ChangeMessage:
			if message, ok := snapshot.Message(change.MessageId); ok {
				Out.Printf("%s", formatMessage(message))
			}
		case chat.ChangeReply:
			if reply, ok := snapshot.Message(change.MessageId); ok {
				Out.Printf("  ↳ %s", formatMessage(reply))
			}
		case chat.ChangeReplyCount, chat.ChangeReactions:
			if message, ok := snapshot.Message(change.MessageId); ok {
				Out.Printf("~ %s", formatMessage(message))
			}
		case chat.ChangeThread:
			if !change.ParentId.IsZero() {
				for _, reply := range snapshot.Replies {
					Out.Printf("  ↳ %s", formatMessage(reply))
				}
			}
		case chat.ChangeDirectMessage:
			Out.Printf("dm %s", formatDirectMessage(change.DirectMessage))
		case chat.ChangeError:
			Err.Printf("error %s", change.Err)
		}
	})

	session.SetActiveChannel(chat.Id(channelId))
	if threadId != "" {
		session.OpenThread(chat.Id(threadId))
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			content := scanner.Text()
			if strings.TrimSpace(content) == "" {
				continue
			}
			callback := func(err error) {
				if err != nil {
					Err.Printf("not sent: %s", err)
				}
			}
			if threadId != "" {
				session.SendReply(chat.Id(threadId), content, callback)
			} else {
				session.SendMessage(content, callback)
			}
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
	case <-session.Done():
	}
}

// serve runs the in process backend, for trying the client without the production service
func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, _ := opts.String("--addr")
	secret, _ := opts.String("--secret")

	settings := chattest.DefaultBackendSettings()
	settings.Secret = []byte(secret)
	backend := chattest.NewBackend(ctx, settings)
	defer backend.Close()

	if channelNames, ok := opts["--create_channel"].([]string); ok {
		for _, channelName := range channelNames {
			channel := backend.CreateChannel(channelName, "")
			Err.Printf("channel %s\t%s", channel.Id, channel.Name)
		}
	}

	server := &http.Server{
		Addr:    addr,
		Handler: backend,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Err.Printf("serve error = %s", err)
			cancel()
		}
	}()
	Err.Printf("serving on %s", addr)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}
