package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/api"
	"github.com/voltwork/messaging/internal/connection"
	"github.com/voltwork/messaging/internal/conversation"
	"github.com/voltwork/messaging/internal/events"
	"github.com/voltwork/messaging/internal/notify"
	"github.com/voltwork/messaging/internal/protocol"
	"github.com/voltwork/messaging/internal/ui"
)

const helpText = `commands:
  /open <conversation>   join a conversation
  /close                 leave the current conversation
  /typing <text>         update the composer without sending
  /notifications         list stored notifications
  /read <id>             mark a notification read
  /status                show connection state
  /quit                  exit
anything else is sent to the open conversation`

// navigator prints routes and turns chat deep links into conversation
// opens.
type navigator struct {
	console *ui.Console
	links   chan string
	ready   chan struct{}
	once    sync.Once
}

func newNavigator(console *ui.Console) *navigator {
	return &navigator{
		console: console,
		links:   make(chan string, 8),
		ready:   make(chan struct{}),
	}
}

func (n *navigator) Push(path string) {
	n.console.Push(path)
	if id, ok := strings.CutPrefix(path, "/chat/"); ok && id != "" {
		select {
		case n.links <- id:
		default:
		}
	}
}

func (n *navigator) markReady() {
	n.once.Do(func() { close(n.ready) })
}

// app is the headless chat screen.
type app struct {
	ctx        context.Context
	logger     zerolog.Logger
	out        io.Writer
	manager    *connection.Manager
	client     *conversation.Client
	router     *events.Router
	backend    *api.Client
	console    *ui.Console
	dispatcher *notify.Dispatcher
	store      notify.Store
	user       notify.UserFunc
	nav        *navigator

	mu       sync.Mutex
	ctrl     *conversation.Controller
	unsub    events.Unsubscribe
	printed  map[string]bool
	lastSeen []string
}

// repl reads commands until EOF, /quit or cancellation.
func (a *app) repl(in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		errc <- sc.Err()
	}()

	fmt.Fprintln(a.out, helpText)
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if quit := a.exec(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// followLinks opens conversations reached through notification deep links.
func (a *app) followLinks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-a.nav.links:
			a.openConversation(id)
		}
	}
}

func (a *app) exec(line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(a.out, helpText)
	case "/open":
		if arg == "" {
			fmt.Fprintln(a.out, "usage: /open <conversation>")
			return false
		}
		a.openConversation(arg)
	case "/close":
		a.closeConversation()
	case "/typing":
		if ctrl := a.current(); ctrl != nil {
			ctrl.Input(arg)
		}
	case "/notifications":
		a.listNotifications()
	case "/read":
		if err := a.store.MarkRead(a.ctx, a.user(), arg); err != nil {
			fmt.Fprintf(a.out, "mark read: %v\n", err)
		}
	case "/status":
		fmt.Fprintf(a.out, "connected=%v transport=%s reconnect_attempts=%d\n",
			a.manager.IsConnected(), a.manager.Transport(), a.manager.ReconnectAttempts())
	default:
		a.send(line)
	}
	return false
}

func (a *app) current() *conversation.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctrl
}

func (a *app) openConversation(id string) {
	if ctrl := a.current(); ctrl != nil && ctrl.Session().ConversationID() == id {
		return
	}
	a.closeConversation()

	me := protocol.Sender{ID: a.user()}
	ctrl := conversation.NewController(conversation.ControllerConfig{
		ConversationID: id,
		Me:             me,
	}, a.client, a.router, a.manager, a.backend, a.console, a.dispatcher, a.logger)

	a.mu.Lock()
	a.ctrl = ctrl
	a.printed = make(map[string]bool)
	a.lastSeen = nil
	a.mu.Unlock()

	unsub := ctrl.OnUpdate(func() { a.render(ctrl) })
	a.mu.Lock()
	a.unsub = unsub
	a.mu.Unlock()

	ctrl.Open(a.ctx)
	fmt.Fprintf(a.out, "-- joined %s --\n", id)
}

func (a *app) closeConversation() {
	a.mu.Lock()
	ctrl, unsub := a.ctrl, a.unsub
	a.ctrl, a.unsub = nil, nil
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if ctrl != nil {
		ctrl.Close()
		fmt.Fprintf(a.out, "-- left %s --\n", ctrl.Session().ConversationID())
	}
}

func (a *app) send(content string) {
	ctrl := a.current()
	if ctrl == nil {
		fmt.Fprintln(a.out, "no conversation open, use /open <conversation>")
		return
	}
	ctrl.Input(content)
	if _, err := ctrl.Send(a.ctx, content); err != nil {
		a.logger.Debug().Err(err).Msg("send failed")
	}
}

// render prints confirmed messages not yet shown and typing changes.
func (a *app) render(ctrl *conversation.Controller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctrl != ctrl {
		return
	}

	for _, m := range ctrl.Messages() {
		if m.IsTemporary() || a.printed[m.ID] {
			continue
		}
		a.printed[m.ID] = true
		fmt.Fprintf(a.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), displayName(m), m.Content)
	}

	typing := ctrl.Typing()
	if strings.Join(typing, ",") != strings.Join(a.lastSeen, ",") {
		if len(typing) > 0 {
			fmt.Fprintf(a.out, "... %s typing\n", strings.Join(typing, ", "))
		}
		a.lastSeen = typing
	}
}

func (a *app) listNotifications() {
	user := a.user()
	records, err := a.store.List(a.ctx, user, 20)
	if err != nil {
		fmt.Fprintf(a.out, "list notifications: %v\n", err)
		return
	}
	unread, _ := a.store.Unread(a.ctx, user)
	fmt.Fprintf(a.out, "%d unread\n", unread)
	for _, r := range records {
		mark := " "
		if !r.Read {
			mark = "*"
		}
		fmt.Fprintf(a.out, "%s %s  %s: %s (%s)\n", mark, r.ID, r.Title, r.Message, r.Route)
	}
}

func displayName(m protocol.Message) string {
	if m.Sender != nil && m.Sender.FullName != "" {
		return m.Sender.FullName
	}
	return m.SenderID
}
