// Package console is the line-oriented front end of the chat client. Plain
// lines are broadcast; lines starting with "/" are commands.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/imisumi/webrtc-chat/internal/chat"
	"github.com/imisumi/webrtc-chat/internal/negotiation"
	"github.com/imisumi/webrtc-chat/internal/peer"
)

// Commander is the subset of the orchestrator the console drives.
type Commander interface {
	RequestConnection(ctx context.Context, id string) error
	Accept(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Do(ctx context.Context, fn func(reg *peer.Registry)) error
}

type Messenger interface {
	Broadcast(ctx context.Context, text string) (int, error)
	SendTo(ctx context.Context, peerID, text string) error
	History() *chat.History
}

const helpText = `commands:
  <text>               broadcast to every connected peer
  /to <id> <text>      send to one peer
  /connect <id>        request a connection
  /accept [id]         accept a request (default: the latest)
  /reject [id]         reject a request (default: the latest)
  /disconnect <id>     close a peer connection
  /peers               list online users and connection states
  /history             show the message history
  /id                  show your identity
  /help                show this help
  /quit                exit`

var errUsage = errors.New("usage")

// Console reads commands from In and writes notifications to Out. It
// implements negotiation.Observer.
type Console struct {
	localID string
	in      io.Reader
	log     *slog.Logger

	cmd  Commander
	chat Messenger

	outMu sync.Mutex
	out   io.Writer

	mu sync.Mutex
	// requests holds unanswered incoming requests, oldest first.
	requests []string
}

var _ negotiation.Observer = (*Console)(nil)

func New(localID string, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		localID: localID,
		in:      in,
		out:     out,
		log:     logger.With("component", "console"),
	}
}

// Bind attaches the orchestrator and chat facade. It must be called before
// Run and before the orchestrator starts delivering notifications.
func (c *Console) Bind(cmd Commander, m Messenger) {
	c.cmd = cmd
	c.chat = m
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

// Run processes input lines until EOF, /quit, or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.printf("you are %s; type /help for commands", c.localID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := c.Execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// Execute runs a single input line and reports whether the user asked to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.broadcast(ctx, line)
		return false
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch name {
	case "quit", "exit":
		return true
	case "help":
		c.printf("%s", helpText)
	case "id":
		c.printf("your id: %s", c.localID)
	case "connect":
		err = c.withPeer(rest, func(id string) error {
			if err := c.cmd.RequestConnection(ctx, id); err != nil {
				return err
			}
			c.printf("connection request sent to %s", id)
			return nil
		})
	case "accept":
		err = c.answer(ctx, rest, true)
	case "reject":
		err = c.answer(ctx, rest, false)
	case "disconnect":
		err = c.withPeer(rest, func(id string) error {
			if err := c.cmd.Disconnect(ctx, id); err != nil {
				return err
			}
			c.printf("disconnected from %s", id)
			return nil
		})
	case "to":
		id, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if id == "" || text == "" {
			err = fmt.Errorf("%w: /to <id> <text>", errUsage)
			break
		}
		err = c.chat.SendTo(ctx, id, text)
	case "peers":
		err = c.peers(ctx)
	case "history":
		lines := c.chat.History().Lines()
		if len(lines) == 0 {
			c.printf("no messages yet")
		}
		for _, l := range lines {
			c.printf("%s", l)
		}
	default:
		err = fmt.Errorf("unknown command /%s; type /help", name)
	}
	if err != nil {
		c.printf("error: %s", describe(err))
	}
	return false
}

func (c *Console) broadcast(ctx context.Context, text string) {
	n, err := c.chat.Broadcast(ctx, text)
	if err != nil {
		c.printf("error: %s", describe(err))
		return
	}
	c.log.Debug("broadcast delivered", "peers", n)
}

func (c *Console) withPeer(id string, fn func(id string) error) error {
	if id == "" || strings.ContainsAny(id, " \t") {
		return fmt.Errorf("%w: expected a single peer id", errUsage)
	}
	return fn(id)
}

func (c *Console) answer(ctx context.Context, id string, accept bool) error {
	if id == "" {
		c.mu.Lock()
		if n := len(c.requests); n > 0 {
			id = c.requests[n-1]
		}
		c.mu.Unlock()
		if id == "" {
			return errors.New("no pending connection requests")
		}
	}
	var err error
	if accept {
		err = c.cmd.Accept(ctx, id)
	} else {
		err = c.cmd.Reject(ctx, id)
	}
	if err != nil && !errors.Is(err, negotiation.ErrNoPendingRequest) {
		return err
	}
	c.forgetRequest(id)
	if err != nil {
		return err
	}
	if accept {
		c.printf("accepted %s", id)
	} else {
		c.printf("rejected %s", id)
	}
	return nil
}

func (c *Console) forgetRequest(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.requests {
		if r == id {
			c.requests = append(c.requests[:i], c.requests[i+1:]...)
			return
		}
	}
}

func (c *Console) peers(ctx context.Context) error {
	var (
		online []string
		infos  []peer.Info
	)
	err := c.cmd.Do(ctx, func(reg *peer.Registry) {
		online = reg.Known()
		infos = reg.Snapshot()
	})
	if err != nil {
		return err
	}

	states := make(map[string]peer.Info, len(infos))
	for _, info := range infos {
		states[info.ID] = info
	}
	ids := append([]string(nil), online...)
	for _, info := range infos {
		if !slices.Contains(online, info.ID) {
			ids = append(ids, info.ID)
		}
	}
	sort.Strings(ids)

	var connected int
	for _, info := range infos {
		if info.State == peer.StateConnected {
			connected++
		}
	}
	c.printf("online users (%d) | connected (%d):", len(online), connected)
	for _, id := range ids {
		state := peer.StateIdle.String()
		if info, ok := states[id]; ok {
			state = info.State.String()
			if info.State == peer.StateConnected && !info.ChannelOpen {
				state += " (channel opening)"
			}
		}
		if !slices.Contains(online, id) {
			state += ", offline"
		}
		c.printf("  %s  %s", id, state)
	}
	return nil
}

func (c *Console) ConnectionRequested(id string) {
	c.mu.Lock()
	if !slices.Contains(c.requests, id) {
		c.requests = append(c.requests, id)
	}
	c.mu.Unlock()
	c.printf("* %s wants to connect; /accept %s or /reject %s", id, id, id)
}

func (c *Console) ConnectionResponded(id string, accepted bool) {
	if accepted {
		c.printf("* %s accepted your request, negotiating", id)
		return
	}
	c.printf("* %s rejected your request", id)
}

func (c *Console) PeerConnected(id string) {
	c.printf("* connected to %s", id)
}

func (c *Console) PeerDisconnected(id, reason string) {
	c.forgetRequest(id)
	c.printf("* disconnected from %s (%s)", id, reason)
}

func (c *Console) RosterUpdated(ids []string) {
	if len(ids) == 0 {
		c.printf("* nobody else is online")
		return
	}
	c.printf("* online: %s", strings.Join(ids, ", "))
}

// MessageReceived prints an inbound message. Recording it is left to the
// chat façade's observer.
func (c *Console) MessageReceived(id, text string) {
	c.printf("[%s] %s", id, text)
}

func describe(err error) string {
	switch {
	case errors.Is(err, chat.ErrNoPeers):
		return "no connected peers"
	case errors.Is(err, chat.ErrPeerNotConnected):
		return "peer is not connected"
	case errors.Is(err, negotiation.ErrClosed):
		return "client is shutting down"
	default:
		return err.Error()
	}
}
