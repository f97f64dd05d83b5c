package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/chat"
	"github.com/basket/taskchat/internal/config"
)

// chatter is the part of chat.Service the REPL drives.
type chatter interface {
	HandleMessage(ctx context.Context, owner string, req chat.Request) (chat.Response, error)
	Confirm(ctx context.Context, owner, confirmationID string, approve bool) (chat.Response, error)
	History(ctx context.Context, owner, conversationID string, limit, offset int) (chat.Page, error)
}

func runChatCommand(ctx context.Context, args []string, in *os.File, out io.Writer) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	owner := fs.String("owner", os.Getenv("USER"), "owner the conversation belongs to")
	convID := fs.String("conversation", "", "continue an existing conversation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*owner) == "" {
		fmt.Fprintln(os.Stderr, "usage: taskchat chat -owner <id> [-conversation <id>]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	// Logs go to the file only so the REPL output stays readable.
	logger, closer, err := newLogger(cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close(context.Background())

	interactive := isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd())
	r := &repl{svc: a.chat, owner: *owner, convID: *convID, out: out, prompt: interactive}
	if interactive {
		fmt.Fprintf(out, "taskchat %s, chatting as %s. Type /help for commands.\n", Version, *owner)
	}
	if err := r.run(ctx, in); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}
	return 0
}

type repl struct {
	svc     chatter
	owner   string
	convID  string
	pending string
	out     io.Writer
	prompt  bool
}

const replHelp = `Commands:
  /approve [id]   approve the pending request
  /reject [id]    reject the pending request
  /history        show this conversation
  /new            start a new conversation
  /quit           leave
Anything else is sent as a message.`

// run reads one line per turn until EOF, /quit or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		if r.prompt {
			fmt.Fprint(r.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			r.send(ctx, line)
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(r.out, replHelp)
		case "/new":
			r.convID, r.pending = "", ""
			fmt.Fprintln(r.out, "Started a new conversation.")
		case "/approve", "/reject":
			r.resolve(ctx, firstNonEmpty(arg, r.pending), cmd == "/approve")
		case "/history":
			r.history(ctx)
		default:
			fmt.Fprintf(r.out, "Unknown command %s. Type /help for commands.\n", cmd)
		}
	}
}

func (r *repl) send(ctx context.Context, msg string) {
	resp, err := r.svc.HandleMessage(ctx, r.owner, chat.Request{Message: msg, ConversationID: r.convID})
	r.show(resp, err)
}

func (r *repl) resolve(ctx context.Context, id string, approve bool) {
	if id == "" {
		fmt.Fprintln(r.out, "Nothing is waiting for confirmation.")
		return
	}
	resp, err := r.svc.Confirm(ctx, r.owner, id, approve)
	if err == nil || id == r.pending {
		r.pending = ""
	}
	r.show(resp, err)
}

func (r *repl) show(resp chat.Response, err error) {
	if err != nil {
		code, msg := apperr.Public(err)
		fmt.Fprintf(r.out, "error [%s]: %s\n", code, msg)
		if ae, ok := apperr.As(err); ok && ae.Retryable() {
			fmt.Fprintln(r.out, "(send the message again to retry)")
		}
		return
	}
	if resp.ConversationID != "" {
		r.convID = resp.ConversationID
	}
	if resp.RequiresConfirmation {
		r.pending = resp.ConfirmationID
	}
	fmt.Fprintln(r.out, resp.Response)
	if resp.RequiresConfirmation {
		fmt.Fprintln(r.out, "(/approve or /reject)")
	}
}

func (r *repl) history(ctx context.Context) {
	if r.convID == "" {
		fmt.Fprintln(r.out, "No messages yet.")
		return
	}
	page, err := r.svc.History(ctx, r.owner, r.convID, 0, 0)
	if err != nil {
		r.show(chat.Response{}, err)
		return
	}
	for _, m := range page.Messages {
		fmt.Fprintf(r.out, "%s %-9s %s\n", m.CreatedAt.Format("15:04"), m.Role+":", m.Content)
	}
	if page.HasMore {
		fmt.Fprintf(r.out, "(%d of %d messages shown)\n", len(page.Messages), page.Total)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
