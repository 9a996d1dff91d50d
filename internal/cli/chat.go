package cli

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/coordinator"
	"github.com/apartner/apartner-talk/internal/transport"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

const chatHelp = "type a message and press enter; /retry <ref>, /close, /quit"

func newChatCmd(a *app) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the active conversation",
		Long: `Opens the active conversation (or --id) and sends every line read from
stdin. Messages from the management office are printed as they arrive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, func(c *coordinator.Coordinator) error {
				if conversationID != "" {
					id, err := parseConversationID(conversationID)
					if err != nil {
						return err
					}
					if err := c.EnterChatroomByID(ctx, id); err != nil {
						return err
					}
				} else if err := c.EnterActiveChat(ctx); err != nil {
					if apperrors.CodeOf(err) == apperrors.CodeInvalidState {
						return apperrors.NewInvalidState("there is no active conversation; run `talkctl start <category>` first")
					}
					return err
				}
				return a.runChat(ctx, c)
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "id", "", "Open this conversation instead of the active one.")
	return cmd
}

// threadPrinter writes thread entries once they are acknowledged and reports
// connection and closure changes.
type threadPrinter struct {
	a *app

	mu       sync.Mutex
	seen     map[string]bool
	readOnly bool
	conn     transport.Status
}

func newThreadPrinter(a *app, s coordinator.State) *threadPrinter {
	p := &threadPrinter{a: a, seen: make(map[string]bool), readOnly: s.ReadOnly, conn: s.Connection}
	for _, e := range s.Thread {
		if e.Status == coordinator.EntrySent {
			p.seen[entryKey(e)] = true
		}
	}
	return p
}

func (p *threadPrinter) update(s coordinator.State) {
	if s.View != coordinator.ViewChat {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range s.Thread {
		if e.Status != coordinator.EntrySent {
			continue
		}
		key := entryKey(e)
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		p.a.printf("%s\n", entryLine(e))
	}
	if s.Connection != p.conn {
		p.conn = s.Connection
		if s.Connection != transport.StatusConnected {
			p.a.errorf("-- %s\n", strings.ToLower(string(s.Connection)))
		} else {
			p.a.errorf("-- connected\n")
		}
	}
	if s.ReadOnly && !p.readOnly {
		p.readOnly = true
		p.a.printf("-- conversation is closed; read-only\n")
	}
}

func (a *app) runChat(ctx context.Context, c *coordinator.Coordinator) error {
	s := c.State()
	a.outMu.Lock()
	a.renderThread(a.streams.Out, s)
	a.outMu.Unlock()
	a.errorf("-- %s\n", chatHelp)

	printer := newThreadPrinter(a, s)
	stop := c.Watch(printer.update)
	defer stop()

	lines := readLines(a.streams.In)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := a.handleChatLine(ctx, c, strings.TrimSpace(line))
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleChatLine runs one input line. It reports true when the session should end.
func (a *app) handleChatLine(ctx context.Context, c *coordinator.Coordinator, line string) (bool, error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit" || line == "/exit":
		return true, nil
	case line == "/close":
		if err := c.RequestCloseChat(); err != nil {
			a.reportActionError(err)
			return false, nil
		}
		if err := c.ConfirmCloseChat(ctx); err != nil {
			a.reportActionError(err)
			return false, nil
		}
		a.printf("-- conversation closed\n")
		return true, nil
	case strings.HasPrefix(line, "/retry"):
		ref := strings.TrimSpace(strings.TrimPrefix(line, "/retry"))
		if ref == "" {
			ref = lastFailedRef(c.State())
		}
		if err := c.RetryMessage(ctx, ref); err != nil {
			a.reportSendError(c, err)
		}
		return false, nil
	case strings.HasPrefix(line, "/"):
		a.errorf("-- unknown command; %s\n", chatHelp)
		return false, nil
	}
	if err := c.SendMessage(ctx, line); err != nil {
		a.reportSendError(c, err)
		if apperrors.IsUnauthorized(err) {
			return true, err
		}
	}
	return false, nil
}

func (a *app) reportSendError(c *coordinator.Coordinator, err error) {
	a.logger.Debug("send failed", zap.Error(err))
	if ref := lastFailedRef(c.State()); ref != "" && !apperrors.IsConversationClosed(err) {
		a.errorf("! not delivered (%s); /retry %s\n", apperrors.CodeOf(err), ref)
		return
	}
	a.reportActionError(err)
}

func (a *app) reportActionError(err error) {
	de := apperrors.ToDomainError(err)
	a.errorf("! %s: %s\n", de.Code, de.Message)
}

func lastFailedRef(s coordinator.State) string {
	for i := len(s.Thread) - 1; i >= 0; i-- {
		if s.Thread[i].Status == coordinator.EntryFailed {
			return s.Thread[i].Message.ClientRef
		}
	}
	return ""
}

// readLines feeds lines from r into a channel that is closed at EOF. A
// terminal read cannot be interrupted, so the goroutine ends with the process
// when stdin stays open.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}
