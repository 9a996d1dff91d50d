package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apartner/apartner-talk/internal/category"
	"github.com/apartner/apartner-talk/internal/coordinator"
	"github.com/apartner/apartner-talk/internal/domain"
)

const timeLayout = "2006-01-02 15:04"

func (a *app) categoryName(code string) string {
	if name := a.categories.LocalizedName(a.cfg.Client.Lang, category.Code(code)); name != "" {
		return name
	}
	return code
}

func (a *app) renderCategories(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tICON")
	for _, c := range a.categories.List() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Code, a.categoryName(string(c.Code)), c.IconKey)
	}
	_ = tw.Flush()
}

func (a *app) renderStatus(w io.Writer, s coordinator.State) {
	fmt.Fprintf(w, "connection: %s\n", s.Connection)
	if s.ActiveConversation == nil {
		fmt.Fprintln(w, "active conversation: none")
	} else {
		fmt.Fprintf(w, "active conversation: %s\n", a.conversationLine(*s.ActiveConversation))
	}
	unread := "no"
	if s.HasUnreadMessages {
		unread = "yes"
	}
	fmt.Fprintf(w, "unread messages: %s\n", unread)
	renderNotice(w, s.Notice)
}

func (a *app) renderHistory(w io.Writer, items []domain.Conversation) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no conversations yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCATEGORY\tTITLE\tLAST MESSAGE\tCREATED")
	for _, c := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Status, a.categoryName(c.CategoryCode), c.Title, preview(c.LastMessage), c.CreatedAt.Local().Format(timeLayout))
	}
	_ = tw.Flush()
}

func (a *app) conversationLine(c domain.Conversation) string {
	line := fmt.Sprintf("#%d %s [%s, %s]", c.ID, c.Title, a.categoryName(c.CategoryCode), c.Status)
	if c.LastMessage != "" {
		line += " " + fmt.Sprintf("%q", preview(c.LastMessage))
	}
	return line
}

func (a *app) renderThread(w io.Writer, s coordinator.State) {
	if s.Conversation == nil {
		return
	}
	fmt.Fprintf(w, "== %s\n", a.conversationLine(*s.Conversation))
	for _, e := range s.Thread {
		fmt.Fprintln(w, entryLine(e))
	}
	if s.ReadOnly {
		fmt.Fprintln(w, "-- conversation is closed; read-only")
	}
}

func entryLine(e coordinator.ThreadEntry) string {
	line := fmt.Sprintf("[%s] %s: %s", e.Message.SentAt.Local().Format("15:04"), senderLabel(e.Message.SenderRole), e.Message.Body)
	switch e.Status {
	case coordinator.EntryPending:
		line += " (sending)"
	case coordinator.EntryFailed:
		line += fmt.Sprintf(" (failed: %s, /retry %s)", e.ErrorCode, e.Message.ClientRef)
	}
	return line
}

func senderLabel(role domain.SenderRole) string {
	switch role {
	case domain.SenderRoleResident:
		return "me"
	case domain.SenderRoleStaff:
		return "staff"
	default:
		return strings.ToLower(string(role))
	}
}

func renderNotice(w io.Writer, n *coordinator.Notice) {
	if n == nil {
		return
	}
	suffix := ""
	if n.Retryable {
		suffix = " (try again)"
	}
	fmt.Fprintf(w, "! %s: %s%s\n", n.Code, n.Message, suffix)
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 40 {
		return string(r[:39]) + "…"
	}
	return s
}

// entryKey identifies a thread entry across snapshots.
func entryKey(e coordinator.ThreadEntry) string {
	if e.Message.ID != 0 {
		return fmt.Sprintf("id:%d", e.Message.ID)
	}
	return "ref:" + e.Message.ClientRef
}

func formatExpiry(t time.Time) string {
	return t.Local().Format(time.RFC3339)
}
