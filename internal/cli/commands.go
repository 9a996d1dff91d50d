package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apartner/apartner-talk/internal/auth"
	"github.com/apartner/apartner-talk/internal/coordinator"
	"github.com/apartner/apartner-talk/internal/domain"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

const yesFlagName = "yes"

func newCategoriesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List the categories a conversation can be opened in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.renderCategories(cmd.OutOrStdout())
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active conversation and connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(c *coordinator.Coordinator) error {
				a.renderStatus(cmd.OutOrStdout(), c.State())
				return nil
			})
		},
	}
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start <category>",
		Short: "Open a conversation in a category, by code or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			if cat, ok := a.categories.ByName(code); ok {
				code = string(cat.Code)
			}
			return a.withSession(cmd.Context(), func(c *coordinator.Coordinator) error {
				if s := c.State(); s.ActiveConversation != nil {
					return fmt.Errorf("conversation #%d is still active; close it first", s.ActiveConversation.ID)
				}
				if err := c.SetCategoryCode(code); err != nil {
					return err
				}
				if err := c.StartChat(cmd.Context()); err != nil {
					return err
				}
				s := c.State()
				if s.View != coordinator.ViewChat {
					if s.ActiveConversation != nil {
						return fmt.Errorf("conversation #%d is already active", s.ActiveConversation.ID)
					}
					return apperrors.NewConflict("an active conversation already exists", nil)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", a.conversationLine(*s.Conversation))
				return nil
			})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List your conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(c *coordinator.Coordinator) error {
				if err := c.ShowChatHistory(cmd.Context()); err != nil {
					return err
				}
				a.renderHistory(cmd.OutOrStdout(), c.State().History)
				return nil
			})
		},
	}
}

func newOpenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return a.withSession(cmd.Context(), func(c *coordinator.Coordinator) error {
				if err := c.EnterChatroomByID(cmd.Context(), id); err != nil {
					return err
				}
				a.renderThread(cmd.OutOrStdout(), c.State())
				return nil
			})
		},
	}
}

func newCloseCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close the active conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(c *coordinator.Coordinator) error {
				if err := c.RequestCloseChat(); err != nil {
					return err
				}
				s := c.State()
				id := s.ActiveConversation.ID
				if !yes && !confirm(cmd, fmt.Sprintf("Close conversation #%d? [y/N]: ", id)) {
					c.CancelCloseChat()
					fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
					return nil
				}
				if err := c.ConfirmCloseChat(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "closed conversation #%d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, yesFlagName, "y", false, "Close without asking for confirmation.")
	return cmd
}

func newReadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Mark every message from the management office as read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(c *coordinator.Coordinator) error {
				// the history listing picks up closed conversations with unread replies
				if err := c.ShowChatHistory(cmd.Context()); err != nil {
					return err
				}
				unread := c.State().HasUnreadMessages
				c.MarkMessagesAsRead()
				if !unread {
					fmt.Fprintln(cmd.OutOrStdout(), "no unread messages")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "marked all messages read")
				return nil
			})
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	var staff bool
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development token signed with the shared secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := strings.TrimSpace(args[0])
			if userID == "" {
				return errors.New("user id must not be empty")
			}
			if a.cfg.Auth.JWTSecret == "" {
				return errors.New("AUTH_JWT_SECRET is not set")
			}
			subject := domain.SubjectTypeResident
			if staff {
				subject = domain.SubjectTypeStaff
			}
			tokens := auth.NewTokenManager(a.cfg.Auth.JWTSecret, a.cfg.Auth.AccessTokenTTLMinutes)
			token, expires, err := tokens.GenerateToken(userID, subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s token for %s expires %s\n", subject, userID, formatExpiry(expires))
			return nil
		},
	}
	cmd.Flags().BoolVar(&staff, "staff", false, "Issue a staff token instead of a resident token.")
	return cmd
}

func parseConversationID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", raw)
	}
	return id, nil
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
