package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"bizpilot/internal/agent"
	"bizpilot/internal/channel"
	"bizpilot/internal/domain"

	"github.com/spf13/cobra"
)

// withEngine runs fn against a started engine for the configured owner (or
// --owner), waiting for background work before returning.
func withEngine(owner string, fn func(ctx context.Context, e *agent.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if owner == "" {
		owner = cfg.General.OwnerID
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.newEngine("cmd", owner)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.Start(ctx); err != nil {
		return err
	}
	err = fn(ctx, e)
	e.Wait()
	return err
}

func conversationsCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List, show, retitle and delete conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(owner, func(ctx context.Context, e *agent.Engine) error {
				convs := e.State().Conversations
				if len(convs) == 0 {
					fmt.Println("No conversations yet.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tID\tUPDATED\tTITLE")
				for i, c := range convs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, shortID(c.ID), c.UpdatedAt.Local().Format(time.DateTime), c.Title)
				}
				return tw.Flush()
			})
		},
	}
	cmd.PersistentFlags().StringVar(&owner, "owner", "", "owner id (default: general.ownerId)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(owner, func(ctx context.Context, e *agent.Engine) error {
				conv, err := findConversation(e, args[0])
				if err != nil {
					return err
				}
				if err := e.LoadConversation(ctx, conv.ID); err != nil {
					return err
				}
				fmt.Printf("%s (%s)\n\n", conv.Title, conv.ID)
				for _, m := range e.State().Messages {
					who := "You"
					if m.Role == domain.RoleAssistant {
						who = "BizPilot"
					}
					fmt.Printf("%s: %s\n\n", who, m.Content)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retitle [id]",
		Short: "Generate a new title for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(owner, func(ctx context.Context, e *agent.Engine) error {
				conv, err := findConversation(e, args[0])
				if err != nil {
					return err
				}
				if err := e.RegenerateTitle(ctx, conv.ID); err != nil {
					return err
				}
				e.Wait()
				if err := e.RefreshConversations(ctx); err != nil {
					return err
				}
				updated, err := findConversation(e, conv.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%s -> %s\n", conv.Title, updated.Title)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(owner, func(ctx context.Context, e *agent.Engine) error {
				conv, err := findConversation(e, args[0])
				if err != nil {
					return err
				}
				if err := e.DeleteConversation(ctx, conv.ID); err != nil {
					return err
				}
				fmt.Printf("Deleted %q\n", conv.Title)
				return nil
			})
		},
	})
	return cmd
}

// findConversation matches a full id, an id prefix or a 1-based position.
func findConversation(e *agent.Engine, ref string) (domain.Conversation, error) {
	convs := e.State().Conversations
	var n int
	if _, err := fmt.Sscanf(ref, "%d", &n); err == nil && fmt.Sprint(n) == ref && n >= 1 && n <= len(convs) {
		return convs[n-1], nil
	}
	var match []domain.Conversation
	for _, c := range convs {
		if c.ID == ref {
			return c, nil
		}
		if strings.HasPrefix(c.ID, ref) {
			match = append(match, c)
		}
	}
	switch len(match) {
	case 1:
		return match[0], nil
	case 0:
		return domain.Conversation{}, fmt.Errorf("no conversation matches %q", ref)
	default:
		return domain.Conversation{}, fmt.Errorf("%q matches %d conversations", ref, len(match))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func memoryCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit long-term memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(owner, func(ctx context.Context, e *agent.Engine) error {
				items, err := e.Memories(ctx)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Println("Nothing remembered yet.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tVALUE\tCATEGORY\tIMPORTANCE")
				for _, m := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", m.Key, m.Value, m.Category, m.Importance)
				}
				return tw.Flush()
			})
		},
	}
	cmd.PersistentFlags().StringVar(&owner, "owner", "", "owner id (default: general.ownerId)")

	var category string
	var importance int
	set := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Remember a fact",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(owner, func(ctx context.Context, e *agent.Engine) error {
				var opts []agent.MemoryOption
				if category != "" {
					opts = append(opts, agent.WithCategory(category))
				}
				if importance > 0 {
					opts = append(opts, agent.WithImportance(importance))
				}
				return e.SaveMemory(ctx, args[0], strings.Join(args[1:], " "), opts...)
			})
		},
	}
	set.Flags().StringVar(&category, "category", "", "fact, business, preference or instruction")
	set.Flags().IntVar(&importance, "importance", 0, "1-10")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "forget [key]",
		Short: "Delete a remembered fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(owner, func(ctx context.Context, e *agent.Engine) error {
				err := e.ForgetMemory(ctx, args[0])
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("nothing remembered under %q", args[0])
				}
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "context",
		Short: "Print the memory block sent with every prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(owner, func(ctx context.Context, e *agent.Engine) error {
				fmt.Println(e.State().MemoryContextText)
				return nil
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [owner]",
		Short: "Mint an API bearer token for an owner id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwtSecret is not configured")
			}
			tok, err := channel.NewTokenVerifier(cfg.API.JWTSecret).Generate(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
