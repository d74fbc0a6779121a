package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amigochat/amigo/internal/chat"
	"github.com/amigochat/amigo/internal/ctl"
	"github.com/amigochat/amigo/internal/profile"
	"github.com/amigochat/amigo/internal/session"
)

var (
	sessionFlag string
	jsonFlag    bool
)

func main() {
	root := &cobra.Command{
		Use:           "amigoctl",
		Short:         "Control a running amigod session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output raw JSON")

	root.AddCommand(
		statusCmd(),
		registerCmd(),
		feeCmd(),
		whoisCmd(),
		usersCmd(),
		conversationsCmd(),
		messagesCmd(),
		sendCmd(),
		failedCmd(),
		retryCmd(),
		profileCmd(),
		presenceCmd(),
		resetCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dial() (*ctl.Client, context.Context, context.CancelFunc, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	return ctl.New(session.SocketPath(name)), ctx, cancel, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and registration state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var resp struct {
				Session      string           `json:"session"`
				State        string           `json:"state"`
				Registration string           `json:"registration"`
				Address      string           `json:"address"`
				Profile      *profile.Profile `json:"profile"`
			}
			if err := c.Get(ctx, "/v1/status", &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Session:      %s\n", resp.Session)
			fmt.Printf("State:        %s\n", resp.State)
			fmt.Printf("Address:      %s\n", resp.Address)
			fmt.Printf("Registration: %s\n", resp.Registration)
			if resp.Profile != nil {
				fmt.Printf("Handle:       %s\n", resp.Profile.Handle)
			}
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	var imageRef, imageFile string
	cmd := &cobra.Command{
		Use:   "register <handle>",
		Short: "Claim a handle for the local account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var p profile.Profile
			if imageFile != "" {
				f, err := os.Open(imageFile)
				if err != nil {
					return err
				}
				defer f.Close()
				fields := map[string]string{"handle": args[0]}
				if err := c.Upload(ctx, "/v1/register", fields, "image", filepath.Base(imageFile), f, &p); err != nil {
					return err
				}
			} else {
				body := map[string]string{"handle": args[0], "image_ref": imageRef}
				if err := c.Post(ctx, "/v1/register", body, &p); err != nil {
					return err
				}
			}
			if jsonFlag {
				outputJSON(p)
				return nil
			}
			fmt.Printf("Registered as %s\n", p.Handle)
			return nil
		},
	}
	cmd.Flags().StringVar(&imageRef, "image-ref", "", "content hash of an already pinned profile image")
	cmd.Flags().StringVar(&imageFile, "image", "", "image file to pin and attach to the profile")
	return cmd
}

func feeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fee",
		Short: "Show the registration fee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var resp map[string]string
			if err := c.Get(ctx, "/v1/register/fee", &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Registration fee: %s wei\n", resp["fee_wei"])
			return nil
		},
	}
}

func whoisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whois <handle>",
		Short: "Resolve a handle to its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var resp struct {
				Handle    string `json:"handle"`
				Available bool   `json:"available"`
				Owner     string `json:"owner"`
			}
			if err := c.Get(ctx, "/v1/handles/"+args[0], &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if resp.Available {
				fmt.Printf("%s is available\n", resp.Handle)
			} else {
				fmt.Printf("%s is owned by %s\n", resp.Handle, resp.Owner)
			}
			return nil
		},
	}
}

func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List registered users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var users []chat.User
			if err := c.Get(ctx, "/v1/users", &users); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(users)
				return nil
			}
			for _, u := range users {
				marker := " "
				if u.IsOnline {
					marker = "*"
				}
				fmt.Printf("%s %-20s %s\n", marker, u.Handle, u.Address)
			}
			return nil
		},
	}
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var convos []struct {
				ID          string        `json:"id"`
				LastMessage *chat.Message `json:"last_message"`
			}
			if err := c.Get(ctx, "/v1/conversations", &convos); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(convos)
				return nil
			}
			for _, conv := range convos {
				preview := ""
				if conv.LastMessage != nil {
					preview = conv.LastMessage.Content
					if len(preview) > 48 {
						preview = preview[:45] + "..."
					}
				}
				fmt.Printf("%-44s %s\n", conv.ID, preview)
			}
			return nil
		},
	}
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <conversation>",
		Short: "Show one conversation ('broadcast' or a partner address)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var msgs []chat.Message
			if err := c.Get(ctx, "/v1/conversations/"+args[0]+"/messages", &msgs); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msgs)
				return nil
			}
			for _, m := range msgs {
				ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04")
				marker := ""
				if m.State == chat.Pending {
					marker = " (pending)"
				}
				fmt.Printf("[%s] %s: %s%s\n", ts, m.Sender, m.Content, marker)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var to string
	var broadcast bool
	cmd := &cobra.Command{
		Use:   "send <content>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			body := map[string]any{
				"content":   strings.Join(args, " "),
				"recipient": to,
				"broadcast": broadcast,
			}
			var msg chat.Message
			if err := c.Post(ctx, "/v1/messages", body, &msg); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msg)
				return nil
			}
			fmt.Printf("Queued %s\n", msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address for a direct message")
	cmd.Flags().BoolVar(&broadcast, "broadcast", false, "send to the broadcast channel")
	return cmd
}

func failedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List failed sends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var msgs []chat.Message
			if err := c.Get(ctx, "/v1/messages/failed", &msgs); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msgs)
				return nil
			}
			for _, m := range msgs {
				fmt.Printf("%s  %q\n", m.ID, m.Content)
			}
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <message-id>",
		Short: "Resubmit a failed send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var msg chat.Message
			if err := c.Post(ctx, "/v1/messages/"+args[0]+"/retry", nil, &msg); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msg)
				return nil
			}
			fmt.Printf("Requeued as %s\n", msg.ID)
			return nil
		},
	}
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the local profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			var resp struct {
				profile.Profile
				ImageURL string `json:"image_url"`
			}
			if err := c.Get(ctx, "/v1/profile", &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Handle:     %s\n", resp.Handle)
			fmt.Printf("Address:    %s\n", resp.Address)
			fmt.Printf("Registered: %s\n", time.Unix(resp.RegisteredAt, 0).Format(time.RFC1123))
			if resp.ImageURL != "" {
				fmt.Printf("Image:      %s\n", resp.ImageURL)
			}
			return nil
		},
	}
	cmd.AddCommand(setImageCmd())
	return cmd
}

func setImageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-image <file>",
		Short: "Pin an image and publish it as the profile picture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var resp map[string]string
			if err := c.Upload(ctx, "/v1/profile/image", nil, "image", filepath.Base(args[0]), f, &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Pinned %s\n", resp["image_ref"])
			return nil
		},
	}
}

func presenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presence <on|off>",
		Short: "Publish online status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var online bool
			switch args[0] {
			case "on":
				online = true
			case "off":
				online = false
			default:
				return fmt.Errorf("expected 'on' or 'off', got %q", args[0])
			}

			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()
			return c.Post(ctx, "/v1/presence", map[string]bool{"online": online}, nil)
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear local state and the snapshot cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()
			return c.Post(ctx, "/v1/reset", nil, nil)
		},
	}
}
