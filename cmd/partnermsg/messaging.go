package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	partnermsg "github.com/tendai-dev/onboarding-kyb-sub002"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	dashboardJSON bool

	threadsPage int
	threadsJSON bool

	messagesPage int
	messagesJSON bool

	sendAttach  []string
	sendReplyTo string
	sendJSON    bool

	starOff bool
)

func init() {
	dashboardCmd.Flags().BoolVar(&dashboardJSON, "json", false, "Output raw JSON")

	threadsCmd.Flags().IntVar(&threadsPage, "page", 1, "Page number")
	threadsCmd.Flags().BoolVar(&threadsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVar(&messagesPage, "page", 1, "Page number (1 is the newest page)")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "File to attach (repeatable)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID being replied to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	starCmd.Flags().BoolVar(&starOff, "off", false, "Remove the star instead")

	rootCmd.AddCommand(dashboardCmd, threadsCmd, messagesCmd, sendCmd, readCmd,
		starCmd, archiveCmd, deleteCmd, forwardCmd, resolveCmd)
}

// ============================================================================
// dashboard
// ============================================================================

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the partner case dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		d, err := env.client.Cases.Dashboard(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if dashboardJSON {
			return printJSON(d)
		}

		fmt.Printf("Open cases:        %d\n", d.OpenCases)
		fmt.Printf("Pending documents: %d\n", d.PendingDocuments)
		fmt.Printf("Unread messages:   %d\n", d.UnreadMessages)
		if len(d.Cases) == 0 {
			return nil
		}
		fmt.Println()
		fmt.Printf("%-20s %-14s %s\n", "REFERENCE", "STATUS", "APPLICATION")
		for _, c := range d.Cases {
			fmt.Printf("%-20s %-14s %s\n", truncate(c.Reference, 20), c.Status, c.ApplicationID)
		}
		return nil
	},
}

// ============================================================================
// threads
// ============================================================================

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List your message threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		threads, err := env.client.Threads.ListMine(ctx, partnermsg.Page{Number: threadsPage})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if threadsJSON {
			return printJSON(threads)
		}
		if len(threads) == 0 {
			fmt.Println("No threads.")
			return nil
		}

		fmt.Printf("%-36s  %-6s  %-16s  %s\n", "ID", "UNREAD", "LAST MESSAGE", "SUBJECT")
		for _, t := range threads {
			subject := t.Subject
			if t.Status == partnermsg.ConversationArchived {
				subject += " (archived)"
			}
			fmt.Printf("%-36s  %-6d  %-16s  %s\n", t.ID, t.UnreadCount, formatTime(t.LastMessageAt), truncate(subject, 60))
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <thread-id>",
	Short: "List messages in a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		msgs, err := env.client.Messages.List(ctx, args[0], partnermsg.Page{Number: messagesPage})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <thread-id|application-ref> <text>",
	Short: "Send a message to a thread or to an application's case",
	Long: "Send a message. The target is either an existing thread ID or an application ID or\n" +
		"human-readable case reference. A thread is created on first send when none exists.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, text := args[0], args[1]

		files, err := readAttachments(sendAttach)
		if err != nil {
			return err
		}

		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		session := partnermsg.NewSession(env.client, nil, partnermsg.SessionOptions{Logger: env.logger})
		defer session.Close()
		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("failed to load threads: %w", err)
		}

		req := partnermsg.SendRequest{
			Content:     text,
			Attachments: files,
			ReplyToID:   sendReplyTo,
		}
		if _, ok := session.Sync.Conversation(target); ok {
			if err := session.SelectThread(ctx, target); err != nil {
				return fmt.Errorf("failed to load thread: %w", err)
			}
			req.ThreadID = target
		} else {
			req.ApplicationRef = target
		}

		msg, err := session.Send(ctx, req)
		if err != nil {
			return err
		}
		if msg == nil {
			fmt.Fprintln(os.Stderr, "Messaging is temporarily unavailable; the message was not sent.")
			return nil
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s to thread %s\n", msg.ID, msg.ThreadID)
		for _, a := range msg.Attachments {
			if a.Placeholder {
				fmt.Fprintf(os.Stderr, "Warning: %s could not be uploaded and was attached as a placeholder\n", a.FileName)
			}
		}
		return nil
	},
}

func readAttachments(paths []string) ([]partnermsg.FileUpload, error) {
	files := make([]partnermsg.FileUpload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read attachment: %w", err)
		}
		files = append(files, partnermsg.FileUpload{FileName: filepath.Base(p), Data: data})
	}
	return files, nil
}

// ============================================================================
// read / star / archive / delete / forward
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <thread-id>",
	Short: "Mark every message in a thread as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		if err := env.client.Threads.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Thread %s marked as read\n", args[0])
		return nil
	},
}

var starCmd = &cobra.Command{
	Use:   "star <message-id>",
	Short: "Star or unstar a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		if err := env.client.Messages.Star(ctx, args[0], !starOff); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if starOff {
			fmt.Printf("Message %s unstarred\n", args[0])
		} else {
			fmt.Printf("Message %s starred\n", args[0])
		}
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <thread-id>",
	Short: "Archive a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		if err := env.client.Threads.Archive(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Thread %s archived\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		if err := env.client.Messages.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Message %s deleted\n", args[0])
		return nil
	},
}

var forwardCmd = &cobra.Command{
	Use:   "forward <message-id> <application-ref>",
	Short: "Forward a message to another application's thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		appID, err := env.client.Cases.Resolve(ctx, args[1])
		if err != nil {
			return err
		}
		if err := env.client.Messages.Forward(ctx, args[0], appID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Message %s forwarded to %s\n", args[0], appID)
		return nil
	},
}

// ============================================================================
// resolve
// ============================================================================

var resolveCmd = &cobra.Command{
	Use:   "resolve <reference>",
	Short: "Resolve a case reference to its application ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		appID, err := env.client.Cases.Resolve(ctx, strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(appID)
		return nil
	},
}
