package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/Mukeshsilwal/krishi-bazaar-nepal-sub001"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log engine internals")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [peer-id]",
	Short: "Tail conversations live",
	Long:  "Log in, open the push channel, and print messages, typing, presence, and read receipts as they arrive.\nWith a peer id, opens that conversation so its history prints first and arrivals are marked read.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, transport, creds := getSession(watchVerbose)

		transport.Subscribe(chatsync.TopicMessages, func(payload []byte) {
			m, err := chatsync.DecodeMessage(payload)
			if err != nil {
				return
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Content)
		})
		transport.Subscribe(chatsync.TopicTyping, func(payload []byte) {
			ev, err := chatsync.DecodeTyping(payload)
			if err != nil || !ev.IsTyping {
				return
			}
			fmt.Printf("-- %s is typing...\n", ev.UserID)
		})
		transport.Subscribe(chatsync.TopicPresence, func(payload []byte) {
			ev, err := chatsync.DecodePresence(payload)
			if err != nil {
				return
			}
			state := "offline"
			if ev.Online() {
				state = "online"
			}
			fmt.Printf("-- %s is %s\n", ev.UserID, state)
		})
		transport.Subscribe(chatsync.TopicReadReceipts, func(payload []byte) {
			ev, err := chatsync.DecodeReadReceipt(payload)
			if err != nil {
				return
			}
			fmt.Printf("-- %s read your messages\n", ev.UserID)
		})
		transport.OnStateChange(func(s chatsync.ConnState) {
			fmt.Printf("-- connection: %s\n", s)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := session.Login(ctx, creds)
		cancel()
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		defer session.Logout()

		if len(args) == 1 {
			peerID := args[0]
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			history, err := session.OpenConversation(ctx, peerID)
			cancel()
			if err != nil {
				return fmt.Errorf("open conversation: %w", err)
			}
			for _, m := range history {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Content)
			}
		}

		fmt.Printf("Watching as %s. Ctrl-C to stop.\n", creds.UserID)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopping.")
		return nil
	},
}
