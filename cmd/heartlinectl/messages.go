package main

import (
	"fmt"
	"strings"

	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/rpc"
	"github.com/urfave/cli/v2"
)

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conversations",
		Usage: "List open conversations",
		Action: func(c *cli.Context) error {
			var out rpc.ConversationsResponse
			return call(c, rpc.MessagesService, "Conversations", rpc.Empty{}, &out, func() {
				if len(out.ConversationIDs) == 0 {
					fmt.Println("No open conversations.")
				}
				for _, id := range out.ConversationIDs {
					fmt.Println(id)
				}
			})
		},
	}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Get or create the conversation with a match",
		ArgsUsage: "<peer-id>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "<peer-id>"); err != nil {
				return err
			}
			var out rpc.ConversationRequest
			return call(c, rpc.MessagesService, "Create", rpc.CreateConversationRequest{PeerID: c.Args().First()}, &out, func() {
				fmt.Println(out.ConversationID)
			})
		},
	}
}

func openCommand() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Open a conversation and print its timeline",
		ArgsUsage: "<conversation-id>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "<conversation-id>"); err != nil {
				return err
			}
			var out rpc.MessagesResponse
			return call(c, rpc.MessagesService, "Open", rpc.ConversationRequest{ConversationID: c.Args().First()}, &out, func() {
				printMessages(out.Messages)
			})
		},
	}
}

func closeCommand() *cli.Command {
	return &cli.Command{
		Name:      "close",
		Usage:     "Stop following a conversation",
		ArgsUsage: "<conversation-id>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "<conversation-id>"); err != nil {
				return err
			}
			return unary(rpc.MessagesService, "Close", func(c *cli.Context) (any, error) {
				return rpc.ConversationRequest{ConversationID: c.Args().First()}, nil
			})(c)
		},
	}
}

func messagesCommand() *cli.Command {
	return &cli.Command{
		Name:      "messages",
		Usage:     "Print a conversation's timeline without refreshing it",
		ArgsUsage: "<conversation-id>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "<conversation-id>"); err != nil {
				return err
			}
			var out rpc.MessagesResponse
			return call(c, rpc.MessagesService, "List", rpc.ConversationRequest{ConversationID: c.Args().First()}, &out, func() {
				printMessages(out.Messages)
			})
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a text message",
		ArgsUsage: "<conversation-id> <text...>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "wait", Usage: "wait for the server to accept the message"},
		},
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 2, "<conversation-id> <text...>"); err != nil {
				return err
			}
			req := rpc.SendTextRequest{
				ConversationID: c.Args().First(),
				Body:           strings.Join(c.Args().Tail(), " "),
				Wait:           c.Bool("wait"),
			}
			var out rpc.SendResponse
			return call(c, rpc.MessagesService, "SendText", req, &out, func() {
				printMessages([]model.Message{out.Message})
			})
		},
	}
}

func sendMediaCommand() *cli.Command {
	return &cli.Command{
		Name:      "send-media",
		Usage:     "Send an image or audio clip from a local path or URL",
		ArgsUsage: "<conversation-id> <path-or-url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Usage: "image or audio", Value: string(model.KindImage)},
			&cli.BoolFlag{Name: "wait", Usage: "wait for the upload and send to finish"},
		},
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 2, "<conversation-id> <path-or-url>"); err != nil {
				return err
			}
			req := rpc.SendMediaRequest{
				ConversationID: c.Args().Get(0),
				MediaRef:       c.Args().Get(1),
				Kind:           model.Kind(c.String("kind")),
				Wait:           c.Bool("wait"),
			}
			var out rpc.SendResponse
			return call(c, rpc.MessagesService, "SendMedia", req, &out, func() {
				printMessages([]model.Message{out.Message})
			})
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Mark a conversation as read",
		ArgsUsage: "<conversation-id>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "<conversation-id>"); err != nil {
				return err
			}
			var out rpc.MarkReadResponse
			return call(c, rpc.MessagesService, "MarkRead", rpc.ConversationRequest{ConversationID: c.Args().First()}, &out, func() {
				fmt.Printf("%d message(s) marked read\n", out.Marked)
			})
		},
	}
}

func typingCommand() *cli.Command {
	return &cli.Command{
		Name:      "typing",
		Usage:     "Send a typing indicator",
		ArgsUsage: "<conversation-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "stop", Usage: "clear the indicator instead"},
		},
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "<conversation-id>"); err != nil {
				return err
			}
			req := rpc.SetTypingRequest{ConversationID: c.Args().First(), Typing: !c.Bool("stop")}
			var out rpc.SentResponse
			return call(c, rpc.MessagesService, "SetTyping", req, &out, func() {
				if !out.Sent {
					fmt.Println("not connected, indicator dropped")
					return
				}
				fmt.Println("ok")
			})
		},
	}
}

func printMessages(msgs []model.Message) {
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = m.ClientID
		}
		body := m.Body
		if m.Kind == model.KindImage || m.Kind == model.KindAudio {
			body = fmt.Sprintf("[%s] %s", m.Kind, m.MediaRef)
		}
		if m.Kind == model.KindCallEvent {
			if ev, err := model.DecodeCallEvent(m.Body); err == nil {
				body = "[call] " + ev.Describe()
			}
		}
		fmt.Printf("%s  %-12s %-10s %s  (%s)\n", m.CreatedAt.Local().Format("Jan 02 15:04"), m.SenderID, m.Status, body, id)
	}
}
