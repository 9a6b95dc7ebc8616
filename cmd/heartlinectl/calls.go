package main

import (
	"fmt"

	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/rpc"
	"github.com/urfave/cli/v2"
)

func callCommand() *cli.Command {
	return &cli.Command{
		Name:  "call",
		Usage: "Place and control voice and video calls",
		Subcommands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "Call a match",
				ArgsUsage: "<peer-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "video", Usage: "start with video"},
				},
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1, "<peer-id>"); err != nil {
						return err
					}
					modality := model.ModalityVoice
					if c.Bool("video") {
						modality = model.ModalityVideo
					}
					return callAction(c, "Start", rpc.StartCallRequest{RemoteID: c.Args().First(), Modality: modality})
				},
			},
			{
				Name:  "answer",
				Usage: "Accept the incoming call",
				Action: func(c *cli.Context) error {
					return callAction(c, "Respond", rpc.RespondRequest{Accept: true})
				},
			},
			{
				Name:  "decline",
				Usage: "Decline the incoming call",
				Action: func(c *cli.Context) error {
					return callAction(c, "Respond", rpc.RespondRequest{Accept: false})
				},
			},
			{
				Name:  "cancel",
				Usage: "Cancel an outgoing call before it is answered",
				Action: func(c *cli.Context) error {
					return callAction(c, "Cancel", rpc.Empty{})
				},
			},
			{
				Name:  "end",
				Usage: "Hang up",
				Action: func(c *cli.Context) error {
					return callAction(c, "End", rpc.EndCallRequest{})
				},
			},
			{
				Name:      "switch",
				Usage:     "Switch the call between voice and video",
				ArgsUsage: "<voice|video>",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1, "<voice|video>"); err != nil {
						return err
					}
					m, err := model.ParseModality(c.Args().First())
					if err != nil {
						return err
					}
					return callAction(c, "SwitchModality", rpc.SwitchModalityRequest{Modality: m})
				},
			},
			{
				Name:  "mute",
				Usage: "Mute the microphone",
				Action: func(c *cli.Context) error {
					return callAction(c, "Mute", rpc.MuteRequest{Muted: true})
				},
			},
			{
				Name:  "unmute",
				Usage: "Unmute the microphone",
				Action: func(c *cli.Context) error {
					return callAction(c, "Mute", rpc.MuteRequest{Muted: false})
				},
			},
			{
				Name:  "camera",
				Usage: "Switch between front and back camera",
				Action: func(c *cli.Context) error {
					return callAction(c, "SwitchCamera", rpc.Empty{})
				},
			},
			{
				Name:  "show",
				Usage: "Show the current call",
				Action: func(c *cli.Context) error {
					return callAction(c, "Get", rpc.Empty{})
				},
			},
		},
	}
}

func callAction(c *cli.Context, method string, in any) error {
	var out rpc.CallResponse
	return call(c, rpc.CallsService, method, in, &out, func() {
		if !out.Active {
			fmt.Println("No active call.")
			return
		}
		info := out.Call
		fmt.Printf("Channel:  %s\n", info.ChannelID)
		fmt.Printf("With:     %s (%s)\n", info.RemoteID, info.Role)
		fmt.Printf("State:    %s\n", info.State)
		fmt.Printf("Modality: %s\n", info.Modality)
		if !info.StartedAt.IsZero() {
			fmt.Printf("Started:  %s\n", info.StartedAt.Local().Format("15:04:05"))
		}
	})
}
