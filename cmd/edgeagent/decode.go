package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/energizer-project/edgeagent/internal/protocol"
)

func decodeCmd() *cobra.Command {
	var maxPayload int

	cmd := &cobra.Command{
		Use:   "decode [frame...]",
		Short: "Decode FCS frames and print the messages",
		Long: `Decode one FCS frame per argument, or one per line of standard input
when no argument is given. Frames may carry the 6-digit length prefix.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			codec := protocol.NewCodec(maxPayload)
			out := cmd.OutOrStdout()

			if len(args) > 0 {
				for _, frame := range args {
					if err := printFrame(out, codec, frame); err != nil {
						return err
					}
				}
				return nil
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 64*1024), codec.MaxFrame())
			failed := 0
			for scanner.Scan() {
				line := strings.TrimRight(scanner.Text(), "\r")
				if line == "" {
					continue
				}
				if err := printFrame(out, codec, line); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
					failed++
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d frames could not be decoded", failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxPayload, "max-payload", protocol.DefaultMaxPayload, "Largest accepted payload in bytes")

	return cmd
}

func printFrame(out io.Writer, codec *protocol.Codec, frame string) error {
	msg, err := codec.Decode([]byte(frame))
	if err != nil {
		return fmt.Errorf("decode %q: %w", frame, err)
	}

	fmt.Fprintf(out, "type=%s(%d) from=%d to=%d arg1=%d arg2=%d\n",
		protocol.TypeName(msg.Type), msg.Type, msg.From, msg.To, msg.Arg1, msg.Arg2)

	switch {
	case !msg.Data.IsNull():
		pretty, err := json.MarshalIndent(msg.Data, "", "  ")
		if err != nil {
			return fmt.Errorf("format payload: %w", err)
		}
		fmt.Fprintf(out, "%s\n", pretty)
	case msg.HasPayload():
		fmt.Fprintf(out, "payload=%q\n", msg.Payload)
	}
	return nil
}
