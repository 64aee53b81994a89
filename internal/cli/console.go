package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/ui"
	"github.com/charmbracelet/x/term"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newConsoleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Open an interactive console on the device (Esc to quit)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			conn, err := opts.client.Dial(ctx, "/serial")
			if err != nil {
				return err
			}
			defer conn.Close()

			recvErr := make(chan error, 1)
			go func() { recvErr <- printConsole(conn, cmd.OutOrStdout()) }()

			lines := make(chan string)
			if term.IsTerminal(os.Stdin.Fd()) {
				go readKeys(ctx, lines)
			} else {
				go readLines(ctx, cmd.InOrStdin(), lines)
			}

			for {
				select {
				case err := <-recvErr:
					return err
				case line, ok := <-lines:
					if !ok {
						_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
						return nil
					}
					if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
						return fmt.Errorf("send: %w", err)
					}
				}
			}
		},
	}
}

// printConsole writes device output to out and renders structured events
// until the socket closes.
func printConsole(conn *websocket.Conn, out io.Writer) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Text != "" {
				return fmt.Errorf("console closed: %s", ce.Text)
			}
			return fmt.Errorf("console closed: %w", err)
		}
		if mt == websocket.BinaryMessage {
			_, _ = out.Write(data)
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			_, _ = out.Write(data)
			continue
		}
		if err := renderEvent(ev); err != nil {
			return err
		}
	}
}

func renderEvent(ev models.Event) error {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	switch ev.Type {
	case models.EventMetrics:
		var rec models.MetricsRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		fmt.Fprintln(ui.Out)
		ui.PrintMetrics(rec)
	case models.EventError:
		var e models.ErrorData
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		ui.Errorf("\n%s\n", e.Error)
	}
	return nil
}

// readKeys builds lines from raw key presses, echoing locally. Enter sends
// the line; Esc or Ctrl+C closes the channel.
func readKeys(ctx context.Context, lines chan<- string) {
	defer close(lines)
	keys := ui.StartKeyEvents()
	var buf []rune
	for {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-keys:
			if !ok {
				return
			}
			switch k {
			case ui.KeyEsc, ui.KeyCtrlC:
				return
			case ui.KeyEnter:
				fmt.Fprint(ui.Out, "\r\n")
				select {
				case lines <- string(buf) + "\n":
				case <-ctx.Done():
					return
				}
				buf = buf[:0]
			case ui.KeyBackspace:
				if len(buf) > 0 {
					buf = buf[:len(buf)-1]
					fmt.Fprint(ui.Out, "\b \b")
				}
			default:
				buf = append(buf, k)
				fmt.Fprint(ui.Out, string(k))
			}
		}
	}
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case lines <- sc.Text() + "\n":
		case <-ctx.Done():
			return
		}
	}
}
