package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/ui"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
)

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var yes, plain bool
	cmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Upload a firmware image to the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			payload, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			name := filepath.Base(path)
			interactive := !plain && term.IsTerminal(os.Stdout.Fd())

			if !yes && interactive {
				if !ui.Confirm(fmt.Sprintf("Upload %s (%d bytes) to the device?", name, len(payload))) {
					ui.Warningf("upload cancelled\n")
					return nil
				}
			}

			opts.log.Debug().Str("image", path).Int("bytes", len(payload)).Msg("uploading")
			if interactive {
				err = uploadWithProgressBar(cmd.Context(), opts.client, name, payload)
			} else {
				err = opts.client.Upload(cmd.Context(), payload, func(p models.UploadProgress) {
					ui.PrintProgressLine(p, len(payload))
				})
				fmt.Fprintln(ui.Out)
			}
			if err != nil {
				return err
			}
			ui.Greenf("%s uploaded (%d bytes)\n", name, len(payload))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&plain, "plain", false, "plain progress lines instead of the progress bar")
	return cmd
}

type progressMsg models.UploadProgress

type uploadDoneMsg struct{ err error }

// uploadModel renders the progress bar while Client.Upload runs.
type uploadModel struct {
	name   string
	total  int
	bar    progress.Model
	pct    float64
	err    error
	cancel context.CancelFunc
}

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))

func newUploadModel(name string, total int, cancel context.CancelFunc) uploadModel {
	return uploadModel{
		name:   name,
		total:  total,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		cancel: cancel,
	}
}

func (m uploadModel) Init() tea.Cmd { return nil }

func (m uploadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			// Keep running until the upload goroutine reports back.
			m.cancel()
		}
	case tea.WindowSizeMsg:
		w := msg.Width - 4
		if w > 80 {
			w = 80
		}
		if w > 10 {
			m.bar.Width = w
		}
	case progressMsg:
		m.pct = msg.Progress
	case uploadDoneMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m uploadModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Uploading "+m.name) + "\n\n")
	b.WriteString("  " + m.bar.ViewAs(m.pct) + "\n")
	b.WriteString(fmt.Sprintf("  %d/%d bytes\n", int(m.pct*float64(m.total)), m.total))
	return b.String()
}

func uploadWithProgressBar(ctx context.Context, c *Client, name string, payload []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newUploadModel(name, len(payload), cancel))
	go func() {
		err := c.Upload(ctx, payload, func(u models.UploadProgress) {
			p.Send(progressMsg(u))
		})
		p.Send(uploadDoneMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress display: %w", err)
	}
	return final.(uploadModel).err
}
