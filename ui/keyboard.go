package ui

import "fmt"

// Confirm shows a prompt and waits for a single Y/N key. ESC and Ctrl+C count
// as no.
func Confirm(message string) bool {
	fmt.Fprintln(Out, okStyle.Render(message+" [y/N]"))
	DrainKeys()
	keyEvents := StartKeyEvents()
	for {
		k, ok := <-keyEvents
		if !ok {
			return false
		}
		switch k {
		case 'Y', 'y':
			return true
		case 'N', 'n', KeyEnter, KeyEsc, KeyCtrlC:
			return false
		}
	}
}
