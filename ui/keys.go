package ui

import (
	"sync"

	"github.com/eiannone/keyboard"
)

// Control runes emitted by StartKeyEvents besides printable characters.
const (
	KeyEnter     = '\n'
	KeyBackspace = '\b'
	KeyEsc       = 27
	KeyCtrlC     = 3
)

// Singleton buffered channel and one reader goroutine to avoid multiple opens
// and to make DrainKeys non-blocking.
var (
	keyCh     chan rune
	startOnce sync.Once
)

// StartKeyEvents returns a channel that emits single-key runes read without
// Enter. It initializes a single background reader the first time it is
// called. If opening the keyboard fails, an inert buffered channel is
// returned.
func StartKeyEvents() chan rune {
	startOnce.Do(func() {
		keyCh = make(chan rune, 64)
		if err := keyboard.Open(); err != nil {
			// Keyboard not available; keep a buffered channel that will never emit.
			return
		}
		go func() {
			defer keyboard.Close()
			for {
				char, key, err := keyboard.GetKey()
				if err != nil {
					close(keyCh)
					return
				}
				r, ok := keyRune(char, key)
				if !ok {
					continue
				}
				// Drop events if nobody is consuming.
				select {
				case keyCh <- r:
				default:
				}
			}
		}()
	})
	return keyCh
}

func keyRune(char rune, key keyboard.Key) (rune, bool) {
	switch key {
	case 0:
		return char, true
	case keyboard.KeySpace:
		return ' ', true
	case keyboard.KeyEnter:
		return KeyEnter, true
	case keyboard.KeyBackspace, keyboard.KeyBackspace2:
		return KeyBackspace, true
	case keyboard.KeyEsc:
		return KeyEsc, true
	case keyboard.KeyCtrlC:
		return KeyCtrlC, true
	default:
		return 0, false
	}
}

// DrainKeys consumes any immediately available keys to avoid accidental triggers.
func DrainKeys() {
	ch := StartKeyEvents()
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
