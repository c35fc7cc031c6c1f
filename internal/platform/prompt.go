package platform

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/tavinathanson/taviblock/internal/domain"
)

// promptKeys maps the single keystrokes the notification accepts to the
// choice they represent.
var promptKeys = map[byte]domain.PromptChoice{
	'1': domain.PromptExtend5,
	'2': domain.PromptExtend30,
	'3': domain.PromptLetClose,
}

// PromptUser shows the extend-or-close notification on the controlling
// terminal and blocks for a single keystroke, timeout, or context
// cancellation, whichever comes first. Any of the latter two resolve to
// PromptLetClose, the conservative default: on ambiguity, let the session
// end on schedule rather than silently granting an extension.
func (a *Adapter) PromptUser(ctx context.Context, sessionID int64, choices []domain.PromptChoice, timeout time.Duration) (domain.PromptChoice, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return domain.PromptLetClose, nil
	}

	printPromptBanner(sessionID, choices)

	state, err := term.MakeRaw(fd)
	if err != nil {
		return domain.PromptLetClose, fmt.Errorf("platform: entering raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	keyCh := make(chan byte, 1)
	go func() {
		buf := make([]byte, 1)
		if n, _ := os.Stdin.Read(buf); n == 1 {
			keyCh <- buf[0]
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		fmt.Print("\r\n")
		return domain.PromptLetClose, nil
	case <-timer.C:
		fmt.Print("\r\nNo response, letting session close as scheduled.\r\n")
		return domain.PromptLetClose, nil
	case b := <-keyCh:
		fmt.Print("\r\n")
		choice, ok := promptKeys[b]
		if !ok || !choiceAllowed(choice, choices) {
			return domain.PromptLetClose, nil
		}
		return choice, nil
	}
}

func choiceAllowed(choice domain.PromptChoice, allowed []domain.PromptChoice) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, c := range allowed {
		if c == choice {
			return true
		}
	}
	return false
}

func printPromptBanner(sessionID int64, choices []domain.PromptChoice) {
	fmt.Print("\r\n============================================================\r\n")
	fmt.Print("TAVIBLOCK NOTIFICATION\r\n")
	fmt.Print("============================================================\r\n\r\n")
	fmt.Printf("Session %d is about to close.\r\n\r\n", sessionID)
	fmt.Print("Choose an option:\r\n\r\n")
	fmt.Print("  [1] Extend 5 minutes\r\n")
	fmt.Print("  [2] Extend 30 minutes\r\n")
	fmt.Print("  [3] Let it close (default)\r\n\r\n")
}
