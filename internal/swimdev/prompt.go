package swimdev

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// promptInput is where confirmations are read from.
var promptInput io.Reader = os.Stdin

// askForConfirmation prompts until the user answers. Empty input means yes,
// EOF means no.
func askForConfirmation(in io.Reader, p colorPrinter, format string, a ...any) bool {
	reader := bufio.NewReader(in)
	prompt := fmt.Sprintf("%s [Y/n]: ", fmt.Sprintf(format, a...))
	for {
		cPrintf(p, "%s", prompt)
		response, err := reader.ReadString('\n')
		response = strings.ToLower(strings.TrimSpace(response))
		switch {
		case response == "y" || response == "yes":
			return true
		case response == "n" || response == "no":
			return false
		case err != nil:
			return false
		case response == "":
			return true
		}
		cPrintf(colWarn, "Please answer yes or no.\n")
	}
}
