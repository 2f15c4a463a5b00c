package swimdev

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// pageText shows text in a scrollable view when stdout is a terminal and the
// text does not fit on one screen. Otherwise it is written to out as is.
func pageText(out io.Writer, title, text string) error {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")

	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		_, err := io.WriteString(out, strings.Join(lines, "\n")+"\n")
		return err
	}
	if _, height, err := term.GetSize(int(f.Fd())); err == nil && len(lines) <= height-2 {
		_, err := io.WriteString(out, strings.Join(lines, "\n")+"\n")
		return err
	}

	app := tview.NewApplication()

	view := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	view.SetBorder(true).SetTitle(" " + title + " ")
	// compiler diagnostics carry ANSI colours
	fmt.Fprint(tview.ANSIWriter(view), strings.Join(lines, "\n"))

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(fmt.Sprintf("[gray]%d lines. ↑/↓ PgUp/PgDn g/G to move, q or Esc to quit.[white]", len(lines)))

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(view, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				app.Stop()
				return nil
			case 'g':
				view.ScrollToBeginning()
				return nil
			case 'G':
				view.ScrollToEnd()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(layout, true).SetFocus(view).Run(); err != nil {
		return fmt.Errorf("pager failed: %w", err)
	}
	return nil
}
