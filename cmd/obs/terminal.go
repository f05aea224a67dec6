package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"observatorio/internal/app"
)

func stdinIsTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// terminalDialogs asks confirmations on stdin and prints notices on stderr.
// Without a terminal and without --yes every confirmation is declined.
type terminalDialogs struct {
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
	prompting bool
	colors    bool
}

func newTerminalDialogs(assumeYes bool) *terminalDialogs {
	return &terminalDialogs{
		in:        bufio.NewReader(os.Stdin),
		out:       os.Stderr,
		assumeYes: assumeYes,
		prompting: stdinIsTerminal(),
		colors:    isatty.IsTerminal(os.Stderr.Fd()),
	}
}

func (d *terminalDialogs) Confirm(ctx context.Context, p app.Prompt) (bool, error) {
	if d.assumeYes {
		return true, nil
	}
	if !d.prompting {
		fmt.Fprintf(d.out, "%s: confirmation required; rerun with --yes\n", p.Title)
		return false, nil
	}
	fmt.Fprintf(d.out, "%s\n%s [y/N] ", p.Title, p.Message)
	answer := make(chan string, 1)
	go func() {
		line, _ := d.in.ReadString('\n')
		answer <- line
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

func (d *terminalDialogs) Notify(n app.Notice) {
	msg := n.Message
	if d.colors {
		switch n.Level {
		case app.LevelSuccess:
			msg = text.FgGreen.Sprint(msg)
		case app.LevelError:
			msg = text.FgRed.Sprint(msg)
		default:
			msg = text.FgCyan.Sprint(msg)
		}
	}
	fmt.Fprintln(d.out, msg)
}

// readSecret reads a password without echo on a terminal, or a line otherwise.
func readSecret(prompt string) (string, error) {
	if stdinIsTerminal() {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return readLine("")
}

func readLine(prompt string) (string, error) {
	if prompt != "" {
		fmt.Fprint(os.Stderr, prompt)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// clearScreen redraws from the top left corner.
func clearScreen() {
	if stdoutIsTerminal() {
		fmt.Fprint(os.Stdout, "\033[H\033[2J")
	}
}
