// ABOUTME: Line sources for the REPL: a raw-mode terminal editor and a plain line scanner
// ABOUTME: Both double as the writer for device output so prompts stay intact

package repl

import (
	"bufio"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Prompter reads input lines and accepts output to show alongside them.
// ReadLine returns io.EOF when the user is done.
type Prompter interface {
	ReadLine() (string, error)
	io.Writer
}

// TerminalPrompter edits lines on a raw-mode terminal. Output written while
// a line is being edited is printed above the prompt.
type TerminalPrompter struct {
	fd    int
	state *term.State
	term  *term.Terminal
}

// NewTerminalPrompter puts in into raw mode. Close restores it.
func NewTerminalPrompter(in *os.File, out io.Writer, prompt string) (*TerminalPrompter, error) {
	fd := int(in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, prompt)
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}

	return &TerminalPrompter{fd: fd, state: state, term: t}, nil
}

func (p *TerminalPrompter) ReadLine() (string, error) { return p.term.ReadLine() }

func (p *TerminalPrompter) Write(b []byte) (int, error) { return p.term.Write(b) }

// Close restores the terminal state.
func (p *TerminalPrompter) Close() error {
	return term.Restore(p.fd, p.state)
}

// ScanPrompter reads lines from any reader, printing prompt before each.
type ScanPrompter struct {
	sc     *bufio.Scanner
	prompt string

	mu  sync.Mutex
	out io.Writer
}

// NewScanPrompter reads from in and writes prompts and output to out.
func NewScanPrompter(in io.Reader, out io.Writer, prompt string) *ScanPrompter {
	return &ScanPrompter{sc: bufio.NewScanner(in), prompt: prompt, out: out}
}

func (p *ScanPrompter) ReadLine() (string, error) {
	if p.prompt != "" {
		_, _ = p.Write([]byte(p.prompt))
	}
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}

func (p *ScanPrompter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
