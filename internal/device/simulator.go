// ABOUTME: In-process stand-in for the crow used by the simulate command and tests
// ABOUTME: Parses host writes back into commands and answers through a Responder

package device

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// CommandKind is the framing a command arrived in.
type CommandKind int

const (
	KindPlain CommandKind = iota
	KindDelimited
	KindScript
)

func (k CommandKind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindDelimited:
		return "delimited"
	case KindScript:
		return "script"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is one unframed host write.
type Command struct {
	Kind CommandKind
	Text string
}

// Responder produces the lines the simulated device prints for a command.
type Responder func(Command) []string

// EchoResponder prints commands back and acknowledges scripts.
func EchoResponder(cmd Command) []string {
	if cmd.Kind == KindScript {
		return []string{fmt.Sprintf("script uploaded (%d bytes)", len(cmd.Text))}
	}
	return strings.Split(cmd.Text, "\n")
}

// FixedResponder answers every command with reply.
func FixedResponder(reply string) Responder {
	return func(Command) []string { return []string{reply} }
}

// SilentResponder never answers.
func SilentResponder(Command) []string { return nil }

// Simulator is an io.ReadWriteCloser that behaves like the device. Bytes
// written to it are parsed as commands; replies become readable.
type Simulator struct {
	respond Responder

	hostR *io.PipeReader
	devW  *io.PipeWriter
	devR  *io.PipeReader
	hostW *io.PipeWriter

	replies chan string

	mu       sync.Mutex
	commands []Command

	done      chan struct{}
	closeOnce sync.Once
}

// NewSimulator starts a simulated device.
func NewSimulator(respond Responder) *Simulator {
	if respond == nil {
		respond = EchoResponder
	}
	s := &Simulator{
		respond: respond,
		replies: make(chan string, 256),
		done:    make(chan struct{}),
	}
	s.hostR, s.devW = io.Pipe()
	s.devR, s.hostW = io.Pipe()

	go s.run()
	go s.reply()
	return s
}

func (s *Simulator) Read(p []byte) (int, error)  { return s.hostR.Read(p) }
func (s *Simulator) Write(p []byte) (int, error) { return s.hostW.Write(p) }

// Close stops the simulated device. Pending reads return an error.
func (s *Simulator) Close() error {
	s.closeOnce.Do(func() {
		_ = s.hostW.Close()
		_ = s.hostR.Close()
		<-s.done
	})
	return nil
}

// Commands returns the commands received so far.
func (s *Simulator) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

func (s *Simulator) run() {
	defer close(s.done)
	defer close(s.replies)

	sc := bufio.NewScanner(s.devR)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var p commandParser
	for sc.Scan() {
		cmd, ok := p.feed(sc.Text())
		if !ok {
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		for _, line := range s.respond(cmd) {
			s.replies <- line
		}
	}
}

func (s *Simulator) reply() {
	for line := range s.replies {
		if _, err := io.WriteString(s.devW, line+"\n"); err != nil {
			break
		}
	}
	for range s.replies {
	}
	_ = s.devW.Close()
}

// commandParser reassembles commands from newline-split host output.
// Delimited blocks and scripts may span several lines.
type commandParser struct {
	open    bool
	kind    CommandKind
	pending strings.Builder
}

func (p *commandParser) feed(line string) (Command, bool) {
	if p.open {
		end := delimiter
		if p.kind == KindScript {
			end = scriptEnd
		}
		if strings.HasSuffix(line, end) {
			p.pending.WriteString(strings.TrimSuffix(line, end))
			cmd := Command{Kind: p.kind, Text: p.pending.String()}
			p.open = false
			p.pending.Reset()
			return cmd, true
		}
		p.pending.WriteString(line)
		p.pending.WriteString("\n")
		return Command{}, false
	}

	switch {
	case strings.HasPrefix(line, scriptStart):
		return p.start(KindScript, strings.TrimPrefix(line, scriptStart), scriptEnd)
	case strings.HasPrefix(line, delimiter):
		return p.start(KindDelimited, strings.TrimPrefix(line, delimiter), delimiter)
	default:
		return Command{Kind: KindPlain, Text: line}, true
	}
}

func (p *commandParser) start(kind CommandKind, body, end string) (Command, bool) {
	if strings.HasSuffix(body, end) {
		return Command{Kind: kind, Text: strings.TrimSuffix(body, end)}, true
	}
	p.open = true
	p.kind = kind
	p.pending.WriteString(body)
	p.pending.WriteString("\n")
	return Command{}, false
}
