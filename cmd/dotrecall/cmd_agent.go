package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/dotrecall/pkg/agent"
	"github.com/dotsetgreg/dotrecall/pkg/logger"
)

func agentCmd(out io.Writer, opts *globalOptions, message, chatID string) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if err := opts.validate(cfg, false); err != nil {
		return err
	}

	// One-shot messages skip the workers; their jobs stay queued for the gateway.
	svc, err := newServices(cfg, message != "")
	if err != nil {
		return err
	}
	defer svc.Close()

	agentLoop, err := agent.NewAgentLoop(cfg, svc.bus, svc.provider, svc.memory)
	if err != nil {
		return err
	}
	defer agentLoop.Stop()
	logStartup(agentLoop)

	if message != "" {
		response, err := agentLoop.ProcessDirect(context.Background(), message, chatID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s %s\n", appName, response)
		return nil
	}

	fmt.Fprintf(out, "%s Interactive mode (Ctrl+C to exit)\n\n", appName)
	repl(out, agentLoop, chatID)
	return nil
}

func logStartup(agentLoop *agent.AgentLoop) {
	info := agentLoop.GetStartupInfo()
	fields := map[string]interface{}{
		"model":          info["model"],
		"decision_model": info["decision_model"],
	}
	if tools, ok := info["tools"].(map[string]interface{}); ok {
		fields["tools_count"] = tools["count"]
	}
	logger.InfoCF("agent", "Agent initialized", fields)
}

// lineReader abstracts readline and the plain stdin fallback.
type lineReader interface {
	ReadLine() (string, error)
	Close() error
}

type readlineReader struct{ *readline.Instance }

func (r readlineReader) ReadLine() (string, error) {
	line, err := r.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}

type stdinReader struct {
	out    io.Writer
	prompt string
	r      *bufio.Reader
}

func (s stdinReader) ReadLine() (string, error) {
	fmt.Fprint(s.out, s.prompt)
	return s.r.ReadString('\n')
}

func (s stdinReader) Close() error { return nil }

func newLineReader(out io.Writer) lineReader {
	prompt := appName + " You: "
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".dotrecall_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Readline unavailable (%v); using plain input.\n", err)
		return stdinReader{out: out, prompt: prompt, r: bufio.NewReader(os.Stdin)}
	}
	return readlineReader{rl}
}

func repl(out io.Writer, agentLoop *agent.AgentLoop, chatID string) {
	in := newLineReader(out)
	defer in.Close()

	for {
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out, "\nGoodbye!")
			return
		}
		if err != nil {
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !replyTo(out, agentLoop, chatID, line) {
			return
		}
	}
}

// replyTo answers one line of input and reports whether the session goes on.
func replyTo(out io.Writer, agentLoop *agent.AgentLoop, chatID, line string) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return true
	case "exit", "quit":
		fmt.Fprintln(out, "Goodbye!")
		return false
	}
	response, err := agentLoop.ProcessDirect(context.Background(), input, chatID)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return true
	}
	fmt.Fprintf(out, "\n%s %s\n\n", appName, response)
	return true
}
