package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"bizpilot/internal/agent"
	"bizpilot/internal/bus"
	"bizpilot/internal/domain"
)

// CLI is the interactive terminal front end for a single session.
type CLI struct {
	engine *agent.Engine
	events *bus.EventBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	outMu     sync.Mutex
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
	spinner   bool

	you, bot, info, warn *color.Color
}

type CLIConfig struct {
	Engine *agent.Engine
	Events *bus.EventBus // optional; used to announce titles
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
	// Spinner shows a "Thinking..." animation while a turn runs.
	Spinner bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		engine:  cfg.Engine,
		events:  cfg.Events,
		logger:  cfg.Logger.With("component", "cli"),
		in:      cfg.In,
		out:     cfg.Out,
		spinner: cfg.Spinner,
		you:     color.New(color.FgGreen, color.Bold),
		bot:     color.New(color.FgCyan, color.Bold),
		info:    color.New(color.FgYellow),
		warn:    color.New(color.FgRed),
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL until /quit, EOF, or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) error {
	if c.events != nil {
		id := c.events.OnSession(domain.EventTitleAssigned, c.engine.SessionID(), func(ev bus.Event) {
			if title, _ := ev.Payload["title"].(string); title != "" {
				c.println(c.info, "[title] "+title)
			}
		})
		defer c.events.Off(domain.EventTitleAssigned, id)
	}

	c.println(c.info, "BizPilot. Type a message and press Enter. /help lists commands, /quit exits.")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if quit := c.handleLine(ctx, line); quit {
				c.logger.Info("user requested quit")
				return nil
			}
		}
	}
}

func (c *CLI) handleLine(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if cmd := ParseCommand(line); cmd != nil {
		res := HandleCommand(ctx, c.engine, cmd)
		if res.Quit {
			return true
		}
		if res.Handled {
			if res.Response != "" {
				c.println(nil, res.Response)
			}
			return false
		}
	}

	c.startThinking()
	err := c.engine.SendMessage(ctx, line)
	c.stopThinking()

	if domain.IsValidation(err) {
		return false
	}
	if reply := lastReply(c.engine.State()); reply != nil {
		if reply.Synthetic {
			c.println(c.warn, reply.Content)
		} else {
			c.bot.Fprint(c.out, "BizPilot> ")
			c.println(nil, reply.Content)
		}
	} else if err != nil {
		c.println(c.warn, "Error: "+err.Error())
	}
	return false
}

// lastReply is the newest assistant message in the transcript.
func lastReply(st agent.State) *domain.Message {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == domain.RoleAssistant {
			m := st.Messages[i]
			return &m
		}
	}
	return nil
}

func (c *CLI) prompt() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.you.Fprint(c.out, "You> ")
}

func (c *CLI) println(col *color.Color, s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if col == nil {
		fmt.Fprintln(c.out, s)
		return
	}
	col.Fprintln(c.out, s)
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				c.outMu.Lock()
				fmt.Fprint(c.out, "\r\033[K")
				c.outMu.Unlock()
				return
			case <-ticker.C:
				c.outMu.Lock()
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				c.outMu.Unlock()
				i++
			}
		}
	}(c.thinkStop, c.thinkDone)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}
