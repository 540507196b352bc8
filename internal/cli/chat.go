package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/harun/keel/pkg/agent"
	"github.com/harun/keel/pkg/commandqueue"
	"github.com/spf13/cobra"
)

var chatResumeID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Long: `Start an interactive session. Messages typed while a turn is running are
queued and run as new turns of the same session.

Commands:
  /resume <id>  continue a stored session
  /new          start a new session with the next message
  /session      print the current session id
  /quit         leave`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatResumeID, "resume", "", "session id to resume")
	rootCmd.AddCommand(chatCmd)
}

// chatCommand is a parsed slash command.
type chatCommand struct {
	name string
	arg  string
}

// parseChatCommand recognizes lines starting with a slash.
func parseChatCommand(line string) (chatCommand, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return chatCommand{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return chatCommand{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := &lockedWriter{w: cmd.OutOrStdout()}
	loop, err := a.loop(ctx, out)
	if err != nil {
		return err
	}

	queue := commandqueue.New(a.logger)
	defer queue.Close()

	sess := agent.NewSession(loop, queue, "")
	defer sess.Close()

	c := &chat{sess: sess, out: out}
	if chatResumeID != "" {
		if err := c.resume(ctx, chatResumeID); err != nil {
			return err
		}
	}
	return c.serve(ctx, cmd.InOrStdin())
}

type chat struct {
	sess    *agent.Session
	out     io.Writer
	pending sync.WaitGroup
}

func (c *chat) serve(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.pending.Wait()
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether the chat should end.
func (c *chat) handle(ctx context.Context, line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	cmd, ok := parseChatCommand(line)
	if !ok {
		c.submit(ctx, line)
		return false
	}

	switch cmd.name {
	case "quit", "exit":
		return true
	case "new":
		c.sess.Reset()
		fmt.Fprintln(c.out, "next message starts a new session")
	case "session":
		if id := c.sess.ID(); id != "" {
			fmt.Fprintln(c.out, id)
		} else {
			fmt.Fprintln(c.out, "no session yet")
		}
	case "resume":
		if cmd.arg == "" {
			fmt.Fprintln(c.out, "usage: /resume <session-id>")
			return false
		}
		if err := c.resume(ctx, cmd.arg); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	default:
		fmt.Fprintf(c.out, "unknown command: /%s\n", cmd.name)
	}
	return false
}

func (c *chat) resume(ctx context.Context, id string) error {
	state, err := c.sess.SwitchTo(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, state.Describe())
	return nil
}

func (c *chat) submit(ctx context.Context, msg string) {
	if n := c.sess.Pending(); n > 0 {
		fmt.Fprintf(c.out, "(queued behind %d message(s))\n", n)
	}
	ch, err := c.sess.SubmitAsync(ctx, msg)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		res := <-ch
		out, _ := res.Value.(*agent.Output)
		switch {
		case res.Err != nil && errors.Is(res.Err, context.Canceled):
		case res.Err != nil:
			fmt.Fprintf(c.out, "error: %v\n", res.Err)
		case out != nil:
			fmt.Fprintln(c.out, out.Result)
		}
	}()
}

// lockedWriter serializes writes from the reply goroutines and the observer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
