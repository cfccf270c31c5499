package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"banto/internal/di"
	"banto/internal/dialog"
	"banto/internal/knowledge"
	"banto/internal/orchestrator"
)

type replOptions struct {
	memory       bool
	user         string
	conversation string
	authority    string
	verbose      bool
}

// newREPLCommand creates the repl subcommand: an interactive session
// against the local pipeline, no server involved.
func newREPLCommand(cli *CLI) *cobra.Command {
	opts := replOptions{}
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Talk to the pipeline interactively",
		Long: `Starts an interactive session against the local pipeline. Messages
run through the same understand, gate, execute chain the server uses;
teach facts with "remember: <topic> = <fact>" and they persist in the
configured stores unless --memory is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runREPL(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.memory, "memory", false, "in-memory stores, nothing persists")
	cmd.Flags().StringVar(&opts.user, "user", defaultUser(), "user id for the session")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "repl", "conversation id for the session")
	cmd.Flags().StringVar(&opts.authority, "authority", "USER", "authority rank: SYSTEM, USER, MANAGER, CEO")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "structured logs to stderr")

	return cmd
}

func (cli *CLI) runREPL(opts replOptions) error {
	if _, err := knowledge.ParseAuthority(opts.authority); err != nil {
		return err
	}
	authority := strings.ToUpper(strings.TrimSpace(opts.authority))

	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	logOut := io.Writer(io.Discard)
	if opts.verbose || cli.debug {
		logOut = os.Stderr
	}

	container, err := di.BuildContainer(cfg, di.Options{
		Version:   Version,
		InMemory:  opts.memory,
		LogOutput: logOut,
	})
	if err != nil {
		return err
	}
	defer shutdownQuietly(container)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interactive := isTTY()
	if interactive {
		printWelcome(opts)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if interactive {
			fmt.Print(bold(opts.user + "> "))
		}
		select {
		case <-ctx.Done():
			if interactive {
				fmt.Println()
				fmt.Println(gray("interrupted"))
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				if interactive {
					fmt.Println()
				}
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if strings.HasPrefix(text, "/") {
				done, err := cli.replCommand(ctx, container, &opts, &authority, text)
				if err != nil {
					fmt.Printf("%s %v\n", red("✖"), err)
				}
				if done {
					return nil
				}
				continue
			}

			resp, err := container.Orchestrator.Process(ctx, orchestrator.Inbound{
				ConversationID: opts.conversation,
				UserID:         opts.user,
				Text:           text,
				Authority:      authority,
			})
			if err != nil {
				fmt.Printf("%s %v\n", red("✖"), err)
				continue
			}
			printResponse(resp)
		}
	}
}

func printWelcome(opts replOptions) {
	fmt.Printf("%s %s\n", bold("banto"), gray(Version))
	mode := "persistent stores"
	if opts.memory {
		mode = "in-memory, nothing persists"
	}
	fmt.Printf("%s user=%s conversation=%s authority=%s (%s)\n",
		gray("·"), cyan(opts.user), cyan(opts.conversation), cyan(opts.authority), mode)
	fmt.Printf("%s type a message; %s for commands, %s to leave\n\n",
		gray("·"), bold("/help"), bold("/quit"))
}

// replCommand handles the slash commands. Returns done=true on quit.
func (cli *CLI) replCommand(ctx context.Context, container *di.Container, opts *replOptions, authority *string, text string) (bool, error) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		fmt.Println(gray("bye"))
		return true, nil

	case "/help":
		fmt.Println(bold("Commands:"))
		fmt.Println("  /state            show the conversation state")
		fmt.Println("  /authority RANK   switch rank: SYSTEM, USER, MANAGER, CEO")
		fmt.Println("  /stop on|off      flip the emergency stop")
		fmt.Println("  /quit             leave")
		return false, nil

	case "/state":
		state, err := container.Orchestrator.State(ctx, opts.conversation, opts.user)
		if err != nil {
			return false, err
		}
		printState(state)
		return false, nil

	case "/authority":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /authority SYSTEM|USER|MANAGER|CEO")
		}
		if _, err := knowledge.ParseAuthority(fields[1]); err != nil {
			return false, err
		}
		*authority = strings.ToUpper(fields[1])
		fmt.Printf("%s speaking as %s now\n", green("✔"), bold(*authority))
		return false, nil

	case "/stop":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, fmt.Errorf("usage: /stop on|off")
		}
		runtime := container.Runtime.SetEmergencyStop(fields[1] == "on")
		if runtime.EmergencyStop {
			fmt.Printf("%s emergency stop engaged: every action blocks\n", red("■"))
		} else {
			fmt.Printf("%s emergency stop released\n", green("✔"))
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
}

func printResponse(resp orchestrator.Response) {
	switch {
	case resp.Duplicate:
		fmt.Println(gray("(duplicate message ignored)"))
	case resp.AwaitingConfirmation:
		fmt.Printf("%s %s\n", yellow("?"), resp.Message)
	case resp.ErrorKind != "" && !resp.Success:
		fmt.Printf("%s %s %s\n", red("✖"), resp.Message, gray("("+resp.ErrorKind+")"))
	case resp.ActionTaken != "":
		fmt.Printf("%s %s %s\n", green("✔"), resp.Message, gray("["+resp.ActionTaken+"]"))
	default:
		fmt.Printf("%s %s\n", blue("▸"), resp.Message)
	}
	if resp.NewState != "" && resp.NewState != string(dialog.StateNormal) {
		fmt.Println(gray("  [state: " + resp.NewState + "]"))
	}
}

func printState(state dialog.ConversationState) {
	if state.Type == dialog.StateNormal {
		fmt.Printf("%s %s\n", gray("state:"), "NORMAL (nothing pending)")
		return
	}
	fmt.Printf("%s %s  %s %s  %s %d\n",
		gray("state:"), bold(string(state.Type)),
		gray("step:"), state.Step,
		gray("retries:"), state.RetryCount)
	if !state.ExpiresAt.IsZero() {
		fmt.Printf("%s %s (%s)\n", gray("expires:"),
			state.ExpiresAt.Format(time.RFC3339),
			time.Until(state.ExpiresAt).Round(time.Second))
	}
	if pending := state.Payload.Pending; pending != nil && pending.Action != "" {
		fmt.Printf("%s %s\n", gray("pending:"), pending.Action)
	}
	if state.Payload.Prompt != "" {
		fmt.Printf("%s %s\n", gray("prompt:"), state.Payload.Prompt)
	}
	if len(state.Payload.Options) > 0 {
		fmt.Printf("%s %s\n", gray("options:"), strings.Join(state.Payload.Options, " / "))
	}
}

// runSingleMessage processes one message against the configured stores
// and prints the reply, the non-interactive analogue of the repl.
func (cli *CLI) runSingleMessage(text string) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	container, err := di.BuildContainer(cfg, di.Options{Version: Version, LogOutput: io.Discard})
	if err != nil {
		return err
	}
	defer shutdownQuietly(container)

	resp, err := container.Orchestrator.Process(context.Background(), orchestrator.Inbound{
		ConversationID: "cli",
		UserID:         defaultUser(),
		Text:           text,
	})
	if err != nil {
		return err
	}
	printResponse(resp)
	return nil
}

func shutdownQuietly(container *di.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := container.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}
