package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"deepresearch/auth"
	"deepresearch/conversation"
	"deepresearch/models"
	"deepresearch/stream"
)

var (
	flagToken     string
	flagAssistant string
	flagHTTPPort  int
	flagDNSPort   int
	flagDebug     bool

	rootCmd = &cobra.Command{
		Use:   "deepresearch",
		Short: "Research assistant gateway and command-line client",
		Long: `deepresearch proxies chat turns to a research upstream, falling back
across endpoints and payload shapes, and reconciles streamed answers.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				debugMode = true
			}
		},
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and, when DNS_PORT is set, the DNS gateway",
		RunE:  runServe,
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the research upstream one question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive research conversation",
		RunE:  runChat,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Log verbose diagnostics")

	serveCmd.Flags().IntVar(&flagHTTPPort, "port", 0, "HTTP port (overrides HTTP_PORT)")
	serveCmd.Flags().IntVar(&flagDNSPort, "dns-port", -1, "DNS port, 0 disables (overrides DNS_PORT)")

	for _, cmd := range []*cobra.Command{askCmd, chatCmd} {
		cmd.Flags().StringVar(&flagToken, "token", "", "Bearer token (defaults to RESEARCH_TOKEN or a Supabase sign-in)")
		cmd.Flags().StringVar(&flagAssistant, "assistant", "", "Assistant ID (defaults to the configured default)")
	}

	rootCmd.AddCommand(serveCmd, askCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	if flagHTTPPort > 0 {
		HTTP_PORT = flagHTTPPort
	}
	if flagDNSPort >= 0 {
		DNS_PORT = flagDNSPort
	}

	if err := InitAuditDB(); err != nil {
		log.Printf("[AUDIT] Turn audit disabled: %v", err)
	}
	if err := InitializeGateway(); err != nil {
		return err
	}
	defer shutdownGateway()

	ctx, stop := signalContext()
	defer stop()

	if DNS_PORT > 0 {
		go func() {
			if err := StartDNSServer(ctx, DNS_PORT); err != nil {
				log.Printf("[DNS] Server stopped: %v", err)
			}
		}()
	}

	if HTTP_PORT <= 0 {
		<-ctx.Done()
		return nil
	}
	return StartHTTPServer(ctx, HTTP_PORT)
}

// cliTokenSource picks the bearer credential for command-line turns
func cliTokenSource() auth.TokenSource {
	if flagToken != "" {
		return auth.StaticToken(flagToken)
	}
	if token := os.Getenv("RESEARCH_TOKEN"); token != "" {
		return auth.StaticToken(token)
	}
	url, anon := os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_ANON_KEY")
	email, password := os.Getenv("SUPABASE_EMAIL"), os.Getenv("SUPABASE_PASSWORD")
	if url != "" && anon != "" && email != "" && password != "" {
		return auth.NewPasswordTokenSource(auth.NewSupabase(url, anon), email, password)
	}
	return nil
}

func cliClient() (*conversation.Client, error) {
	if err := initializeResearchClient(); err != nil {
		return nil, fmt.Errorf("research upstream is not configured: %w", err)
	}
	return conversation.NewClient(researchDispatcher, cliTokenSource(), streamOptions), nil
}

// answerPrinter renders a growing answer on a terminal. Text that extends
// what was printed is appended; anything else is printed again in full.
type answerPrinter struct {
	out     io.Writer
	printed string
}

func (p *answerPrinter) show(full string) {
	if strings.HasPrefix(full, p.printed) {
		fmt.Fprint(p.out, full[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n\n"+full)
	}
	p.printed = full
}

func (p *answerPrinter) reset() {
	p.printed = ""
}

func runAsk(cmd *cobra.Command, args []string) error {
	client, err := cliClient()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, getServiceDeadline("CLI"))
	defer cancel()

	out := cmd.OutOrStdout()
	printer := &answerPrinter{out: out}
	var buf stream.Buffer
	_, _, err = collectTurn(ctx, client, models.DispatchRequest{
		UserMessage: strings.Join(args, " "),
		AssistantID: flagAssistant,
		Platform:    "cli",
	}, func(d stream.Delta) {
		printer.show(buf.Apply(d))
	})
	fmt.Fprintln(out)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), models.UserMessage(err))
		return err
	}
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	client, err := cliClient()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	out := cmd.OutOrStdout()
	newConversation := func() *conversation.Conversation {
		c := conversation.New(client, flagAssistant)
		c.UserID = os.Getenv("USER")
		return c
	}
	conv := newConversation()
	fmt.Fprintln(out, "Deep Research chat. /new starts a new conversation, /exit quits.")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			conv = newConversation()
			fmt.Fprintln(out, "Started a new conversation.")
			continue
		}

		printer := &answerPrinter{out: out}
		turnCtx, cancel := context.WithTimeout(ctx, getServiceDeadline("CLI"))
		msg, err := conv.Send(turnCtx, line, func(m conversation.Message) {
			if m.Status == conversation.StatusStreaming || m.Status == conversation.StatusCompleted {
				printer.show(m.Content)
			}
		})
		cancel()
		if err != nil {
			printer.reset()
			fmt.Fprintln(out, "\n"+msg.Content)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		fmt.Fprintln(out)
	}
	return scanner.Err()
}
