// Command tyler-chat is an interactive chat REPL over a configured agent.
// Configuration comes from tyler.toml (see internal/config); the TYLER_CONFIG
// environment variable or -config flag names an alternate file.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/tyler-ai/tyler"
	"github.com/tyler-ai/tyler/internal/config"
	"github.com/tyler-ai/tyler/mcp"
	"github.com/tyler-ai/tyler/observer"
	"github.com/tyler-ai/tyler/provider/resolve"
	"github.com/tyler-ai/tyler/store/disk"
	"github.com/tyler-ai/tyler/store/postgres"
	"github.com/tyler-ai/tyler/store/sqlite"

	// Built-in tool modules register themselves for WithToolModule.
	_ "github.com/tyler-ai/tyler/tools/files"
	_ "github.com/tyler-ai/tyler/tools/shell"
	_ "github.com/tyler-ai/tyler/tools/web"
)

func main() {
	configPath := flag.String("config", os.Getenv("TYLER_CONFIG"), "path to tyler.toml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// 1. Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Create the provider chain: resolve, then retry, then rate limits
	llm, model, err := resolve.ModelWith(cfg.Agent.Model, resolve.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
	})
	if err != nil {
		return err
	}
	llm = tyler.WithRetry(llm, tyler.RetryLogger(logger))
	if cfg.LLM.MaxRequestsPerMinute > 0 || cfg.LLM.MaxTokensPerMinute > 0 {
		llm = tyler.WithRateLimit(llm,
			tyler.RPM(cfg.LLM.MaxRequestsPerMinute),
			tyler.TPM(cfg.LLM.MaxTokensPerMinute))
	}

	opts := []tyler.Option{
		tyler.WithName(cfg.Agent.Name),
		tyler.WithPurpose(cfg.Agent.Purpose),
		tyler.WithNotes(cfg.Agent.Notes),
		tyler.WithTemperature(cfg.Agent.Temperature),
		tyler.WithMaxToolIterations(cfg.Agent.MaxIterations),
		tyler.WithLogger(logger),
	}

	// 3. Observability
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for name, p := range cfg.Observer.Pricing {
			pricing[name] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
		llm = observer.WrapProvider(llm, inst)
		opts = append(opts, tyler.WithTracer(observer.NewTracer(observer.WithTraceURL(cfg.Observer.TraceURL))))
	}

	// 4. Create stores
	var fileStore tyler.FileStore
	if cfg.Files.Path != "" {
		fs, err := disk.New(cfg.Files.Path)
		if err != nil {
			return err
		}
		fileStore = fs
		opts = append(opts, tyler.WithFileStore(fileStore))
	}

	var store tyler.ThreadStore
	if strings.HasPrefix(cfg.Database.URL, "postgres") {
		var pgOpts []postgres.Option
		if fileStore != nil {
			pgOpts = append(pgOpts, postgres.WithFileStore(fileStore))
		}
		pg, err := postgres.Open(ctx, cfg.Database.URL, pgOpts...)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	} else {
		var sqOpts []sqlite.StoreOption
		if fileStore != nil {
			sqOpts = append(sqOpts, sqlite.WithFileStore(fileStore))
		}
		store = sqlite.New(cfg.Database.Path, sqOpts...)
	}
	if err := store.Initialize(ctx); err != nil {
		return err
	}
	opts = append(opts, tyler.WithStore(store))

	// 5. Attach MCP servers
	runner := tyler.NewToolRunner(tyler.WithToolRunnerLogger(logger))
	for _, s := range cfg.MCP.Servers {
		client, err := mcp.Connect(ctx, s.Name, s.Command, s.Args, mcp.WithEnv(s.Env), mcp.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("mcp server %q: %w", s.Name, err)
		}
		defer client.Close()
		client.RegisterTools(runner)
	}
	opts = append(opts, tyler.WithToolRunner(runner))

	// 6. Load built-in tool modules
	for _, m := range cfg.Agent.Modules {
		opts = append(opts, tyler.WithToolModule(m))
	}

	// 7. Create the agent and chat
	agent, err := tyler.New(model, llm, opts...)
	if err != nil {
		return err
	}
	return chat(ctx, agent, llm, model, store)
}

// chat runs the read-eval-print loop until EOF, interrupt, or /quit.
func chat(ctx context.Context, agent *tyler.Agent, llm tyler.Provider, model string, store tyler.ThreadStore) error {
	fmt.Fprintf(os.Stderr, "tyler-chat — model %s\n", model)
	fmt.Fprintln(os.Stderr, `Type "/new" for a new thread, "/quit" to exit.`)

	thread := tyler.NewThread()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return nil
		default:
		}

		fmt.Fprint(os.Stderr, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			thread = tyler.NewThread()
			fmt.Fprintln(os.Stderr, "started a new thread")
			continue
		}

		if err := thread.AddMessage(tyler.UserMessage(input)); err != nil {
			return err
		}

		firstTurn := thread.Title == "Untitled Thread"
		for event := range agent.GoStream(ctx, thread) {
			switch event.Type {
			case tyler.EventContentDelta:
				fmt.Print(event.Content)
			case tyler.EventToolSelected:
				fmt.Fprintf(os.Stderr, "[tool: %s]\n", event.Name)
			case tyler.EventError:
				fmt.Fprintf(os.Stderr, "error: %s\n", event.Content)
			case tyler.EventComplete:
				thread = event.Thread
			}
		}
		fmt.Println()

		if firstTurn {
			if _, err := thread.GenerateTitle(ctx, llm, model); err == nil {
				if saved, err := store.Save(ctx, thread); err == nil {
					thread = saved
				}
				fmt.Fprintf(os.Stderr, "(thread: %s)\n", thread.Title)
			}
		}
	}
}
