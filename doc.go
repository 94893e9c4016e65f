// Package tyler is a multi-agent orchestration runtime for building LLM agents in Go.
//
// It provides the building blocks of an agent system: a bounded tool-calling
// iteration loop, a tool registry with parallel dispatch, a named agent
// registry with delegation, a persistent thread model with attachments, and
// provider middleware for retry and rate limiting.
//
// # Quick Start
//
// Create an agent and run one conversational turn:
//
//	provider, model, err := resolve.Model("openai/gpt-4o")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	agent, err := tyler.New(model, provider,
//		tyler.WithPurpose("To help with weather questions."),
//		tyler.WithToolModule("web"),
//		tyler.WithStore(sqlite.New("tyler.db")),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	thread := tyler.NewThread()
//	thread.AddMessage(tyler.UserMessage("What's the weather in Paris?"))
//	thread, newMessages, err := agent.Go(ctx, thread)
//
// Streaming turns deliver typed events instead of a final batch:
//
//	for event := range agent.GoStream(ctx, thread) {
//		switch event.Type {
//		case tyler.EventContentDelta:
//			fmt.Print(event.Content)
//		case tyler.EventComplete:
//			thread = event.Thread
//		}
//	}
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat completions, tool calling, streaming)
//   - [ThreadStore] — thread persistence (save, get, list, find)
//   - [FileStore] — attachment content storage
//   - [Tool] — multi-tool module loaded into a [ToolRunner]
//   - [Tracer] — optional span instrumentation for LLM steps
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs), provider/resolve
// ("prefix/model" resolution). Storage: store/sqlite (local), store/postgres
// (pgx pool), store/disk (attachment files). Tools: tools/files, tools/web,
// tools/shell, plus mcp for tools served by MCP servers. Observability:
// observer (OpenTelemetry traces, metrics, logs, cost accounting).
//
// See the cmd/tyler-chat directory for a complete reference application.
package tyler
