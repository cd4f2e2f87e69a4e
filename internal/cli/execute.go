package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fireflyresearch/firefly-desk/internal/config"
	"github.com/fireflyresearch/firefly-desk/internal/logger"
	"github.com/fireflyresearch/firefly-desk/internal/metrics"
	"github.com/fireflyresearch/firefly-desk/internal/observability"
	"github.com/fireflyresearch/firefly-desk/internal/tracing"
	"github.com/fireflyresearch/firefly-desk/pkg/authresolver"
	"github.com/fireflyresearch/firefly-desk/pkg/catalog"
	"github.com/fireflyresearch/firefly-desk/pkg/toolexecutor"
)

var (
	executeCatalog      string
	executeUser         string
	executeConversation string
	executeSequential   bool
)

var executeCmd = &cobra.Command{
	Use:   "execute <calls-file>",
	Short: "Execute a batch of tool calls",
	Long: `Execute a batch of tool calls described in a JSON file.

The file holds an array of calls:

  [{"call_id": "c1", "tool_name": "listOrders", "endpoint_id": "crm.orders.list",
    "arguments": {"query": {"status": "open"}}}]

Calls are classified into batches (reads together, conflicting writes
serialized per system) and results are printed to stdout as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().StringVar(&executeCatalog, "catalog", "", "catalog file (overrides config)")
	executeCmd.Flags().StringVar(&executeUser, "user", "", "user id recorded as the audit actor")
	executeCmd.Flags().StringVar(&executeConversation, "conversation", "", "conversation id recorded in the audit trail")
	executeCmd.Flags().BoolVar(&executeSequential, "sequential", false, "run calls one at a time in submission order")
	rootCmd.AddCommand(executeCmd)
}

// callRequest is the wire form of one tool call in the input file
type callRequest struct {
	CallID     string                 `json:"call_id"`
	ToolName   string                 `json:"tool_name"`
	EndpointID string                 `json:"endpoint_id"`
	Arguments  map[string]interface{} `json:"arguments"`
}

func runExecute(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.NewValidator().ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	if err := tracing.InitOpenTelemetry("fireflydesk"); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	catalogFile := executeCatalog
	if catalogFile == "" {
		catalogFile = cfg.Catalog.File
	}
	if catalogFile == "" {
		return fmt.Errorf("no catalog file configured (set catalog.file or pass --catalog)")
	}

	store, err := catalog.LoadFile(catalogFile)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	systems, endpoints := store.Size()
	log.Info().
		Str("file", catalogFile).
		Int("systems", systems).
		Int("endpoints", endpoints).
		Msg("Catalog loaded")

	calls, err := readCalls(args[0])
	if err != nil {
		return err
	}

	if cfg.Audit.File != "" {
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	audit := observability.GetAuditLogger()
	defer audit.Close()

	resolver := authresolver.New(store)
	resolver.SetHTTPClient(&http.Client{
		Timeout: time.Duration(cfg.Executor.TokenTimeoutSeconds) * time.Second,
	})
	executor := toolexecutor.NewWithLimit(store, resolver, audit, int64(cfg.Executor.MaxParallel))

	m := metrics.NewMetrics()
	resolver.SetMetrics(m)
	executor.SetMetrics(m)
	if cfg.Metrics.Enabled {
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, m.Handler()); err != nil {
				log.Error().Err(err).Str("listen", cfg.Metrics.Listen).Msg("Metrics endpoint failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity := toolexecutor.Identity{
		UserID:         executeUser,
		ConversationID: executeConversation,
	}

	var results []toolexecutor.ToolResult
	if executeSequential {
		results = executor.ExecuteSequential(ctx, identity, calls)
	} else {
		results = executor.ExecuteParallel(ctx, identity, calls)
	}

	encoded, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

	return nil
}

// readCalls parses the input file into tool calls
func readCalls(path string) ([]toolexecutor.ToolCall, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calls file: %w", err)
	}

	var requests []callRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		return nil, fmt.Errorf("failed to parse calls file: %w", err)
	}

	calls := make([]toolexecutor.ToolCall, 0, len(requests))
	for _, req := range requests {
		if req.EndpointID == "" {
			return nil, fmt.Errorf("call %q has no endpoint_id", req.ToolName)
		}
		calls = append(calls, toolexecutor.CallFromArguments(req.CallID, req.ToolName, req.EndpointID, req.Arguments))
	}

	return calls, nil
}
