// Package platform assembles the conversation engine from configuration:
// model providers, the credit ledger, cost rates, tools, the vector store
// and the maintenance sweeper.
package platform

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skeedo-sys/platform/internal/chat"
	"github.com/skeedo-sys/platform/internal/cost"
	"github.com/skeedo-sys/platform/internal/credit"
	"github.com/skeedo-sys/platform/internal/embedding"
	"github.com/skeedo-sys/platform/internal/generation"
	"github.com/skeedo-sys/platform/internal/maintenance"
	"github.com/skeedo-sys/platform/internal/observability"
	"github.com/skeedo-sys/platform/internal/provider"
	"github.com/skeedo-sys/platform/internal/tool"
	"github.com/skeedo-sys/platform/pkg/config"
	"github.com/skeedo-sys/platform/pkg/vectorstore"
)

// App is the assembled conversation engine.
type App struct {
	Config     *config.Config
	Providers  *provider.Registry
	Ledger     credit.Ledger
	Costs      *cost.Calculator
	Tools      *tool.Registry
	Store      vectorstore.Store
	Embeddings embedding.Service
	Ingestor   *embedding.Ingestor
	Sweeper    *maintenance.Sweeper
	Recorder   generation.Recorder

	// Conversations persists conversation trees between sessions. Redis
	// backed when redis is configured, file backed otherwise.
	Conversations chat.Store

	// Images resolves stored image attachments for model input. File
	// storage lives outside the engine, so the serving layer injects
	// its own implementation; sessions skip image blocks while unset.
	Images generation.ImageSource

	redisClient *redis.Client
}

// New builds an App from validated configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	app := &App{Config: cfg}

	// Providers
	app.Providers = provider.NewRegistry()
	var openaiOpts []provider.OpenAIOption
	if cfg.Generation.RateLimit > 0 {
		burst := cfg.Generation.RateBurst
		if burst <= 0 {
			burst = 1
		}
		openaiOpts = append(openaiOpts, provider.WithRateLimit(cfg.Generation.RateLimit, burst))
	}
	app.Providers.Register(provider.NewOpenAIProvider(cfg.OpenAIKey, openaiOpts...))
	for model, providerName := range cfg.Models {
		if err := app.Providers.Bind(model, providerName); err != nil {
			return nil, err
		}
	}

	// Credit ledger
	if cfg.Redis.Addr != "" {
		ledger, err := credit.NewRedisLedger(credit.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting ledger: %w", err)
		}
		app.Ledger = ledger
		app.redisClient = ledger.Client()
	} else {
		log.Println("no redis configured, using in-memory credit ledger")
		app.Ledger = credit.NewMemoryLedger()
	}

	// Cost rates
	app.Costs = cost.NewCalculator(cfg.Rates, cfg.Multipliers)

	// Vector store
	store, err := vectorstore.Open(ctx, vectorstore.Config{
		Provider:        cfg.VectorProvider,
		ProjectID:       cfg.GCPProject,
		CredentialsFile: cfg.GCPCredentials,
		Collection:      cfg.VectorConfig["collection"],
	})
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	app.Store = store

	// Embeddings and ingestion
	app.Embeddings = embedding.NewOpenAIService(cfg.OpenAIKey, cfg.EmbeddingModel, app.Costs)
	app.Ingestor = embedding.NewIngestor(app.Embeddings, app.Store)

	// Tools
	app.Tools = tool.NewRegistry()
	app.Tools.Register(tool.NewKnowledgeSearchTool(app.Embeddings, app.Store))
	if app.redisClient != nil {
		app.Tools.Register(tool.NewSaveMemoryTool(app.redisClient))
		app.Tools.Register(tool.NewGetMemoryTool(app.redisClient))
	}

	// Conversation persistence
	if app.redisClient != nil {
		app.Conversations = chat.NewRedisStore(app.redisClient, 0)
	} else {
		dir := ""
		if cfg.DataDir != "" {
			dir = filepath.Join(cfg.DataDir, "conversations")
		}
		convStore, err := chat.NewFileStore(dir)
		if err != nil {
			return nil, fmt.Errorf("opening conversation store: %w", err)
		}
		app.Conversations = convStore
	}

	// Maintenance
	staleAfter, err := time.ParseDuration(cfg.Maintenance.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("invalid stale_after: %w", err)
	}
	app.Sweeper = maintenance.NewSweeper(app.Ledger, staleAfter)

	// LLM observability
	if lf := observability.NewLangfuseFromEnv(); lf.Enabled() {
		app.Recorder = &langfuseRecorder{client: lf}
		log.Println("langfuse generation tracking enabled")
	}

	return app, nil
}

// Deps returns the shared dependencies for generation sessions.
func (a *App) Deps() generation.Deps {
	return generation.Deps{
		Providers: a.Providers,
		Ledger:    a.Ledger,
		Costs:     a.Costs,
		Tools:     a.Tools,
		Images:    a.Images,
		Recorder:  a.Recorder,
		Tracker:   a.Sweeper,
	}
}

// Generate starts a generation session answering userMessage on the tree.
// The caller consumes session.Events() while Run streams.
func (a *App) Generate(tree *chat.Tree, userMessage *chat.Message, assistant *chat.Assistant, model string) (*generation.Session, error) {
	if model == "" {
		model = a.Config.DefaultModel
	}
	return generation.NewSession(a.Deps(), generation.Params{
		Tree:          tree,
		UserMessage:   userMessage,
		Assistant:     assistant,
		Model:         model,
		MaxToolRounds: a.Config.Generation.MaxToolRounds,
		EventBuffer:   a.Config.Generation.EventBuffer,
	})
}

// SaveConversation persists the tree's conversation and messages.
func (a *App) SaveConversation(ctx context.Context, tree *chat.Tree) error {
	return chat.SaveTree(ctx, a.Conversations, tree)
}

// LoadConversation rebuilds a stored conversation tree.
func (a *App) LoadConversation(ctx context.Context, conversationID string) (*chat.Tree, error) {
	return chat.LoadTree(ctx, a.Conversations, conversationID)
}

// StartMaintenance begins scheduled stale-generation sweeps.
func (a *App) StartMaintenance() error {
	return a.Sweeper.Start(a.Config.Maintenance.Schedule)
}

// Close releases the App's external connections.
func (a *App) Close() error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}

	var firstErr error
	if a.Conversations != nil {
		if err := a.Conversations.Close(); err != nil {
			firstErr = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if closer, ok := a.Ledger.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// langfuseRecorder adapts the Langfuse client to the session Recorder.
type langfuseRecorder struct {
	client *observability.LangfuseClient
}

func (r *langfuseRecorder) RecordGeneration(ctx context.Context, rec generation.Record) {
	gen := observability.Generation{
		ID:        rec.MessageID,
		Name:      "chat-generation",
		TraceID:   rec.ConversationID,
		StartTime: rec.Started,
		EndTime:   rec.Ended,
		Model:     rec.Model,
		Usage: &observability.LangfuseUsage{
			PromptTokens:     rec.InputTokens,
			CompletionTokens: rec.OutputTokens,
			TotalCost:        rec.Cost,
		},
		Metadata: map[string]any{
			"workspace_id": rec.WorkspaceID,
			"status":       rec.Status,
		},
	}
	if rec.Status != "completed" {
		gen.Level = "WARNING"
		gen.StatusMessage = rec.Status
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.client.TrackGeneration(ctx, gen); err != nil {
			log.Printf("langfuse: %v", err)
		}
	}()
}
