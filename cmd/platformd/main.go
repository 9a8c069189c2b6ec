// Command platformd runs the conversation engine daemon and its
// operational subcommands.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	platform "github.com/skeedo-sys/platform"
	"github.com/skeedo-sys/platform/internal/chat"
	"github.com/skeedo-sys/platform/internal/observability"
	"github.com/skeedo-sys/platform/pkg/config"
	pkgobs "github.com/skeedo-sys/platform/pkg/observability"
	"github.com/skeedo-sys/platform/pkg/vectorstore"
)

// Version is set via ldflags.
var Version = "dev"

var configFile string

func main() {
	root := &cobra.Command{
		Use:          "platformd",
		Short:        "Multi-tenant AI conversation engine",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", envOr("CONFIG_FILE", "config/platform.yaml"), "configuration file")

	root.AddCommand(serveCmd(), ingestCmd(), searchCmd(), balanceCmd(), conversationsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadApp(ctx context.Context) (*platform.App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	return platform.New(ctx, cfg)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with metrics, health and maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Printf("Starting platformd v%s", Version)

			if err := observability.InitTracingFromEnv(); err != nil {
				return err
			}
			pkgobs.InitMetrics()

			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Printf("closing app: %v", err)
				}
			}()

			checker := pkgobs.InitHealthChecker()
			checker.RegisterCheck(pkgobs.VectorStoreCheck(func(ctx context.Context) error {
				_, err := app.Store.Search(ctx, nil, nil, 1)
				return err
			}))
			checker.RegisterCheck(pkgobs.RedisCheck(func(ctx context.Context) error {
				_, err := app.Ledger.Balance(ctx, "healthcheck")
				return err
			}))

			if err := app.StartMaintenance(); err != nil {
				return fmt.Errorf("starting maintenance: %w", err)
			}

			obsServer := pkgobs.NewServer(app.Config.MetricsPort)
			errChan := make(chan error, 1)
			go func() {
				log.Printf("Serving health and metrics on :%d", app.Config.MetricsPort)
				if err := obsServer.Start(); err != nil {
					errChan <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errChan:
				log.Printf("server error: %v", err)
			case <-quit:
				log.Println("Shutting down...")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := obsServer.Shutdown(ctx); err != nil {
				log.Printf("server shutdown: %v", err)
			}
			if err := observability.ShutdownTracing(ctx); err != nil {
				log.Printf("tracing shutdown: %v", err)
			}

			log.Println("Stopped")
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	var workspace, assistant string
	cmd := &cobra.Command{
		Use:   "ingest <unit-id> <file>",
		Short: "Embed a data unit file into the vector store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			namespace, err := resolveNamespace(workspace, assistant)
			if err != nil {
				return err
			}

			cost, err := app.Ingestor.Ingest(cmd.Context(), namespace, args[0], string(data))
			if err != nil {
				return err
			}
			log.Printf("Ingested %s into %s (%.4f credits)", args[0], namespace, cost)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "ingest into this workspace's namespace")
	cmd.Flags().StringVar(&assistant, "assistant", "", "ingest into this assistant's namespace")
	return cmd
}

func searchCmd() *cobra.Command {
	var workspace, assistant string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the vector store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			namespace, err := resolveNamespace(workspace, assistant)
			if err != nil {
				return err
			}

			res, err := app.Embeddings.Embed(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			matches, err := app.Store.Search(cmd.Context(), []string{namespace}, res.Vector, limit)
			if err != nil {
				return err
			}

			for i, m := range matches {
				fmt.Printf("%d. [%.4f] %s\n", i+1, m.Similarity, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "search this workspace's namespace")
	cmd.Flags().StringVar(&assistant, "assistant", "", "search this assistant's namespace")
	cmd.Flags().IntVar(&limit, "limit", vectorstore.DefaultLimit, "maximum matches")
	return cmd
}

func balanceCmd() *cobra.Command {
	var credit float64
	cmd := &cobra.Command{
		Use:   "balance <workspace-id>",
		Short: "Show or top up a workspace's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			if credit > 0 {
				if err := app.Ledger.Credit(cmd.Context(), args[0], credit); err != nil {
					return err
				}
			}

			balance, err := app.Ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			available, err := app.Ledger.Available(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("balance: %.4f\navailable: %.4f\n", balance, available)
			return nil
		},
	}
	cmd.Flags().Float64Var(&credit, "credit", 0, "credits to add before showing the balance")
	return cmd
}

func conversationsCmd() *cobra.Command {
	var user string
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations <workspace-id>",
		Short: "List a workspace's stored conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			convs, err := app.Conversations.ListConversations(cmd.Context(), args[0], chat.ListOptions{
				UserID: user,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			for _, conv := range convs {
				title := conv.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s  %s  user=%s  cost=%.4f\n", conv.ID, title, conv.UserID, conv.Cost)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum conversations to list")
	return cmd
}

func resolveNamespace(workspace, assistant string) (string, error) {
	switch {
	case workspace != "" && assistant != "":
		return "", fmt.Errorf("use either --workspace or --assistant, not both")
	case assistant != "":
		return vectorstore.AssistantNamespace(assistant), nil
	case workspace != "":
		return vectorstore.WorkspaceNamespace(workspace), nil
	default:
		return "", fmt.Errorf("one of --workspace or --assistant is required")
	}
}

func envOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
