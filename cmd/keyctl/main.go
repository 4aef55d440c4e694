// Command keyctl manages API keys directly against the database, for
// bootstrapping the first admin key and for operator break-glass work.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tensorhub/tensorhub/internal/auth"
	"github.com/tensorhub/tensorhub/internal/metrics"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/repository"
	"github.com/tensorhub/tensorhub/internal/service"
)

// Users is the subset of the user directory keyctl needs.
type Users interface {
	UpsertFromClaims(ctx context.Context, claims *model.Claims) (*model.User, error)
	FindBySubject(ctx context.Context, subject string) (*model.User, error)
}

// Keys is the subset of the key service keyctl needs.
type Keys interface {
	Create(ctx context.Context, input service.CreateAPIKeyInput) (*service.CreatedAPIKey, error)
	List(ctx context.Context, ownerID string) ([]*model.APIKey, error)
	Revoke(ctx context.Context, id, ownerID string) error
	Delete(ctx context.Context, id, ownerID string) error
}

type app struct {
	users Users
	keys  Keys
	close func()
}

type connectFunc func(ctx context.Context, databaseURL, pepper string) (*app, error)

type globalFlags struct {
	databaseURL string
	pepper      string
	output      string
	timeout     time.Duration
}

func main() {
	if err := newRootCmd(connectDatabase, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(connect connectFunc, out io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "keyctl",
		Short: "TensorHub API key administration",
		Long: `keyctl creates, lists, revokes and deletes API keys for a user identified
by their identity-provider subject. It talks to PostgreSQL directly and needs
the same API_KEY_PEPPER as the API server.`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&flags.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string (env DATABASE_URL)")
	root.PersistentFlags().StringVar(&flags.pepper, "pepper", os.Getenv("API_KEY_PEPPER"), "API key digest pepper (env API_KEY_PEPPER)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "Output format: table or json")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "Overall command timeout")

	// run wraps a command body with flag checks, a timeout and connection setup.
	run := func(body func(ctx context.Context, a *app, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if flags.databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			if flags.pepper == "" {
				return fmt.Errorf("--pepper or API_KEY_PEPPER is required")
			}
			if flags.output != "table" && flags.output != "json" {
				return fmt.Errorf("--output must be table or json, got %q", flags.output)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			a, err := connect(ctx, flags.databaseURL, flags.pepper)
			if err != nil {
				return err
			}
			defer a.close()

			return body(ctx, a, cmd)
		}
	}

	root.AddCommand(
		newCreateCmd(flags, run),
		newListCmd(flags, run),
		newRevokeCmd(run),
		newDeleteCmd(run),
	)
	return root
}

type runner func(body func(ctx context.Context, a *app, cmd *cobra.Command) error) func(*cobra.Command, []string) error

func connectDatabase(ctx context.Context, databaseURL, pepper string) (*app, error) {
	hasher, err := auth.NewHasher(pepper)
	if err != nil {
		return nil, err
	}

	opts := repository.DefaultOptions()
	opts.MaxConns = 2
	opts.MinConns = 0
	repo, err := repository.New(ctx, databaseURL, opts)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.NewNoop()

	return &app{
		users: service.NewUserDirectory(repo, logger, recorder),
		keys:  service.NewAPIKeyService(repo, hasher, logger, recorder),
		close: repo.Close,
	}, nil
}
