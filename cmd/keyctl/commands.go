package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/service"
)

type createOptions struct {
	Subject     string        `json:"subject"`
	Email       string        `json:"email"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	ExpiresIn   time.Duration `json:"expires_in"`
	Scopes      string        `json:"scopes"`
}

func (o createOptions) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Subject, validation.Required),
		validation.Field(&o.Email, validation.Required, is.Email),
		validation.Field(&o.Name, validation.Required),
		validation.Field(&o.ExpiresIn, validation.Min(time.Duration(0))),
	)
}

func newCreateCmd(flags *globalFlags, run runner) *cobra.Command {
	opts := createOptions{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key, provisioning the owner by subject if needed",
		Long: `Create upserts the owning user by identity-provider subject and mints a new
API key. The secret is printed exactly once and cannot be recovered later.`,
		Example: `  keyctl create --subject 7d1c... --email ops@example.com --name bootstrap --scopes admin`,
		RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command) error {
			if err := opts.Validate(); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}

			owner, err := a.users.UpsertFromClaims(ctx, &model.Claims{Subject: opts.Subject, Email: opts.Email})
			if err != nil {
				return fmt.Errorf("provision owner: %w", err)
			}

			input := service.CreateAPIKeyInput{
				OwnerID: owner.ID,
				Name:    opts.Name,
				Scopes:  splitScopes(opts.Scopes),
			}
			if opts.Description != "" {
				input.Description = &opts.Description
			}
			if opts.ExpiresIn > 0 {
				expires := time.Now().UTC().Add(opts.ExpiresIn)
				input.ExpiresAt = &expires
			}

			created, err := a.keys.Create(ctx, input)
			if err != nil {
				return describe("create key", err)
			}

			out := cmd.OutOrStdout()
			if flags.output == "json" {
				return writeJSON(out, model.APIKeyCreateResponse{
					APIKeyResponse: created.Key.ToResponse(),
					Key:            created.Plaintext,
				})
			}

			pterm.Success.WithWriter(out).Printfln("Created key %s for user %s", created.Key.ID, owner.ID)
			pterm.Fprintln(out, created.Plaintext)
			pterm.Warning.WithWriter(out).Println("Store this secret now. It will not be shown again.")
			return nil
		}),
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "Identity-provider subject of the owner (required)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "Owner email, used when provisioning (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Key name (required)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "Key description")
	cmd.Flags().DurationVar(&opts.ExpiresIn, "expires-in", 0, "Expire the key after this duration, e.g. 720h")
	cmd.Flags().StringVar(&opts.Scopes, "scopes", model.ScopeRead, "Comma-separated scopes: read, write, admin")
	return cmd
}

func newListCmd(flags *globalFlags, run runner) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's API keys",
		RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command) error {
			owner, err := a.users.FindBySubject(ctx, subject)
			if err != nil {
				return describe("find owner", err)
			}

			keys, err := a.keys.List(ctx, owner.ID)
			if err != nil {
				return describe("list keys", err)
			}

			out := cmd.OutOrStdout()
			if flags.output == "json" {
				responses := make([]model.APIKeyResponse, 0, len(keys))
				for _, k := range keys {
					responses = append(responses, k.ToResponse())
				}
				return writeJSON(out, map[string]any{"keys": responses})
			}

			if len(keys) == 0 {
				pterm.Info.WithWriter(out).Println("No API keys.")
				return nil
			}

			table := pterm.TableData{{"ID", "NAME", "KEY", "STATUS", "SCOPES", "USES", "EXPIRES"}}
			for _, k := range keys {
				expires := "never"
				if k.ExpiresAt != nil {
					expires = k.ExpiresAt.Format(time.RFC3339)
				}
				table = append(table, []string{
					k.ID, k.Name, k.MaskedKey, string(k.Status),
					strings.Join(k.Scopes, ","), fmt.Sprint(k.UsageCount), expires,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(table).WithWriter(out).Render()
		}),
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Identity-provider subject of the owner")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newRevokeCmd(run runner) *cobra.Command {
	return newOwnedKeyCmd(run, "revoke", "Revoke an API key; it stays listed as revoked",
		func(ctx context.Context, keys Keys, id, ownerID string) error {
			return keys.Revoke(ctx, id, ownerID)
		}, "Revoked key %s")
}

func newDeleteCmd(run runner) *cobra.Command {
	return newOwnedKeyCmd(run, "delete", "Permanently delete an API key",
		func(ctx context.Context, keys Keys, id, ownerID string) error {
			return keys.Delete(ctx, id, ownerID)
		}, "Deleted key %s")
}

func newOwnedKeyCmd(run runner, use, short string, action func(context.Context, Keys, string, string) error, done string) *cobra.Command {
	var subject, id string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command) error {
			owner, err := a.users.FindBySubject(ctx, subject)
			if err != nil {
				return describe("find owner", err)
			}
			if err := action(ctx, a.keys, id, owner.ID); err != nil {
				return describe(use+" key", err)
			}
			pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln(done, id)
			return nil
		}),
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Identity-provider subject of the owner")
	cmd.Flags().StringVar(&id, "id", "", "Key id")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, strings.ToLower(s))
		}
	}
	return scopes
}

// describe turns service errors into operator-facing messages.
func describe(op string, err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return fmt.Errorf("%s: %s", op, verr.Error())
	case errors.Is(err, service.ErrUserNotFound):
		return fmt.Errorf("%s: no user with that subject", op)
	case errors.Is(err, service.ErrAPIKeyNotFound):
		return fmt.Errorf("%s: key not found for this user", op)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
