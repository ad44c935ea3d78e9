package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/productlens/internal/api/middleware"
	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

// apiKeyPrefix marks ProductLens keys so they are recognisable in logs and secret scanners.
const apiKeyPrefix = "pl_"

type keyRequest struct {
	name   string
	userID string
	scopes []string
}

func newAPIKeyCmd() *cobra.Command {
	var flags dbFlags
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	flags.register(cmd)

	var req keyRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key in the default tenant and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flags.validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := store.Connect(ctx, config.DatabaseConfig{
				URL:             flags.url,
				MaxOpenConns:    2,
				MaxIdleConns:    1,
				ConnMaxLifetime: time.Minute,
			})
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			key, raw, err := createAPIKey(ctx, store.NewPostgresStore(pool), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\n", key.ID)
			fmt.Fprintf(out, "user_id: %s\n", key.UserID)
			fmt.Fprintf(out, "scopes:  %v\n", key.Scopes)
			fmt.Fprintf(out, "key:     %s\n", raw)
			fmt.Fprintln(out, "Store the key now; it cannot be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&req.name, "name", "", "human-readable key name")
	create.Flags().StringVar(&req.userID, "user", "", "user ID the key acts as (default: new random ID)")
	create.Flags().StringSliceVar(&req.scopes, "scopes", []string{"read", "write"}, "granted scopes (admin unlocks webhook management)")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}

// createAPIKey stores a bcrypt-hashed key for the default tenant and returns
// the record with the raw key.
func createAPIKey(ctx context.Context, s store.TenantStore, req keyRequest) (*models.APIKey, string, error) {
	userID := uuid.New()
	if req.userID != "" {
		id, err := uuid.Parse(req.userID)
		if err != nil {
			return nil, "", fmt.Errorf("invalid --user: %w", err)
		}
		userID = id
	}

	tenant, err := s.GetDefaultTenant(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("load default tenant: %w", err)
	}

	raw, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		UserID:    userID,
		Name:      req.name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    req.scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}
	return key, raw, nil
}

func generateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}
