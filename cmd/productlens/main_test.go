package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/cache"
	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "INFERENCE_BASE_URL", "AI_PROVIDER",
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

// --- root command ---

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "worker", "migrate", "apikey"})
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}

// --- serve ---

func TestServe_FailsOnMissingConfig(t *testing.T) {
	clearConfigEnv(t)

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestServe_FailsOnInvalidDatabaseURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("INFERENCE_BASE_URL", "http://localhost:8501")
	t.Setenv("AI_PROVIDER", "ollama")

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestAPIHandler_WiresRoutes(t *testing.T) {
	cfg := &config.Config{
		Auth:     config.AuthConfig{RateLimitPerMinute: 60},
		Pipeline: config.PipelineConfig{TerminalPolicy: config.PolicyAnyFailure},
	}
	h := apiHandler(store.NewMemoryStore(), cache.NewMemoryCache(), queue.NewMemoryQueue(), cfg, slog.Default())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- worker ---

func TestWorker_RejectsUnknownQueue(t *testing.T) {
	_, err := execute(t, "worker", "--queues", "emails")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown queue "emails"`)
}

func TestValidateQueues(t *testing.T) {
	assert.NoError(t, validateQueues(allQueues))
	assert.NoError(t, validateQueues([]string{queue.QueueWebhooks}))
	assert.Error(t, validateQueues(nil))
}

func TestConcurrencyFor(t *testing.T) {
	cfg := config.WorkerConfig{ImageConcurrency: 4, WebhookConcurrency: 8}
	assert.Equal(t, 4, concurrencyFor(cfg, queue.QueueImageProcessing))
	assert.Equal(t, 8, concurrencyFor(cfg, queue.QueueWebhooks))
}

func TestWebhookConfig_KeepsBackoffBase(t *testing.T) {
	c := webhookConfig(config.WebhookConfig{Timeout: 5 * time.Second, MaxAttempts: 3, DisableThreshold: 7})

	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 7, c.DisableThreshold)
	assert.Equal(t, webhook.DefaultConfig.BackoffBase, c.BackoffBase)
}

// --- migrate ---

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestParseSteps(t *testing.T) {
	n, err := parseSteps(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = parseSteps([]string{"3"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = parseSteps([]string{"0"})
	assert.Error(t, err)
	_, err = parseSteps([]string{"all"})
	assert.Error(t, err)
}

// --- apikey ---

func TestGenerateKey(t *testing.T) {
	a, err := generateKey()
	require.NoError(t, err)
	b, err := generateKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, apiKeyPrefix))
	assert.Len(t, a, len(apiKeyPrefix)+48)
	assert.NotEqual(t, a, b)
}

func TestCreateAPIKey(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	userID := uuid.New()

	key, raw, err := createAPIKey(ctx, s, keyRequest{name: "ci", userID: userID.String(), scopes: []string{"read", "admin"}})
	require.NoError(t, err)

	tenant, err := s.GetDefaultTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, key.TenantID)
	assert.Equal(t, userID, key.UserID)
	assert.Equal(t, raw[:8], key.KeyPrefix)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)))

	stored, err := s.GetAPIKeyByPrefix(ctx, key.KeyPrefix)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"read", "admin"}, stored[0].Scopes)
}

func TestCreateAPIKey_InvalidUser(t *testing.T) {
	_, _, err := createAPIKey(context.Background(), store.NewMemoryStore(), keyRequest{name: "x", userID: "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user")
}

func TestAPIKeyCreate_RequiresName(t *testing.T) {
	_, err := execute(t, "apikey", "create", "--database-url", "postgres://localhost/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}
