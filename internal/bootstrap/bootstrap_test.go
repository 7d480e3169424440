package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dungeon-agent/internal/config"
	"dungeon-agent/internal/repository"
	"dungeon-agent/internal/usecase"
)

func failingAWS(calls *int) *AWS {
	return &AWS{load: func(context.Context) (aws.Config, error) {
		*calls++
		return aws.Config{}, errors.New("no credentials")
	}}
}

func testConfig() *config.Config {
	return &config.Config{
		Provider: config.ProviderOpenAI,
		OpenAI:   config.OpenAIConfig{Model: "gpt-4o-mini", NarrativeTemperature: 0.7},
		Store:    config.StoreConfig{Backend: config.BackendMemory},
		Turn:     config.TurnConfig{MaxActionLength: 100, Timeout: time.Second},
		Narrator: config.NarratorConfig{Language: "English", MaxSteps: 5, HistoryBudget: 2000},
		Log:      config.LogConfig{Level: "info"},
	}
}

func TestAWS_LoadsOnce(t *testing.T) {
	calls := 0
	a := failingAWS(&calls)
	_, err := a.Config(context.Background())
	require.Error(t, err)
	_, err = a.Config(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestLogger(t *testing.T) {
	logger, err := Logger(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = Logger(config.LogConfig{Level: "shouty"})
	require.Error(t, err)
}

func TestStore_Backends(t *testing.T) {
	calls := 0
	s, err := Store(context.Background(), config.StoreConfig{Backend: config.BackendMemory}, failingAWS(&calls))
	require.NoError(t, err)
	require.IsType(t, &repository.MemoryStore{}, s)

	s, err = Store(context.Background(), config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: ":memory:"}, failingAWS(&calls))
	require.NoError(t, err)
	require.IsType(t, &repository.SQLiteStore{}, s)
	require.NoError(t, s.Close())
	require.Zero(t, calls)

	_, err = Store(context.Background(), config.StoreConfig{Backend: config.BackendDynamoDB, Table: "t"}, failingAWS(&calls))
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestNewProvider_OpenAIRequiresCredentials(t *testing.T) {
	calls := 0
	_, err := NewProvider(context.Background(), testConfig(), failingAWS(&calls))
	require.Error(t, err)
}

func TestNewProvider_OpenAIVerified(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.Moderation.Enabled = true

	calls := 0
	p, err := NewProvider(context.Background(), cfg, failingAWS(&calls))
	require.NoError(t, err)
	require.NotNil(t, p.Completer)
	require.NotNil(t, p.Moderator)
	require.NoError(t, p.Close())
	require.Zero(t, calls)
}

func TestNewProvider_OpenAITokenUnderPrefix(t *testing.T) {
	names := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct{ Name string }
		_ = json.NewDecoder(r.Body).Decode(&in)
		names <- in.Name
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		_, _ = w.Write([]byte(`{"Parameter":{"Name":"openai","Value":"{\"token\":\"sk-test\"}"}}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.OpenAI.TokenParam = "openai"
	cfg.OpenAI.TokenPrefix = "/dungeon-agent/"
	awsCfg := &AWS{load: func(context.Context) (aws.Config, error) {
		return aws.Config{
			Region:           "eu-west-1",
			BaseEndpoint:     aws.String(srv.URL),
			RetryMaxAttempts: 1,
			Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
			}),
		}, nil
	}}

	p, err := NewProvider(context.Background(), cfg, awsCfg)
	require.NoError(t, err)
	require.NotNil(t, p.Completer)
	require.Equal(t, "/dungeon-agent/openai", <-names)
}

func TestService_FallsBackToUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAI.TokenParam = "/dungeon/openai"

	calls := 0
	svc, closeFn, err := Service(context.Background(), cfg, repository.NewMemoryStore(), failingAWS(&calls), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, closeFn())

	_, err = svc.History(context.Background(), usecase.HistoryInput{UserID: "u", CharacterID: "c"})
	var ue *usecase.Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, usecase.ErrorUnavailable, ue.Code)
}
