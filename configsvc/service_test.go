package configsvc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/sentryd/bus"
	"github.com/meshguard/sentryd/configsvc"
	"github.com/meshguard/sentryd/contracts"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func newTestService(t *testing.T) (*configsvc.Service, string) {
	t.Helper()
	dir := t.TempDir()
	defaults := filepath.Join(dir, "config.yaml")
	writeFile(t, defaults, "dedupe:\n  window_seconds: 30\n  attributes: [camera_id, label]\n")
	svc := configsvc.New(configsvc.Paths{
		Defaults:   defaults,
		HistoryDir: dir,
	})
	return svc, dir
}

func TestLoadCommitsVersionOneFromDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	snap, err := svc.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.NotEmpty(t, snap.Fingerprint)

	window, ok := snap.Tree["dedupe"].(map[string]any)["window_seconds"]
	require.True(t, ok)
	assert.EqualValues(t, 30, window)
}

func TestApplyChangesCommitsNewVersionAndBroadcasts(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Load(context.Background())
	require.NoError(t, err)

	b := bus.New()
	require.NoError(t, b.Start(context.Background()))
	defer func() { _ = b.Stop(context.Background()) }()
	svc.AttachBus(b)

	received := make(chan contracts.ConfigSnapshotPayload, 1)
	_, err = b.Subscribe(contracts.TopicConfigSnapshot, func(ctx context.Context, env contracts.Envelope) error {
		received <- env.Payload.(contracts.ConfigSnapshotPayload)
		return nil
	}, contracts.WithCapacity(4))
	require.NoError(t, err)

	snap, diags, err := svc.ApplyChanges(context.Background(), []contracts.ConfigUpdate{
		{Path: "dedupe.window_seconds", Value: int64(60), Requester: "operator"},
	})
	require.NoError(t, err)
	require.Nil(t, diags)
	assert.Equal(t, 2, snap.Version)

	select {
	case payload := <-received:
		assert.Equal(t, 2, payload.Version)
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestApplyChangesEmptyUpdatesIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	before, err := svc.Load(context.Background())
	require.NoError(t, err)

	after, diags, err := svc.ApplyChanges(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, diags)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Fingerprint, after.Fingerprint)
}

func TestApplyChangesRejectsInvalidFragmentAndKeepsPriorVersion(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Load(context.Background())
	require.NoError(t, err)

	svc.RegisterValidator("dedupe", configsvc.ValidatorFunc(func(fragment map[string]any) error {
		if ws, ok := fragment["window_seconds"]; ok {
			if n, ok := ws.(float64); ok && n < 0 {
				return assertNegativeWindow
			}
			if n, ok := ws.(int64); ok && n < 0 {
				return assertNegativeWindow
			}
		}
		return nil
	}))

	_, diags, err := svc.ApplyChanges(context.Background(), []contracts.ConfigUpdate{
		{Path: "dedupe.window_seconds", Value: int64(-5)},
	})
	require.Error(t, err)
	require.NotEmpty(t, diags)

	assert.Equal(t, 1, svc.Current().Version)
}

func TestRollbackAdvancesVersionAndRestoresTree(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Load(context.Background())
	require.NoError(t, err)

	_, _, err = svc.ApplyChanges(context.Background(), []contracts.ConfigUpdate{
		{Path: "dedupe.window_seconds", Value: int64(99)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, svc.Current().Version)

	restored, err := svc.Rollback(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version)

	window := restored.Tree["dedupe"].(map[string]any)["window_seconds"]
	assert.EqualValues(t, 30, window)
}

func TestHistoryIsBoundedToMaxHistory(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Load(context.Background())
	require.NoError(t, err)

	for i := 0; i < configsvc.MaxHistory+5; i++ {
		_, _, err := svc.ApplyChanges(context.Background(), []contracts.ConfigUpdate{
			{Path: "dedupe.window_seconds", Value: int64(i)},
		})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(svc.History()), configsvc.MaxHistory)
}

func TestSnapshotNeverCarriesResolvedSecretValues(t *testing.T) {
	dir := t.TempDir()
	defaults := filepath.Join(dir, "config.yaml")
	writeFile(t, defaults, "notify:\n  telegram:\n    token_ref: secrets.telegram.bot_token\n")
	secretsPath := filepath.Join(dir, "secrets.toml")
	writeFile(t, secretsPath, "[telegram]\nbot_token = \"super-secret\"\n")
	require.NoError(t, os.Chmod(secretsPath, 0600))

	svc := configsvc.New(configsvc.Paths{Defaults: defaults, SecretsFile: secretsPath, HistoryDir: dir})
	snap, err := svc.Load(context.Background())
	require.NoError(t, err)

	ref := snap.Tree["notify"].(map[string]any)["telegram"].(map[string]any)["token_ref"]
	assert.Equal(t, "secrets.telegram.bot_token", ref)

	secret, err := svc.Resolver().Resolve(ref.(string))
	require.NoError(t, err)
	assert.Equal(t, "super-secret", secret.Reveal())
	assert.Equal(t, "[REDACTED]", secret.String())
}

var assertNegativeWindow = errNegativeWindow{}

type errNegativeWindow struct{}

func (errNegativeWindow) Error() string { return "window_seconds must not be negative" }
