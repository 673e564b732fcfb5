package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, `{
		"models": [
			{"id": "llama-3-8b", "backend_kind": "llama_cpp", "command": "llama-server", "args": ["-m", "llama3.gguf"]},
			{"id": "qwen-7b", "backend_kind": "vllm", "command": "vllm", "args": ["serve", "qwen"]}
		]
	}`)

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, catalog.Models, 2)
	assert.Equal(t, "llama-3-8b", catalog.Models[0].ID)
}

func TestLoadCatalogEmptyPath(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Empty(t, catalog.Models)
}

func TestLoadCatalogRejectsInvalidEntries(t *testing.T) {
	for name, content := range map[string]string{
		"missing id":   `{"models": [{"backend_kind": "llama_cpp"}]}`,
		"duplicate id": `{"models": [{"id": "m", "backend_kind": "llama_cpp"}, {"id": "m", "backend_kind": "vllm"}]}`,
		"not json":     `models: [yaml]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCatalog(writeCatalog(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestBootstrapSendsEveryModel(t *testing.T) {
	catalog := &Catalog{Models: []protocol.ModelConfig{
		{ID: "m1", BackendKind: "llama_cpp"},
		{ID: "m2", BackendKind: "vllm"},
	}}

	var sent []string
	catalog.Bootstrap("w1", func(workerID string, cmd protocol.ProvisioningCommand) error {
		assert.Equal(t, "w1", workerID)
		assert.Equal(t, protocol.OpUpsertModelConfig, cmd.Op)
		sent = append(sent, cmd.TargetModel())
		return nil
	})
	assert.Equal(t, []string{"m1", "m2"}, sent)
}
