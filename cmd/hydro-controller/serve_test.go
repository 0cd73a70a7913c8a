package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/storage"
)

const unreachableBrokerConfig = `
app:
  data_dir: %s
log:
  level: error
store:
  driver: bolt
  path: state.db
i2c:
  driver: mock
gpio:
  mock_mode: true
poll:
  enabled: true
  interval: 10ms
metrics:
  enabled: false
api:
  enabled: false
discovery:
  enabled: false
mqtt:
  enabled: true
  broker: tcp://127.0.0.1:1
  client_id: serve-test
`

func TestRunServe_BrokerFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hydro-controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(unreachableBrokerConfig, dir)), 0o644))

	configFile = path
	t.Cleanup(func() { configFile = "" })

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	t.Run("should fail before starting any worker", func(t *testing.T) {
		err := runServe(cmd, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MQTT")
	})

	t.Run("should release the state store", func(t *testing.T) {
		db, err := storage.New(&storage.Config{
			Driver:  storage.DriverBolt,
			Path:    filepath.Join(dir, "state.db"),
			Timeout: "200ms",
		}, logger.Discard())
		require.NoError(t, err)
		assert.NoError(t, db.Close())
	})
}
