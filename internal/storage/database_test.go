package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

var drivers = []string{DriverSQLite, DriverBolt}

func openTestDB(t *testing.T, driver, path string) *Database {
	t.Helper()
	db, err := New(&Config{Driver: driver, Path: path, LogLevel: "silent"}, logger.Discard())
	require.NoError(t, err)
	return db
}

func newTestDB(t *testing.T, driver string) *Database {
	t.Helper()
	db := openTestDB(t, driver, filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew(t *testing.T) {
	t.Run("should reject unknown driver", func(t *testing.T) {
		_, err := New(&Config{Driver: "redis", Path: "x"}, logger.Discard())
		assert.Error(t, err)
	})

	for _, driver := range drivers {
		t.Run("should create nested directories for "+driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "a", "b", "state.db")
			db := openTestDB(t, driver, path)
			assert.FileExists(t, path)
			assert.NoError(t, db.Close())
		})
	}
}

func TestDatabase_RoundTrip(t *testing.T) {
	values := map[string]interface{}{
		"string":         "hello",
		"numeric string": "123",
		"json string":    `{"a":1}`,
		"number":         42.5,
		"zero":           0.0,
		"true":           true,
		"false":          false,
		"null":           nil,
		"list":           []interface{}{1.0, "two", false},
		"object": map[string]interface{}{
			"target_ml": 50.0,
			"state":     "dispensing",
			"nested":    map[string]interface{}{"ok": true},
		},
	}

	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDB(t, driver)

			for name, v := range values {
				key := "test_1_" + name
				require.NoError(t, db.Set(key, v))

				got, err := db.Get(key, "default")
				require.NoError(t, err)
				assert.Equal(t, v, got, name)
			}
		})
	}
}

func TestDatabase_Get(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDB(t, driver)

			t.Run("should return default for missing key", func(t *testing.T) {
				v, err := db.Get("relay_9_state", false)
				require.NoError(t, err)
				assert.Equal(t, false, v)
			})

			t.Run("should overwrite existing value", func(t *testing.T) {
				require.NoError(t, db.Set("relay_1_state", true))
				require.NoError(t, db.Set("relay_1_state", false))

				v, err := db.GetBool("relay_1_state", true)
				require.NoError(t, err)
				assert.False(t, v)
			})

			t.Run("should read loose typed values", func(t *testing.T) {
				require.NoError(t, db.Set("relay_2_state", "on"))
				on, err := db.GetBool("relay_2_state", false)
				require.NoError(t, err)
				assert.True(t, on)

				require.NoError(t, db.Set("pump_1_total_ml", "12.5"))
				total, err := db.GetFloat("pump_1_total_ml", 0)
				require.NoError(t, err)
				assert.Equal(t, 12.5, total)
			})

			t.Run("should reject non numeric float", func(t *testing.T) {
				require.NoError(t, db.Set("pump_2_total_ml", []int{1}))
				_, err := db.GetFloat("pump_2_total_ml", 0)
				assert.True(t, errors.IsPersistence(err))
			})

			t.Run("should reject empty key", func(t *testing.T) {
				err := db.Set("", 1)
				assert.True(t, errors.IsPersistence(err))
			})
		})
	}
}

func TestDatabase_Decode(t *testing.T) {
	type job struct {
		PumpID   int     `json:"pump_id"`
		TargetML float64 `json:"target_ml"`
	}

	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDB(t, driver)
			require.NoError(t, db.Set("pump_2_job", job{PumpID: 2, TargetML: 30}))

			var got job
			ok, err := db.Decode("pump_2_job", &got)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, job{PumpID: 2, TargetML: 30}, got)

			ok, err = db.Decode("pump_3_job", &got)
			require.NoError(t, err)
			assert.False(t, ok)

			var s string
			require.NoError(t, db.Set("sensor_1_kind", "ph"))
			ok, err = db.Decode("sensor_1_kind", &s)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "ph", s)
		})
	}
}

func TestDatabase_PrefixAndDelete(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDB(t, driver)

			require.NoError(t, db.Set("relay_1_state", true))
			require.NoError(t, db.Set("relay_2_state", false))
			require.NoError(t, db.Set("relay_10_state", true))
			require.NoError(t, db.Set("pump_1_total_ml", 3.0))

			relays, err := db.GetPrefix("relay_")
			require.NoError(t, err)
			assert.Equal(t, map[string]interface{}{
				"relay_1_state":  true,
				"relay_2_state":  false,
				"relay_10_state": true,
			}, relays)

			records, err := db.Records("relay_")
			require.NoError(t, err)
			require.Len(t, records, 3)
			assert.Equal(t, "relay_10_state", records[0].Key)
			assert.False(t, records[0].UpdatedAt.IsZero())

			all, err := db.GetPrefix("")
			require.NoError(t, err)
			assert.Len(t, all, 4)

			require.NoError(t, db.Delete("relay_2_state"))
			require.NoError(t, db.Delete("relay_2_state"))

			relays, err = db.GetPrefix("relay_")
			require.NoError(t, err)
			assert.Len(t, relays, 2)
			assert.NotContains(t, relays, "relay_2_state")
		})
	}
}

func TestDatabase_Update(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDB(t, driver)

			t.Run("should see missing key", func(t *testing.T) {
				err := db.Update("flow_1_total_gallons", func(current interface{}, exists bool) (interface{}, error) {
					assert.False(t, exists)
					assert.Nil(t, current)
					return 1.5, nil
				})
				require.NoError(t, err)
			})

			t.Run("should leave value alone when fn fails", func(t *testing.T) {
				err := db.Update("flow_1_total_gallons", func(current interface{}, exists bool) (interface{}, error) {
					return nil, fmt.Errorf("refused")
				})
				assert.EqualError(t, err, "refused")

				v, err := db.GetFloat("flow_1_total_gallons", 0)
				require.NoError(t, err)
				assert.Equal(t, 1.5, v)
			})

			t.Run("should serialize concurrent increments", func(t *testing.T) {
				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := db.AddFloat("pump_1_total_ml", 0.5)
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				total, err := db.GetFloat("pump_1_total_ml", 0)
				require.NoError(t, err)
				assert.Equal(t, 10.0, total)
			})
		})
	}
}

func TestDatabase_SurvivesReopen(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.db")

			db := openTestDB(t, driver, path)
			require.NoError(t, db.Set("relay_3_state", true))
			require.NoError(t, db.Set("pump_2_calibration", map[string]interface{}{"actual_ml": 9.8}))
			require.NoError(t, db.Close())

			db = openTestDB(t, driver, path)
			defer db.Close()

			on, err := db.GetBool("relay_3_state", false)
			require.NoError(t, err)
			assert.True(t, on)

			cal, err := db.Get("pump_2_calibration", nil)
			require.NoError(t, err)
			assert.Equal(t, map[string]interface{}{"actual_ml": 9.8}, cal)
		})
	}
}

type brokenBackend struct{}

func (brokenBackend) get(string) (Record, bool, error) { return Record{}, false, fmt.Errorf("disk gone") }
func (brokenBackend) put(Record) error { return fmt.Errorf("disk gone") }
func (brokenBackend) scan(string) ([]Record, error) { return nil, fmt.Errorf("disk gone") }
func (brokenBackend) remove(string) error { return fmt.Errorf("disk gone") }
func (brokenBackend) close() error { return nil }

func TestDatabase_BackendFailures(t *testing.T) {
	db := newDatabase(brokenBackend{}, logger.Discard())

	err := db.Set("relay_1_state", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPersistence))

	var pe *errors.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "set", pe.Operation)
	assert.Equal(t, "relay_1_state", pe.Key)

	v, err := db.Get("relay_1_state", "fallback")
	assert.True(t, errors.IsPersistence(err))
	assert.Equal(t, "fallback", v)

	_, err = db.GetPrefix("relay_")
	assert.True(t, errors.IsPersistence(err))

	assert.True(t, errors.IsPersistence(db.Delete("relay_1_state")))

	_, err = db.AddFloat("pump_1_total_ml", 1)
	assert.True(t, errors.IsPersistence(err))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "pump_2_job", PumpKey(2, "job"))
	assert.Equal(t, "flow_1_total_gallons", FlowKey(1, "total_gallons"))
	assert.Equal(t, "relay_5_state", RelayKey(5, "state"))
	assert.Equal(t, "sensor_1_last", SensorKey(1, "last"))
	assert.Equal(t, "relay_", ClassPrefix("relay"))

	class, id, field, err := ParseKey("flow_3_total_gallons")
	require.NoError(t, err)
	assert.Equal(t, "flow", class)
	assert.Equal(t, 3, id)
	assert.Equal(t, "total_gallons", field)

	_, _, _, err = ParseKey("relay_x_state")
	assert.Error(t, err)
	_, _, _, err = ParseKey("nonsense")
	assert.Error(t, err)
}
