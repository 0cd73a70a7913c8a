package storage

// UpdateFunc computes the next value for a key from its current value.
// current is nil and exists is false when the key is missing.
type UpdateFunc func(current interface{}, exists bool) (interface{}, error)

// Store is the interface device controllers use for crash-recoverable state
type Store interface {
	Get(key string, def interface{}) (interface{}, error)
	Set(key string, value interface{}) error
	GetPrefix(prefix string) (map[string]interface{}, error)
	Delete(key string) error

	// Decode unmarshals the stored value into out and reports whether the key existed
	Decode(key string, out interface{}) (bool, error)
	// Update runs a read-modify-write under the store lock
	Update(key string, fn UpdateFunc) error

	GetFloat(key string, def float64) (float64, error)
	GetBool(key string, def bool) (bool, error)
	AddFloat(key string, delta float64) (float64, error)
}

// backend is a durable record table. Callers hold the Database lock.
type backend interface {
	get(key string) (Record, bool, error)
	put(rec Record) error
	scan(prefix string) ([]Record, error)
	remove(key string) error
	close() error
}
