package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Key builds a namespaced state key of the form <class>_<id>_<field>
func Key(class string, id int, field string) string {
	return fmt.Sprintf("%s_%d_%s", class, id, field)
}

// ClassPrefix returns the prefix shared by every key of a device class
func ClassPrefix(class string) string {
	return class + "_"
}

// ParseKey splits a namespaced key back into its parts
func ParseKey(key string) (class string, id int, field string, err error) {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("key %q is not <class>_<id>_<field>", key)
	}
	id, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", fmt.Errorf("key %q has non-numeric id: %w", key, err)
	}
	return parts[0], id, parts[2], nil
}

// PumpKey returns a pump state key
func PumpKey(id int, field string) string {
	return Key("pump", id, field)
}

// FlowKey returns a flow meter state key
func FlowKey(id int, field string) string {
	return Key("flow", id, field)
}

// RelayKey returns a relay state key
func RelayKey(id int, field string) string {
	return Key("relay", id, field)
}

// SensorKey returns a sensor state key
func SensorKey(id int, field string) string {
	return Key("sensor", id, field)
}
