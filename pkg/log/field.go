package log

import "time"

// Field is a single structured key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// Str creates a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int creates an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 creates an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 creates a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Bool creates a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration creates a time.Duration field.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Any creates a field from an arbitrary value.
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Err creates a field carrying an error (nil-safe).
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component creates the conventional component-tag field.
func Component(name string) Field { return Field{Key: ComponentKey, Value: name} }

// StreamID, SubscriptionName, SubscriptionID and EndpointID tag the handful
// of identifiers that show up on nearly every log line this engine emits,
// so call sites don't have to keep re-typing their field names by hand.
func StreamID(id string) Field { return Field{Key: "stream_id", Value: id} }

func SubscriptionName(name string) Field { return Field{Key: "subscription_name", Value: name} }

func SubscriptionID(id int64) Field { return Field{Key: "subscription_id", Value: id} }

func EndpointID(id string) Field { return Field{Key: "endpoint_id", Value: id} }
