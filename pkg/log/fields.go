package log

import "time"

// Field is a single structured logging attribute.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a field from an arbitrary key/value pair.
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Str builds a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 builds an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 builds a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Bool builds a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Dur builds a duration field rendered in milliseconds.
func Dur(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.Milliseconds()}
}

// Err builds an error field under the conventional "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component tags logs with a component name.
func Component(name string) Field { return Field{Key: "component", Value: name} }
