package osc

import (
	"fmt"

	goosc "github.com/hypebeast/go-osc/osc"
)

// AppendArgs appends Go values to msg, coercing them to the OSC wire types
// the remote script expects: integers become int32, floats become float32,
// strings and bools pass through. Any other type is rejected.
func AppendArgs(msg *goosc.Message, args ...any) error {
	for _, a := range args {
		switch v := a.(type) {
		case int:
			msg.Append(int32(v))
		case int32:
			msg.Append(v)
		case int64:
			msg.Append(int32(v))
		case float32:
			msg.Append(v)
		case float64:
			msg.Append(float32(v))
		case string:
			msg.Append(v)
		case bool:
			msg.Append(v)
		default:
			return fmt.Errorf("unsupported argument type %T", a)
		}
	}
	return nil
}

// Int extracts args[i] as an int. OSC integers arrive as int32; some remote
// script endpoints reply with float-typed counts, which are accepted too.
func Int(args []any, i int) (int, error) {
	if i < 0 || i >= len(args) {
		return 0, fmt.Errorf("argument %d out of range (have %d)", i, len(args))
	}
	switch v := args[i].(type) {
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float32:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("argument %d is %T, want integer", i, args[i])
}

// Float extracts args[i] as a float64.
func Float(args []any, i int) (float64, error) {
	if i < 0 || i >= len(args) {
		return 0, fmt.Errorf("argument %d out of range (have %d)", i, len(args))
	}
	switch v := args[i].(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("argument %d is %T, want float", i, args[i])
}

// Str extracts args[i] as a string. Non-string scalars are formatted, which
// matches how the remote script stringifies display values.
func Str(args []any, i int) (string, error) {
	if i < 0 || i >= len(args) {
		return "", fmt.Errorf("argument %d out of range (have %d)", i, len(args))
	}
	if s, ok := args[i].(string); ok {
		return s, nil
	}
	return fmt.Sprint(args[i]), nil
}
