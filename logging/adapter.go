package logging

import (
	"github.com/rs/zerolog"

	"github.com/velmie/eventrelay"
)

// Logger implements eventrelay.Logger over zerolog. Arguments are
// alternating key/value pairs; an error value is logged under its key.
type Logger struct {
	zl zerolog.Logger
}

var _ eventrelay.Logger = Logger{}

// NewLogger wraps zl.
func NewLogger(zl zerolog.Logger) Logger {
	return Logger{zl: zl}
}

// Component returns a Logger over the global logger tagged with component.
func Component(component string) Logger {
	return NewLogger(WithComponent(component))
}

func (l Logger) Debug(msg string, args ...any) { addPairs(l.zl.Debug(), args).Msg(msg) }
func (l Logger) Info(msg string, args ...any)  { addPairs(l.zl.Info(), args).Msg(msg) }
func (l Logger) Warn(msg string, args ...any)  { addPairs(l.zl.Warn(), args).Msg(msg) }
func (l Logger) Error(msg string, args ...any) { addPairs(l.zl.Error(), args).Msg(msg) }

func addPairs(e *zerolog.Event, args []any) *zerolog.Event {
	if e == nil {
		return e
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case int64:
			e = e.Int64(key, v)
		case bool:
			e = e.Bool(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	if len(args)%2 == 1 {
		e = e.Interface("!BADKEY", args[len(args)-1])
	}

	return e
}
