package logging

import (
	wm "github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// WatermillLogger implements watermill.LoggerAdapter over zerolog.
type WatermillLogger struct {
	zl zerolog.Logger
}

var _ wm.LoggerAdapter = WatermillLogger{}

// NewWatermillLogger returns an adapter writing to zl.
func NewWatermillLogger(zl zerolog.Logger) WatermillLogger {
	return WatermillLogger{zl: zl}
}

func (l WatermillLogger) Error(msg string, err error, fields wm.LogFields) {
	withFields(l.zl.Error().Err(err), fields).Msg(msg)
}

func (l WatermillLogger) Info(msg string, fields wm.LogFields) {
	withFields(l.zl.Info(), fields).Msg(msg)
}

func (l WatermillLogger) Debug(msg string, fields wm.LogFields) {
	withFields(l.zl.Debug(), fields).Msg(msg)
}

func (l WatermillLogger) Trace(msg string, fields wm.LogFields) {
	withFields(l.zl.Trace(), fields).Msg(msg)
}

func (l WatermillLogger) With(fields wm.LogFields) wm.LoggerAdapter {
	return WatermillLogger{zl: l.zl.With().Fields(map[string]interface{}(fields)).Logger()}
}

func withFields(e *zerolog.Event, fields wm.LogFields) *zerolog.Event {
	if len(fields) == 0 {
		return e
	}

	return e.Fields(map[string]interface{}(fields))
}
