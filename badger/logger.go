package badger

import (
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/velmie/eventrelay"
)

// dbLogger adapts eventrelay.Logger to badger's printf logger.
type dbLogger struct {
	logger eventrelay.Logger
}

var _ badgerdb.Logger = dbLogger{}

func (l dbLogger) Errorf(format string, args ...any) {
	l.logger.Error(message(format, args...), "component", "badger")
}

func (l dbLogger) Warningf(format string, args ...any) {
	l.logger.Warn(message(format, args...), "component", "badger")
}

func (l dbLogger) Infof(format string, args ...any) {
	l.logger.Debug(message(format, args...), "component", "badger")
}

func (l dbLogger) Debugf(format string, args ...any) {
	l.logger.Debug(message(format, args...), "component", "badger")
}

func message(format string, args ...any) string {
	return strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
}
