package bot

import (
	"testing"

	"github.com/keepmind9/botgate/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// captureLogs installs a null logger for the duration of the test and
// returns the hook recording its entries
func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	previous := logger.GetLogger()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	logger.SetLogger(log)
	t.Cleanup(func() { logger.SetLogger(previous) })
	return hook
}

// entriesWithMessage returns the captured entries logged with msg
func entriesWithMessage(hook *test.Hook, msg string) []logrus.Entry {
	var out []logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			out = append(out, *e)
		}
	}
	return out
}
