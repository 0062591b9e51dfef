// Package logging builds module-tagged log15 loggers that forward error
// records to sentry.
package logging

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/inconshreveable/log15"
)

// InitSentry configures the sentry client. An empty dsn leaves sentry
// disabled and error records are only written locally.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
}

// NewLog returns a logger tagged with module.
func NewLog(module string) log15.Logger {
	lg := log15.New("module", module)

	h := lg.GetHandler()
	sentryHandle := log15.FuncHandler(func(r *log15.Record) error {
		if r.Lvl == log15.LvlError {
			msg := string(log15.JsonFormat().Format(r))
			go func(m string) {
				sentry.CaptureMessage(m)
			}(msg)
		}
		return nil
	})

	lg.SetHandler(log15.MultiHandler(h, sentryHandle))

	return lg
}

// SetLevel filters the root handler so records below lvl are dropped.
func SetLevel(lvl string) error {
	parsed, err := log15.LvlFromString(lvl)
	if err != nil {
		return err
	}
	log15.Root().SetHandler(log15.LvlFilterHandler(parsed, log15.StreamHandler(os.Stderr, log15.TerminalFormat())))
	return nil
}
