// Package logging configures structured logging for mqttsh.
//
// The package wraps log/slog. Interactive sessions must never print log
// lines over the prompt, so the shell logs to a file under the user's
// ~/.mqttsh/logs directory and mirrors to stderr only when --verbose is set.
//
// # Usage
//
//	logger, closeFn, err := logging.OpenFile(logging.Config{
//	    Level:  logging.LevelDebug,
//	    Format: logging.FormatText,
//	}, "/home/me/.mqttsh/logs")
//	if err != nil {
//	    return err
//	}
//	defer closeFn()
//
//	logger.Info("client connected", "clientId", "c1", "host", "broker1")
//
// Components take a *slog.Logger in their constructor and fall back to
// logging.Nop() when none is given.
package logging
