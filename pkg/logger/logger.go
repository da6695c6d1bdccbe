package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logDir      = "/var/log/relais"
	logFileName = "relais.log"
)

// InitLogger wires zerolog to the console and to a rotating file: under
// the log directory when it exists, otherwise relais.log in the working
// directory. Every transition line the agent emits goes
// through this logger with an ISO-8601 timestamp.
func InitLogger(debug bool) *lumberjack.Logger {
	fileName := fmt.Sprintf("%s/%s", logDir, logFileName)
	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		fileName = logFileName
	}

	logRotate := &lumberjack.Logger{
		Filename:   fileName,
		MaxSize:    50, // Max size in MB before rotation
		MaxBackups: 5,  // Max number of backup files
		MaxAge:     30, // Max age in days
		Compress:   true,
	}

	output := zerolog.MultiLevelWriter(PrettyWriter(os.Stderr), PrettyWriter(logRotate))
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return logRotate
}

// PrettyWriter returns a zerolog.ConsoleWriter with ISO-8601 timestamps.
func PrettyWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:          out,
		NoColor:      true,
		TimeFormat:   time.RFC3339,
		TimeLocation: time.Local,
		FormatLevel: func(i interface{}) string {
			return "[" + strings.ToUpper(fmt.Sprint(i)) + "]"
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprint(i)
		},
		FormatFieldName: func(i interface{}) string {
			return "(" + fmt.Sprint(i) + ")"
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprint(i)
		},
	}
}
