package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
)

var log = logrus.New()

// InitLog sends the log to a daily file under output.logDir and, when
// enabled, to the terminal.
func InitLog() error {
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	logIO := make([]io.Writer, 0, 2)
	if logDir := conf.Output.LogDir; logDir != "" {
		if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		filename := filepath.Join(logDir, time.Now().Format("2006-01-02.log"))
		file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		SafeExitInst.Register(func() { _ = file.Close() })
		logIO = append(logIO, file)
	}
	if conf.Output.OutputTerminal || len(logIO) == 0 {
		logIO = append(logIO, os.Stdout)
	}
	log.SetOutput(ansicolor.NewAnsiColorWriter(io.MultiWriter(logIO...)))

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		log.SetLevel(logrus.InfoLevel)
		log.Warnf("unknown log level %q, using info", logLevel)
	} else {
		log.SetLevel(level)
	}
	return nil
}
