package gl

import (
	"log"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
	"github.com/triplefi/go-logger/logger"
)

// GasLimit is used for every transaction signed locally.
var GasLimit uint64 = 300000

// OutLogger global logger
var OutLogger *logger.Logger

// TxLogger journals every submission and receipt, one json object per line.
var TxLogger = logrus.New()

// fallback is used before CreateLogFiles, so one-shot commands and tests still print.
var fallback = logrus.New()

func CreateLogFiles() {
	var err error
	if err = os.MkdirAll("./logs", os.ModePerm); err != nil {
		log.Panic("Create dir './logs' error. " + err.Error())
	}
	if OutLogger, err = logger.New("logs/out.log", 1, 3, 0); err != nil {
		log.Panic("Create Outlogger file error. " + err.Error())
	}

	w, err := rotatelogs.New("logs/tx.%Y%m%d.log",
		rotatelogs.WithLinkName("logs/tx.log"),
		rotatelogs.WithMaxAge(30*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		log.Panic("Create tx log file error. " + err.Error())
	}
	TxLogger.SetOutput(w)
	TxLogger.SetFormatter(&logrus.JSONFormatter{})
}

func Info(format string, v ...interface{}) {
	if OutLogger == nil {
		fallback.Infof(format, v...)
		return
	}
	OutLogger.Info(format, v...)
}

func Error(format string, v ...interface{}) {
	if OutLogger == nil {
		fallback.Errorf(format, v...)
		return
	}
	OutLogger.Error(format, v...)
}

// Journal writes one transaction event to the TxLogger.
func Journal(operation, request, phase, hash string, err error) {
	entry := TxLogger.WithFields(logrus.Fields{
		"operation": operation,
		"request":   request,
		"phase":     phase,
		"hash":      hash,
	})
	if err != nil {
		entry.WithError(err).Error("transaction failed")
		return
	}
	entry.Info("transaction")
}
