package worker

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("CDR_WORKER_DEBUG"), "1")

func (d *Dispatcher) debugLog(msg string, fields ...zap.Field) {
	if workerDebugEnabled {
		d.log.Info(msg, fields...)
		return
	}
	d.log.Debug(msg, fields...)
}
