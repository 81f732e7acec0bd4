package logger

import (
	"os"

	"go.uber.org/zap"
)

// New builds the process logger. LOG_MODE=dev switches to the
// human-readable development encoder.
func New() *zap.Logger {
	if os.Getenv("LOG_MODE") == "dev" {
		l, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l
}
