package logging

import (
	"go.uber.org/zap"
)

// New returns a JSON logger in production and a console logger everywhere else.
func New(env string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if env == "production" || env == "prod" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}
