package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// Nop returns a logger that discards everything. 테스트 전용.
func Nop() *Logger {
	return &Logger{zlog: zerolog.New(io.Discard)}
}
