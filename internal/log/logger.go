package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 按运行环境配置全局 zerolog：dev 输出彩色控制台日志并打开 debug 级别。
func Init(env string) {
	InitWriter(env, os.Stdout)
}

// InitWriter 与 Init 相同，但允许测试替换输出目标。
func InitWriter(env string, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	switch env {
	case "dev":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger()
		return
	case "test":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "llmchat").Logger()
}
