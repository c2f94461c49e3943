package main

import (
	"github.com/hey-memory/LR4HCAR/internal/server"
	"github.com/hey-memory/LR4HCAR/internal/util"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
	"github.com/hey-memory/LR4HCAR/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
		JSON:  util.GetEnvBool("LOG_JSON", false),
	})
	logger.Init(consoleLogger)

	server.Init()
}
