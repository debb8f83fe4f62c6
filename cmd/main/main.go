package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/BartekS5/indexsync/internal/cli"
	"github.com/BartekS5/indexsync/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	level := os.Getenv("SYNC_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	if err := logger.Init(level); err != nil {
		log.Fatalf("invalid SYNC_LOG_LEVEL: %v", err)
	}
	defer logger.Sync()

	rootCmd := cli.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		logger.Sync()
		os.Exit(1)
	}
}
