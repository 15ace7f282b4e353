package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"formrelay/backend/internal/bootstrap"
	"formrelay/backend/internal/config"
)

var jsonOutput bool

// exitError 以指定退出码结束进程
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:   "formctl",
	Short: "Worker and maintenance commands for the form backend",
	Long: `formctl processes queued form submissions and inspects the queue.

Configuration is read from FORMRELAY_* environment variables and .env,
the same way the server reads it.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

// openApp 加载配置并组装组件，调用方负责 Close
func openApp(component string) (*bootstrap.Components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := bootstrap.NewLogger(cfg, component)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	app, err := bootstrap.Build(cfg, log)
	if err != nil {
		log.Error("Failed to initialize components", zap.Error(err))
		return nil, err
	}
	return app, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
