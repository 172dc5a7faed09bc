package main

import (
	"fmt"
	"os"

	"github.com/arzzra/sip_appserver/pkg/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "appserver",
		Short: "SIP application server",
		Long: `SIP прикладной сервер: принимает запросы, передает их сервисам,
форкует на цели и собирает ответы в один итоговый ответ.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "путь к YAML файлу конфигурации")
	flags.String("log-level", "", "уровень логирования: debug, info, warn, error")
	flags.String("home-domain", "", "домен сервисов <service>.<home-domain>")
	flags.String("default-service", "", "сервис для запросов без явного выбора")

	root.AddCommand(newServeCmd(), newServicesCmd())
	return root
}

// loadConfig читает конфигурацию и применяет флаги командной строки
func loadConfig(cmd *cobra.Command) (config.File, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("home-domain") {
		cfg.Engine.HomeDomain, _ = flags.GetString("home-domain")
	}
	if flags.Changed("default-service") {
		cfg.Engine.DefaultService, _ = flags.GetString("default-service")
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	if err := cfg.Validate(); err != nil {
		return config.File{}, err
	}
	return cfg, nil
}
