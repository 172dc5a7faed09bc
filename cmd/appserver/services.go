package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/arzzra/sip_appserver/pkg/services"
	"github.com/spf13/cobra"
)

func newServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "Список сервисов из конфигурации",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tDETAILS")
			for _, def := range cfg.Services {
				if _, err := services.Build(def); err != nil {
					return err
				}
				name := def.Name
				if name == cfg.Engine.DefaultService {
					name += " (default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, def.Kind, details(def))
			}
			return w.Flush()
		},
	}
}

func details(def services.Definition) string {
	switch def.Kind {
	case services.KindFork, services.KindSequential:
		s := strings.Join(def.Targets, ",")
		if def.Kind == services.KindSequential && def.NoAnswer > 0 {
			s += " no_answer=" + def.NoAnswer.String()
		}
		return s
	case services.KindReject:
		if def.Status == 0 {
			return "404"
		}
		return fmt.Sprintf("%d %s", def.Status, def.Reason)
	case services.KindMediaPolicy:
		return fmt.Sprintf("media=%s codecs=%s", strings.Join(def.Media, ","), strings.Join(def.Codecs, ","))
	default:
		return "-"
	}
}
