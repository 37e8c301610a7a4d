package commands

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/kelurahan-dev/jadwal/config"
	"github.com/kelurahan-dev/jadwal/internal/app"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	configFile string
	cfg        *config.AppConfig
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jadwal",
		Short:         "Kelurahan scheduler WhatsApp service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(configFile)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./jadwal.yml, then /etc/jadwal.yml)")

	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd(), whatsappCmd(), notifyCmd())
	return root
}

// bootApp initializes the application without connecting WhatsApp.
func bootApp() (*app.Application, error) {
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		application.Release()
		return nil, err
	}
	return application, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
