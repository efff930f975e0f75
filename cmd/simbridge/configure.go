package main

import (
	"github.com/spf13/cobra"

	"github.com/simbridge-dev/simbridge/pkg/config"
)

func configureCmd(g *globalFlags) *cobra.Command {
	var (
		url       string
		username  string
		accessKey string
		brain     string
		proxy     string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Save connection settings to the profile file",
		Long: `Save connection settings as a profile in the profile file.

Existing values of the profile are kept unless overridden by a flag.

Examples:
  simbridge configure --username alice --access-key KEY
  simbridge configure --profile local --url http://localhost:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath, g.profile)
			if err != nil {
				return err
			}
			changed := cmd.Flags().Changed
			if changed("url") {
				cfg.URL = url
			}
			if changed("username") {
				cfg.Username = username
			}
			if changed("access-key") {
				cfg.AccessKey = accessKey
			}
			if changed("brain") {
				cfg.Brain = brain
			}
			if changed("proxy") {
				cfg.Proxy = proxy
			}

			profile := g.profile
			if profile == "" {
				profile = cfg.Profile
			}
			if err := cfg.Save(g.configPath, profile); err != nil {
				return err
			}
			success("Saved profile %q to %s", profile, g.configPath)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&url, "url", "", "Brain service URL")
	f.StringVar(&username, "username", "", "Brain owner")
	f.StringVar(&accessKey, "access-key", "", "Access key")
	f.StringVar(&brain, "brain", "", "Brain name")
	f.StringVar(&proxy, "proxy", "", "HTTP proxy")

	return cmd
}
