package main

import (
	"fmt"

	"sshsync/pkg/auth"
	"sshsync/pkg/config"
	"sshsync/pkg/group"
	"sshsync/pkg/sshconfig"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// groupFilePath resolves the group file from --group-file or the daemon config
func groupFilePath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("group-file"); path != "" {
		return path, nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", err
	}
	return cfg.GroupFile, nil
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Configure the local account and group secret",
		Long: `Write the userName whose ~/.ssh/config is synchronized into the group file.
Pass --secret to join an existing group; otherwise a new secret is generated
on first use and printed so other machines can join.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			secretHex, _ := cmd.Flags().GetString("secret")

			if user == "" {
				return fmt.Errorf("user name is required (use --user)")
			}

			path, err := groupFilePath(cmd)
			if err != nil {
				return err
			}

			store, err := group.Open(path, zap.NewNop())
			if err != nil {
				return err
			}

			if err := store.SetUserName(user); err != nil {
				return err
			}

			switch {
			case secretHex != "":
				secret, err := auth.ParseSecret(secretHex)
				if err != nil {
					return err
				}
				if err := store.SetSharedSecret(secret); err != nil {
					return err
				}
			case store.SharedSecret() == "":
				secret, err := auth.GenerateSecret()
				if err != nil {
					return err
				}
				if err := store.SetSharedSecret(secret); err != nil {
					return err
				}
			}

			fmt.Printf("%s Group file: %s\n", iconStyle.Render("✓"), valueStyle.Render(path))
			fmt.Printf("%s User:       %s (%s)\n", iconStyle.Render("✓"), valueStyle.Render(user), sshconfig.DefaultPath(user))
			fmt.Println()
			fmt.Println(subtitleStyle.Render("Share this secret with the other machines of the group:"))
			fmt.Println(accentValueStyle.Render(store.SharedSecret()))
			return nil
		},
	}

	cmd.Flags().String("user", "", "local account whose SSH config is synchronized")
	cmd.Flags().String("secret", "", "existing group secret (64 hex characters)")
	cmd.Flags().String("group-file", "", "group file path")

	return cmd
}

func rotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Replace the group secret",
		Long: `Install a new group secret. The running daemon picks it up on its next start:
the topic changes, the local config is marked as never edited so it adopts
the new group's copy, and already admitted members are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secretHex, _ := cmd.Flags().GetString("secret")

			path, err := groupFilePath(cmd)
			if err != nil {
				return err
			}

			var secret auth.SharedSecret
			if secretHex != "" {
				secret, err = auth.ParseSecret(secretHex)
			} else {
				secret, err = auth.GenerateSecret()
			}
			if err != nil {
				return err
			}

			store, err := group.Open(path, zap.NewNop())
			if err != nil {
				return err
			}
			if err := store.SetSharedSecret(secret); err != nil {
				return err
			}

			fmt.Println(warningValueStyle.Render("Secret rotated. Restart sshsync to apply it."))
			fmt.Println(accentValueStyle.Render(secret.String()))
			return nil
		},
	}

	cmd.Flags().String("secret", "", "new group secret (default: generate one)")
	cmd.Flags().String("group-file", "", "group file path")

	return cmd
}
