package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"kestrel/internal/auth"
	"kestrel/internal/storage/sqlstore"
)

func cmdAddUser() *cobra.Command {
	c := &cobra.Command{
		Use:     "adduser",
		Short:   "kestrel adduser [--db path] <username> <password>",
		Long:    "Create a user in the database, or reset the password of an existing one.",
		Example: "kestrel adduser --db /var/lib/kestrel/mail.db alice s3cret",
		Args:    cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return errors.New("no database configured")
			}
			store, err := sqlstore.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AddUser(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "user %s saved\n", args[0])
			return nil
		},
	}
	addStoreFlags(c)
	return c
}

var cmdTokenTTL time.Duration

func cmdToken() *cobra.Command {
	c := &cobra.Command{
		Use:     "token",
		Short:   "kestrel token [--ttl duration] <username>",
		Long:    "Issue a bearer token for XOAUTH2 and OAUTHBEARER, signed with auth.jwt_secret.",
		Example: "kestrel token --ttl 24h alice",
		Args:    cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			token, err := auth.NewTokenAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer).IssueToken(args[0], cmdTokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), token)
			return nil
		},
	}
	addStoreFlags(c)
	c.Flags().DurationVar(&cmdTokenTTL, "ttl", time.Hour, "token lifetime")
	return c
}
