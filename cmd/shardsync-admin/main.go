// Command shardsync-admin inspects and drives shards and the repository
// from the command line.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-shardsync/pkg/api"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/repository"
)

var (
	shardURL   string
	repoURL    string
	secret     string
	role       string
	timeout    time.Duration
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:           "shardsync-admin",
		Short:         "Inspect and drive shardsync shards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&shardURL, "shard", envOr("SHARDSYNC_SHARD_URL", "http://localhost:8080"), "Shard or coordinator base URL")
	pf.StringVar(&repoURL, "repo", envOr("SHARDSYNC_REPOSITORY_URL", "http://localhost:8090"), "Repository base URL")
	pf.StringVar(&secret, "secret", os.Getenv("SHARDSYNC_AUTH_SECRET"), "JWT secret (empty sends no token)")
	pf.StringVar(&role, "role", auth.RoleAdmin, "Role to sign requests with")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	pf.BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	rootCmd.AddCommand(tokenCmd, statusCmd, reindexCmd, searchCmd, auditCmd, commitCmd)
	auditCmd.AddCommand(auditNodeCmd, auditAclCmd, auditRecentCmd)
	commitCmd.AddCommand(commitNodeCmd, commitAclCmd, commitContentCmd, deleteNodeCmd)

	tokenCmd.Flags().String("subject", "shardsync-admin", "Token subject")

	searchCmd.Flags().StringSlice("authority", nil, "Caller authority (repeatable)")
	searchCmd.Flags().Int("limit", 0, "Maximum hits")

	commitNodeCmd.Flags().Int64("id", 0, "Node id")
	commitNodeCmd.Flags().Int64("acl", 0, "Governing ACL id")
	commitNodeCmd.Flags().String("type", "", "Node type")
	commitNodeCmd.Flags().StringToString("prop", nil, "Property key=value (repeatable)")

	commitAclCmd.Flags().Int64("id", 0, "ACL id")
	commitAclCmd.Flags().StringSlice("reader", nil, "Reader authority (repeatable)")
	commitAclCmd.Flags().StringSlice("denied", nil, "Denied authority (repeatable)")
	commitAclCmd.Flags().Bool("delete", false, "Delete the ACL")

	commitContentCmd.Flags().Int64("id", 0, "Node id")
	commitContentCmd.Flags().String("text", "", "Content text")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func signer() (auth.Signer, error) {
	if secret == "" {
		return auth.NoAuth{}, nil
	}
	m, err := auth.NewManager(secret, timeout+time.Minute, "shardsync")
	if err != nil {
		return nil, err
	}
	return auth.NewTokenSigner(m, "shardsync-admin", role), nil
}

func shardClient() (*api.ShardClient, error) {
	s, err := signer()
	if err != nil {
		return nil, err
	}
	return api.NewShardClient(shardURL, s, nil)
}

func repoClient() (*repository.Client, error) {
	s, err := signer()
	if err != nil {
		return nil, err
	}
	return repository.NewClient(repository.ClientConfig{BaseURL: repoURL, Timeout: timeout, Signer: s})
}
