// Command shardsync-top is a terminal dashboard of tracker lag across shards.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dd0wney/cluso-shardsync/pkg/api"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
)

func main() {
	shards := flag.String("shards", "http://localhost:8080", "Comma separated shard base URLs")
	interval := flag.Duration("interval", 2*time.Second, "Refresh interval")
	secret := flag.String("secret", os.Getenv("SHARDSYNC_AUTH_SECRET"), "JWT secret (empty sends no token)")
	flag.Parse()

	clients, err := buildClients(strings.Split(*shards, ","), *secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shardsync-top: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(initialModel(clients, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "shardsync-top: %v\n", err)
		os.Exit(1)
	}
}

func buildClients(urls []string, secret string) ([]*api.ShardClient, error) {
	var signer auth.Signer = auth.NoAuth{}
	if secret != "" {
		m, err := auth.NewManager(secret, 0, "shardsync")
		if err != nil {
			return nil, err
		}
		signer = auth.NewTokenSigner(m, "shardsync-top", auth.RoleAdmin)
	}
	var clients []*api.ShardClient
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		c, err := api.NewShardClient(u, signer, nil)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no shard urls")
	}
	return clients, nil
}
