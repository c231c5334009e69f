// wardenctl is a small admin CLI for a running warden-server. It talks to
// the same HTTP API the platform uses.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "wardenctl",
		Usage: "Admin CLI for the Warden instance orchestrator.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080", Usage: "Base URL of the warden-server HTTP API"},
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "List an owner's running instances",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "team", Usage: "Team ID"},
					&cli.StringFlag{Name: "user", Usage: "User ID"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					q := url.Values{}
					if id := cmd.Value("team").(string); id != "" {
						q.Set("team_id", id)
					} else if id := cmd.Value("user").(string); id != "" {
						q.Set("user_id", id)
					} else {
						return fmt.Errorf("one of --team or --user is required")
					}
					return call(cmd, http.MethodGet, "/api/instances?"+q.Encode(), "")
				},
			},
			{
				Name:  "nuke",
				Usage: "Destroy one instance, or all of them",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "instance", Usage: "Docker instance ID to destroy"},
					&cli.BoolFlag{Name: "all", Usage: "Destroy every tracked instance"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Value("all").(bool) {
						return call(cmd, http.MethodDelete, "/api/instances?all=true", "")
					}
					id := cmd.Value("instance").(string)
					if id == "" {
						return fmt.Errorf("one of --instance or --all is required")
					}
					return call(cmd, http.MethodDelete, "/api/instances/"+url.PathEscape(id), "")
				},
			},
			{
				Name:  "secrets",
				Usage: "Manage Docker Swarm secrets",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List secrets",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return call(cmd, http.MethodGet, "/api/secrets", "")
						},
					},
					{
						Name:      "create",
						Usage:     "Create a secret: wardenctl secrets create <name> <value>",
						ArgsUsage: "<name> <value>",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							args := cmd.Args().Slice()
							if len(args) != 2 {
								return fmt.Errorf("expected <name> <value>")
							}
							body := fmt.Sprintf(`{"name":%q,"value":%q}`, args[0], args[1])
							return call(cmd, http.MethodPost, "/api/secrets", body)
						},
					},
					{
						Name:      "delete",
						Usage:     "Delete a secret by ID",
						ArgsUsage: "<id>",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							if cmd.Args().Len() != 1 {
								return fmt.Errorf("expected <id>")
							}
							return call(cmd, http.MethodDelete, "/api/secrets/"+url.PathEscape(cmd.Args().First()), "")
						},
					},
				},
			},
			{
				Name:  "repos",
				Usage: "List image repositories available on the Docker host",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return call(cmd, http.MethodGet, "/api/repositories", "")
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func call(cmd *cli.Command, method, path, body string) error {
	base := cmd.Value("server").(string)
	var payload io.Reader
	if body != "" {
		payload = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to warden-server failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(out)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
