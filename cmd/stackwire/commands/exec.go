package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackwire/pkg/api"
	"github.com/openfroyo/stackwire/pkg/commands"
)

func newExecCommand() *cobra.Command {
	var (
		apiAddr string
		force   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec <resource> [command]",
		Short: "List or execute resource commands",
		Long: `Talk to the control API of a running composition. With one argument the
resource's commands are listed with their state. With two the command is
executed; disabled commands are refused unless --force is given.`,
		Example: `  # List the commands of the cache
  stackwire exec cache

  # Clear the cache
  stackwire exec cache clear`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c := &apiClient{base: "http://" + apiAddr, http: &http.Client{}}
			if len(args) == 1 {
				infos, err := c.commands(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), infos)
				}
				for _, info := range infos {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-9s %s\n", info.Name, info.State, info.DisplayName)
				}
				return nil
			}

			result, err := c.execute(ctx, args[0], args[1], force)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s %s\n", args[0], args[1], result.Status, result.Message)
			if !result.Succeeded() {
				return fmt.Errorf("command %s/%s failed", args[0], args[1])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", api.DefaultAddress, "control API address")
	cmd.Flags().BoolVar(&force, "force", false, "execute even when the command is disabled")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	return cmd
}

type apiClient struct {
	base string
	http *http.Client
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *apiClient) commands(ctx context.Context, resource string) ([]commands.Info, error) {
	var infos []commands.Info
	err := c.do(ctx, http.MethodGet, "/v1/resources/"+url.PathEscape(resource)+"/commands", &infos)
	return infos, err
}

func (c *apiClient) execute(ctx context.Context, resource, name string, force bool) (*commands.Result, error) {
	path := "/v1/resources/" + url.PathEscape(resource) + "/commands/" + url.PathEscape(name)
	if force {
		path += "?force=true"
	}
	var result commands.Result
	err := c.do(ctx, http.MethodPost, path, &result)
	// Failed executions come back as 500 with a result body.
	if err != nil && result.Status == "" {
		return nil, err
	}
	return &result, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return json.NewDecoder(resp.Body).Decode(into)
	}
	if resp.StatusCode == http.StatusInternalServerError && method == http.MethodPost {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return err
		}
		return errors.New(resp.Status)
	}

	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return errors.New(body.Error)
}
