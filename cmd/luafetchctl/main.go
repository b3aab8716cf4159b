package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/luafetch/internal/state"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "luafetchctl",
		Usage: "control a running luafetch service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "luafetch base url",
				Value:   "http://127.0.0.1:9092",
				EnvVars: []string{"LUAFETCH_SERVER"},
			},
			&cli.StringFlag{
				Name:    "username",
				Usage:   "api basic auth username",
				EnvVars: []string{"LUAFETCH_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "api basic auth password",
				EnvVars: []string{"LUAFETCH_PASSWORD"},
			},
		},
		Commands: []*cli.Command{
			addCmd,
			statusCmd,
			selectCmd,
			removeCmd,
			setKeyCmd,
			keyStatusCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var addCmd = &cli.Command{
	Name:      "add",
	Usage:     "fetch and install an item",
	ArgsUsage: "<item-id>",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "endpoint",
			Usage: "candidate endpoint, may be repeated; defaults to the backend's enabled endpoints",
		},
		&cli.BoolFlag{
			Name:  "wait",
			Usage: "poll until the item settles",
		},
	},
	Action: func(cctx *cli.Context) error {
		id, err := itemArg(cctx)
		if err != nil {
			return err
		}

		c := newClient(cctx)

		body := map[string][]string{"endpoints": cctx.StringSlice("endpoint")}
		if err := c.call(cctx.Context, http.MethodPost, "/api/items/"+id, body, nil); err != nil {
			return err
		}

		fmt.Printf("item %s queued\n", id)

		if !cctx.Bool("wait") {
			return nil
		}

		return waitForItem(cctx.Context, c, id)
	},
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "show the state of an item",
	ArgsUsage: "<item-id>",
	Action: func(cctx *cli.Context) error {
		id, err := itemArg(cctx)
		if err != nil {
			return err
		}

		st, err := newClient(cctx).status(cctx.Context, id)
		if err != nil {
			return err
		}

		printState(id, st)

		return nil
	},
}

var selectCmd = &cli.Command{
	Name:      "select",
	Usage:     "choose the endpoint for an item awaiting a choice",
	ArgsUsage: "<item-id> <endpoint>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "wait", Usage: "poll until the item settles"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return cli.ShowSubcommandHelp(cctx)
		}

		id, err := itemArg(cctx)
		if err != nil {
			return err
		}

		c := newClient(cctx)

		body := map[string]string{"endpoint": cctx.Args().Get(1)}
		if err := c.call(cctx.Context, http.MethodPost, "/api/items/"+id+"/endpoint", body, nil); err != nil {
			return err
		}

		if cctx.Bool("wait") {
			return waitForItem(cctx.Context, c, id)
		}

		return nil
	},
}

var removeCmd = &cli.Command{
	Name:      "remove",
	Usage:     "delete the installed files of an item",
	ArgsUsage: "<item-id>",
	Action: func(cctx *cli.Context) error {
		id, err := itemArg(cctx)
		if err != nil {
			return err
		}

		var out struct {
			RemovedCount int      `json:"removedCount"`
			RemovedFiles []string `json:"removedFiles"`
		}

		if err := newClient(cctx).call(cctx.Context, http.MethodDelete, "/api/items/"+id, nil, &out); err != nil {
			return err
		}

		fmt.Printf("removed %d files: %s\n", out.RemovedCount, strings.Join(out.RemovedFiles, ", "))

		return nil
	},
}

var setKeyCmd = &cli.Command{
	Name:      "set-key",
	Usage:     "set the backend API key",
	ArgsUsage: "<key>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return cli.ShowSubcommandHelp(cctx)
		}

		var out struct {
			Masked string `json:"masked"`
		}

		body := map[string]string{"key": cctx.Args().First()}
		if err := newClient(cctx).call(cctx.Context, http.MethodPut, "/api/credential", body, &out); err != nil {
			return err
		}

		fmt.Println("api key set:", out.Masked)

		return nil
	},
}

var keyStatusCmd = &cli.Command{
	Name:  "key-status",
	Usage: "show whether an API key is configured",
	Action: func(cctx *cli.Context) error {
		var out struct {
			Configured bool   `json:"configured"`
			Masked     string `json:"masked"`
		}

		if err := newClient(cctx).call(cctx.Context, http.MethodGet, "/api/credential", nil, &out); err != nil {
			return err
		}

		if !out.Configured {
			fmt.Println("no api key configured")

			return nil
		}

		fmt.Println("api key:", out.Masked)

		return nil
	},
}

func itemArg(cctx *cli.Context) (string, error) {
	if cctx.NArg() < 1 {
		return "", fmt.Errorf("missing item id")
	}

	id, err := state.ParseItemID(cctx.Args().First())
	if err != nil {
		return "", err
	}

	return fmt.Sprint(int64(id)), nil
}

func waitForItem(ctx context.Context, c *client, id string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		st, err := c.status(ctx, id)
		if err != nil {
			return err
		}

		printState(id, st)

		if st.Status.Terminal() || st.Status == state.StatusAwaitingEndpointChoice {
			if st.Status != state.StatusDone && st.Status != state.StatusAwaitingEndpointChoice {
				return fmt.Errorf("item %s %s", id, st.Status)
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printState(id string, st state.DownloadState) {
	switch st.Status {
	case "":
		fmt.Printf("%s: unknown\n", id)
	case state.StatusDownloading:
		total := "?"
		if st.TotalBytes > 0 {
			total = humanize.Bytes(uint64(st.TotalBytes))
		}

		fmt.Printf("%s: downloading from %s %s / %s\n", id, st.Endpoint, humanize.Bytes(uint64(st.BytesRead)), total)
	case state.StatusAwaitingEndpointChoice:
		fmt.Printf("%s: available on %s, choose one with `luafetchctl select %s <endpoint>`\n", id, strings.Join(st.AvailableEndpoints, ", "), id)
	case state.StatusDone:
		fmt.Printf("%s: installed %s\n", id, strings.Join(st.InstalledFiles, ", "))
	case state.StatusFailed, state.StatusAuthFailed:
		fmt.Printf("%s: %s: %s\n", id, st.Status, st.Error)
	default:
		fmt.Printf("%s: %s\n", id, st.Status)
	}
}

type client struct {
	base     string
	username string
	password string
	http     *http.Client
}

func newClient(cctx *cli.Context) *client {
	return &client{
		base:     strings.TrimRight(cctx.String("server"), "/"),
		username: cctx.String("username"),
		password: cctx.String("password"),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) status(ctx context.Context, id string) (state.DownloadState, error) {
	var out struct {
		State state.DownloadState `json:"state"`
	}

	err := c.call(ctx, http.MethodGet, "/api/items/"+id, nil, &out)

	return out.State, err
}

func (c *client) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		body = bytes.NewReader(b)
	}

	u, err := url.JoinPath(c.base, path)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach luafetch: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}

		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}

		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
