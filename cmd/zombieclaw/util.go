package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/babybirdprd/zombieclaw/pkg/client"
)

const defaultAPIURL = "http://127.0.0.1:8787/api"

// apiClient builds a client from the saved session and global flags and
// verifies the daemon is reachable. The returned cancel must be called.
func apiClient(flags *GlobalFlags) (*client.Client, context.Context, context.CancelFunc, error) {
	apiURL := flags.APIUrl
	token := ""

	sm := NewSessionManager()
	if session, err := sm.LoadSession(); err == nil && session != nil {
		token = session.Token
		if apiURL == "" {
			apiURL = session.ServerURL
		}
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	c := client.New(client.Config{
		BaseURL: apiURL,
		Token:   token,
		Timeout: flags.APITimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), flags.APITimeout)
	if !c.IsReachable(ctx) {
		cancel()
		return nil, nil, nil, daemonUnreachableError(apiURL)
	}
	return c, ctx, cancel, nil
}

func daemonUnreachableError(apiURL string) error {
	return fmt.Errorf("daemon not reachable at %s (start it with 'zombieclaw serve')", apiURL)
}

// printJSON pretty-prints a raw JSON payload to stdout.
func printJSON(data json.RawMessage) error {
	if len(data) == 0 {
		fmt.Println("{}")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
