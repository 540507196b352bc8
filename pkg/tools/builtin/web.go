package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/harun/keel/pkg/tools"
)

const maxFetchBytes = 512 * 1024

func WebFetch(opts Options) tools.Tool {
	client := &http.Client{Timeout: opts.HTTPTimeout}

	return tools.New(tools.Spec{
		Name:        "web_fetch",
		Description: "Fetch a URL over HTTP(S) and return the response body.",
		Parameters: []tools.Parameter{
			{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
		},
	}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
		raw := stringArg(args, "url")
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return tools.Errorf("invalid url: %s", raw), nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return tools.Result{}, err
		}
		req.Header.Set("User-Agent", "keel/1.0")

		resp, err := client.Do(req)
		if err != nil {
			return tools.Result{}, fmt.Errorf("fetch %s: %w", u.Host, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return tools.Result{}, err
		}
		if resp.StatusCode >= 500 {
			return tools.Result{}, fmt.Errorf("fetch %s: status %d", u.Host, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return tools.Errorf("status %d\n%s", resp.StatusCode, strings.TrimSpace(string(body))), nil
		}
		return tools.OK(string(body)), nil
	})
}
