package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const httpBodyLimit = 64 * 1024

// RegisterBuiltins adds the default tool set to a registry.
func RegisterBuiltins(reg *Registry) {
	reg.Register("get_current_time", "Get the current time in RFC3339 format",
		func(_ context.Context, _ map[string]interface{}) (string, error) {
			return fmt.Sprintf(`{"time":"%s"}`, time.Now().Format(time.RFC3339)), nil
		})

	reg.Register("read_file", "Read a text file. Arguments: path (string)",
		func(_ context.Context, args map[string]interface{}) (string, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return "", fmt.Errorf("path is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		})

	reg.Register("http_get", "Fetch a URL over HTTP GET. Arguments: url (string)",
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return "", fmt.Errorf("url is required")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return "", fmt.Errorf("build request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
			if err != nil {
				return "", fmt.Errorf("read body: %w", err)
			}
			out, _ := json.Marshal(map[string]interface{}{
				"success": resp.StatusCode < 400,
				"output":  string(body),
				"error":   statusError(resp.StatusCode),
			})
			return string(out), nil
		})
}

func statusError(code int) string {
	if code < 400 {
		return ""
	}
	return fmt.Sprintf("http status %d", code)
}
