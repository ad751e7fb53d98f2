package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
)

var nextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// ListFiles returns the path of every file in the dataset repository, following
// paginated tree listings until exhausted.
func (c *Client) ListFiles(ctx context.Context, dataset string) ([]string, error) {
	next := c.datasetURL("api/datasets", dataset, "tree", c.revision) + "?recursive=true&expand=false"
	var files []string
	for page := 1; next != ""; page++ {
		pageURL := next
		resp, err := c.do(ctx, func() (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, pageURL, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("list %s page %d: %w", dataset, page, err)
		}
		var entries []treeEntry
		err = json.NewDecoder(resp.Body).Decode(&entries)
		resp.Body.Close() //nolint:errcheck,gosec // read-only body
		if err != nil {
			return nil, fmt.Errorf("decode %s page %d: %w", dataset, page, err)
		}
		for _, e := range entries {
			if e.Type == "file" {
				files = append(files, e.Path)
			}
		}
		next = ""
		if m := nextLink.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
			next = m[1]
		}
	}
	return files, nil
}
