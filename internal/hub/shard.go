package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

const locatorPrefix = "hf://datasets/"

// resolveURL maps an hf://datasets/{owner}/{name}/{file} locator to its download URL.
func (c *Client) resolveURL(locator string) (string, error) {
	rest, ok := strings.CutPrefix(locator, locatorPrefix)
	if !ok {
		return "", fmt.Errorf("locator %q: missing %s prefix", locator, locatorPrefix)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("locator %q: expected %s{owner}/{name}/{file}", locator, locatorPrefix)
	}
	return c.datasetURL("datasets", parts[0]+"/"+parts[1], "resolve", c.revision, parts[2]), nil
}

// Open returns a random-access view of a remote shard. Only the byte ranges the
// parquet reader asks for (footer and projected column chunks) are downloaded.
func (c *Client) Open(ctx context.Context, locator string) (extract.ShardFile, error) {
	target, err := c.resolveURL(locator)
	if err != nil {
		return nil, err
	}
	f := &rangeFile{client: c, ctx: ctx, url: target}
	size, err := f.probe()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", locator, err)
	}
	f.size = size
	return f, nil
}

// rangeFile reads a remote object with HTTP range requests. It carries the
// context of the Open call because io.ReaderAt has no context parameter.
type rangeFile struct {
	client *Client
	ctx    context.Context //nolint:containedctx // scoped to one shard read
	url    string
	size   int64
}

func (f *rangeFile) Size() int64 { return f.size }

func (f *rangeFile) Close() error { return nil }

func (f *rangeFile) get(start, end int64) (*http.Response, error) {
	return f.client.do(f.ctx, func() (*http.Request, error) {
		req, err := f.client.newRequest(f.ctx, http.MethodGet, f.url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		return req, nil
	}, http.StatusPartialContent)
}

// probe learns the object size from the Content-Range of a one byte read.
func (f *rangeFile) probe() (int64, error) {
	resp, err := f.get(0, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	_, total, ok := strings.Cut(resp.Header.Get("Content-Range"), "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("no object size in Content-Range %q", resp.Header.Get("Content-Range"))
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse Content-Range %q: %w", resp.Header.Get("Content-Range"), err)
	}
	return size, nil
}

func (f *rangeFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= f.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= f.size {
		end = f.size - 1
	}
	resp, err := f.get(off, end)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	n, err := io.ReadFull(resp.Body, p[:end-off+1])
	if err != nil {
		return n, fmt.Errorf("read bytes %d-%d: %w", off, end, err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
