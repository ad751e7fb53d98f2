package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"go.uber.org/zap"
)

const lfsMediaType = "application/vnd.git-lfs+json"

// lfsObject identifies a large file by the hex SHA-256 of its content.
type lfsObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsBatchRequest struct {
	Operation string      `json:"operation"`
	Transfers []string    `json:"transfers"`
	Objects   []lfsObject `json:"objects"`
	HashAlgo  string      `json:"hash_algo"`
}

type lfsAction struct {
	Href   string         `json:"href"`
	Header map[string]any `json:"header"`
}

type lfsBatchObject struct {
	lfsObject
	Actions struct {
		Upload *lfsAction `json:"upload"`
		Verify *lfsAction `json:"verify"`
	} `json:"actions"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type lfsBatchResponse struct {
	Objects []lfsBatchObject `json:"objects"`
}

type lfsPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type lfsCompletion struct {
	OID   string    `json:"oid"`
	Parts []lfsPart `json:"parts"`
}

// hashPayload returns the LFS identity of payload.
func hashPayload(payload *io.SectionReader) (lfsObject, error) {
	h := sha256.New()
	n, err := io.Copy(h, io.NewSectionReader(payload, 0, payload.Size()))
	if err != nil {
		return lfsObject{}, fmt.Errorf("hash payload: %w", err)
	}
	return lfsObject{OID: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// uploadLFS stores payload in the result dataset's large file storage. The hub
// answers the batch request without an upload action when it already holds
// the object, in which case nothing is sent.
func (c *Client) uploadLFS(ctx context.Context, result string, obj lfsObject, payload *io.SectionReader) error {
	batch, err := c.lfsBatch(ctx, result, obj)
	if err != nil {
		return err
	}
	if batch.Error != nil {
		return fmt.Errorf("lfs object %s rejected: %d %s", obj.OID, batch.Error.Code, batch.Error.Message)
	}
	upload := batch.Actions.Upload
	if upload == nil {
		c.logger.Debug("lfs object already stored", zap.String("oid", obj.OID))
		return nil
	}
	if _, multipart := upload.Header["chunk_size"]; multipart {
		err = c.uploadParts(ctx, upload, obj, payload)
	} else {
		err = c.uploadWhole(ctx, upload, payload)
	}
	if err != nil {
		return fmt.Errorf("upload lfs object %s: %w", obj.OID, err)
	}
	if verify := batch.Actions.Verify; verify != nil {
		resp, err := c.sendJSON(ctx, http.MethodPost, verify.Href, obj, true)
		if err != nil {
			return fmt.Errorf("verify lfs object %s: %w", obj.OID, err)
		}
		_ = resp.Body.Close()
	}
	c.logger.Debug("lfs object uploaded", zap.String("oid", obj.OID), zap.Int64("bytes", obj.Size))
	return nil
}

func (c *Client) lfsBatch(ctx context.Context, result string, obj lfsObject) (lfsBatchObject, error) {
	batchURL := c.datasetURL("datasets", result+".git", "info/lfs/objects/batch")
	resp, err := c.sendJSON(ctx, http.MethodPost, batchURL, lfsBatchRequest{
		Operation: "upload",
		Transfers: []string{"basic", "multipart"},
		Objects:   []lfsObject{obj},
		HashAlgo:  "sha256",
	}, true)
	if err != nil {
		return lfsBatchObject{}, fmt.Errorf("lfs batch for %s: %w", result, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	var out lfsBatchResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return lfsBatchObject{}, fmt.Errorf("decode lfs batch for %s: %w", result, err)
	}
	for _, o := range out.Objects {
		if o.OID == obj.OID {
			return o, nil
		}
	}
	return lfsBatchObject{}, fmt.Errorf("lfs batch for %s: object %s missing from response", result, obj.OID)
}

// uploadWhole sends payload in one PUT to a pre-signed URL.
func (c *Client) uploadWhole(ctx context.Context, action *lfsAction, payload *io.SectionReader) error {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return uploadRequest(ctx, action.Href, action.Header, io.NewSectionReader(payload, 0, payload.Size()))
	})
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// uploadParts sends payload as chunk_size parts to the numbered pre-signed URLs
// of action, then reports the part ETags to the completion URL.
func (c *Client) uploadParts(ctx context.Context, action *lfsAction, obj lfsObject, payload *io.SectionReader) error {
	chunkSize, err := strconv.ParseInt(headerValue(action.Header["chunk_size"]), 10, 64)
	if err != nil || chunkSize <= 0 {
		return fmt.Errorf("invalid chunk_size %v", action.Header["chunk_size"])
	}
	urls := partURLs(action.Header)
	if want := (obj.Size + chunkSize - 1) / chunkSize; int64(len(urls)) != want {
		return fmt.Errorf("got %d part URLs for %d parts", len(urls), want)
	}

	completion := lfsCompletion{OID: obj.OID, Parts: make([]lfsPart, 0, len(urls))}
	for i, partURL := range urls {
		off := int64(i) * chunkSize
		n := min(chunkSize, obj.Size-off)
		resp, err := c.do(ctx, func() (*http.Request, error) {
			return uploadRequest(ctx, partURL, nil, io.NewSectionReader(payload, off, n))
		})
		if err != nil {
			return fmt.Errorf("part %d: %w", i+1, err)
		}
		etag := resp.Header.Get("ETag")
		_ = resp.Body.Close()
		if etag == "" {
			return fmt.Errorf("part %d: no ETag in response", i+1)
		}
		completion.Parts = append(completion.Parts, lfsPart{PartNumber: i + 1, ETag: etag})
	}

	resp, err := c.sendJSON(ctx, http.MethodPost, action.Href, completion, false)
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// uploadRequest builds an unauthenticated PUT; pre-signed URLs carry their own
// credentials.
func uploadRequest(ctx context.Context, target string, header map[string]any, body *io.SectionReader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = body.Size()
	for k, v := range header {
		req.Header.Set(k, headerValue(v))
	}
	return req, nil
}

// sendJSON posts body as git-lfs JSON. Hub endpoints get the bearer token;
// storage endpoints do not.
func (c *Client) sendJSON(ctx context.Context, method, target string, body any, authenticated bool) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, func() (*http.Request, error) {
		var (
			req *http.Request
			err error
		)
		if authenticated {
			req, err = c.newRequest(ctx, method, target, bytes.NewReader(raw))
		} else {
			req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(raw))
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", lfsMediaType)
		req.Header.Set("Content-Type", lfsMediaType)
		return req, nil
	})
}

// partURLs returns the values of the numeric header keys ordered by part number.
func partURLs(header map[string]any) []string {
	type part struct {
		n   int
		url string
	}
	var parts []part
	for k, v := range header {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		parts = append(parts, part{n: n, url: headerValue(v)})
	}
	slices.SortFunc(parts, func(a, b part) int { return a.n - b.n })
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.url
	}
	return out
}

func headerValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
