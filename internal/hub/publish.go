package hub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/parquetio"
)

// ShardFileName is the object name of a published subset inside its directory.
const ShardFileName = "train-00000-of-00001.parquet"

type createRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Private      bool   `json:"private"`
}

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type commitFile struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type commitLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// Publish uploads rows as the subset's parquet file and declares the subset as a
// config in the result dataset card, creating the result dataset when needed.
// The rows are spooled to a local temp file so memory stays bounded; the file
// goes to large file storage and the commit references it by hash.
func (c *Client) Publish(
	ctx context.Context,
	result, subset string,
	rows iter.Seq2[extract.Record, error],
	visibility extract.Visibility,
) (extract.PublishResult, error) {
	if err := c.ensureRepo(ctx, result, visibility); err != nil {
		return extract.PublishResult{}, err
	}

	spool, err := os.CreateTemp("", "fineweb-news-publish-*.parquet")
	if err != nil {
		return extract.PublishResult{}, fmt.Errorf("create publish spool: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()
	count, err := parquetio.Write(spool, rows, 0)
	if err != nil {
		return extract.PublishResult{}, fmt.Errorf("encode subset %s: %w", subset, err)
	}
	info, err := spool.Stat()
	if err != nil {
		return extract.PublishResult{}, fmt.Errorf("stat publish spool: %w", err)
	}
	payload := io.NewSectionReader(spool, 0, info.Size())
	obj, err := hashPayload(payload)
	if err != nil {
		return extract.PublishResult{}, err
	}

	card, err := c.readCard(ctx, result, c.resultRevision)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return extract.PublishResult{}, err
	}
	card, err = withSubsetConfig(card, subset)
	if err != nil {
		return extract.PublishResult{}, err
	}

	if err := c.uploadLFS(ctx, result, obj, payload); err != nil {
		return extract.PublishResult{}, err
	}
	if err := c.commit(ctx, result, subset, card, obj); err != nil {
		return extract.PublishResult{}, err
	}
	uri := locatorPrefix + result + "/" + subset
	c.logger.Info("subset committed",
		zap.String("result", result),
		zap.String("revision", c.resultRevision),
		zap.String("subset", subset),
		zap.Int64("rows", count),
		zap.Int64("bytes", obj.Size),
	)
	return extract.PublishResult{URI: uri, Rows: count}, nil
}

func (c *Client) ensureRepo(ctx context.Context, result string, visibility extract.Visibility) error {
	body := createRepoRequest{Type: "dataset", Name: result, Private: visibility.Private()}
	if org, name, ok := strings.Cut(result, "/"); ok {
		body.Organization, body.Name = org, name
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode create request: %w", err)
	}
	createURL := c.datasetURL("api/repos/create")
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, createURL, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, http.StatusOK, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return fmt.Errorf("create dataset %s: %w", result, err)
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) commit(ctx context.Context, result, subset, card string, obj lfsObject) error {
	var body bytes.Buffer
	if err := writeCommit(&body, subset, card, obj); err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	commitURL := c.datasetURL("api/datasets", result, "commit", c.resultRevision)
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, commitURL, bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-ndjson")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("commit subset %s to %s@%s: %w", subset, result, c.resultRevision, err)
	}
	_ = resp.Body.Close()
	return nil
}

// writeCommit writes the NDJSON commit body: a header line, the inline dataset
// card and a pointer to the uploaded parquet object.
func writeCommit(w io.Writer, subset, card string, obj lfsObject) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(commitLine{Key: "header", Value: commitHeader{
		Summary: "Add subset " + subset,
	}}); err != nil {
		return err
	}
	if err := enc.Encode(commitLine{Key: "file", Value: commitFile{
		Path:     cardFile,
		Encoding: "base64",
		Content:  base64.StdEncoding.EncodeToString([]byte(card)),
	}}); err != nil {
		return err
	}
	return enc.Encode(commitLine{Key: "lfsFile", Value: commitLFSFile{
		Path: subset + "/" + ShardFileName,
		Algo: "sha256",
		OID:  obj.OID,
		Size: obj.Size,
	}})
}
