package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

const (
	cardFile     = "README.md"
	frontMarker  = "---"
	defaultSplit = "train"
)

// cardConfig is one entry of the dataset card "configs" list.
type cardConfig struct {
	ConfigName string    `yaml:"config_name"`
	DataFiles  dataFiles `yaml:"data_files"`
}

// dataFiles maps split -> path patterns. The card allows a single pattern, a
// list of patterns, a list of {split, path} entries or a split -> path mapping.
type dataFiles map[string][]string

func (d *dataFiles) UnmarshalYAML(n *yaml.Node) error {
	out := dataFiles{}
	switch n.Kind {
	case yaml.ScalarNode:
		out[defaultSplit] = []string{n.Value}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				out[defaultSplit] = append(out[defaultSplit], item.Value)
			case yaml.MappingNode:
				var entry struct {
					Split string    `yaml:"split"`
					Path  yaml.Node `yaml:"path"`
				}
				if err := item.Decode(&entry); err != nil {
					return err
				}
				split := entry.Split
				if split == "" {
					split = defaultSplit
				}
				paths, err := patternList(&entry.Path)
				if err != nil {
					return err
				}
				out[split] = append(out[split], paths...)
			default:
				return fmt.Errorf("line %d: unsupported data_files entry", item.Line)
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			paths, err := patternList(n.Content[i+1])
			if err != nil {
				return err
			}
			out[n.Content[i].Value] = append(out[n.Content[i].Value], paths...)
		}
	default:
		return fmt.Errorf("line %d: unsupported data_files value", n.Line)
	}
	*d = out
	return nil
}

func patternList(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		var paths []string
		if err := n.Decode(&paths); err != nil {
			return nil, err
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("line %d: path must be a string or a list", n.Line)
	}
}

// splitFrontMatter separates the YAML front matter of a dataset card from its body.
// ok is false when the card has no front matter.
func splitFrontMatter(card string) (front, body string, ok bool) {
	card = strings.ReplaceAll(card, "\r\n", "\n")
	if !strings.HasPrefix(card, frontMarker+"\n") {
		return "", card, false
	}
	rest := card[len(frontMarker)+1:]
	end := strings.Index(rest, "\n"+frontMarker)
	if end < 0 {
		return "", card, false
	}
	front = rest[:end+1]
	body = strings.TrimPrefix(rest[end+1+len(frontMarker):], "\n")
	return front, body, true
}

// parseConfigs extracts the configs declared in a dataset card.
func parseConfigs(card string) ([]cardConfig, error) {
	front, _, ok := splitFrontMatter(card)
	if !ok {
		return nil, nil
	}
	var meta struct {
		Configs []cardConfig `yaml:"configs"`
	}
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return nil, fmt.Errorf("parse dataset card front matter: %w", err)
	}
	return meta.Configs, nil
}

// withSubsetConfig returns card with a config named subset pointing at the
// subset's published files. An existing config of that name is replaced.
func withSubsetConfig(card, subset string) (string, error) {
	front, body, _ := splitFrontMatter(card)
	meta := map[string]any{}
	if front != "" {
		if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
			return "", fmt.Errorf("parse dataset card front matter: %w", err)
		}
	}
	entry := map[string]any{
		"config_name": subset,
		"data_files": []map[string]string{
			{"split": defaultSplit, "path": subset + "/" + defaultSplit + "-*"},
		},
	}
	configs, _ := meta["configs"].([]any)
	replaced := false
	for i, c := range configs {
		if m, ok := c.(map[string]any); ok && m["config_name"] == subset {
			configs[i] = entry
			replaced = true
		}
	}
	if !replaced {
		configs = append(configs, entry)
	}
	meta["configs"] = configs

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return "", fmt.Errorf("encode dataset card front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode dataset card front matter: %w", err)
	}
	return frontMarker + "\n" + buf.String() + frontMarker + "\n" + body, nil
}

// readCard downloads the dataset card at revision. A missing card or dataset
// yields ErrNotFound.
func (c *Client) readCard(ctx context.Context, dataset, revision string) (string, error) {
	cardURL := c.datasetURL("datasets", dataset, "resolve", revision, cardFile)
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, cardURL, nil)
	})
	if err != nil {
		return "", fmt.Errorf("read %s card: %w", dataset, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s card: %w", dataset, err)
	}
	return string(raw), nil
}

// PartitionMetadata returns the partitions declared in the dataset card. A
// dataset without a card or without configs has no partition metadata.
func (c *Client) PartitionMetadata(ctx context.Context, dataset string) ([]extract.PartitionMeta, error) {
	card, err := c.readCard(ctx, dataset, c.revision)
	if errors.Is(err, ErrNotFound) {
		c.logger.Info("dataset card not found; partitions fall back to directories")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	configs, err := parseConfigs(card)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dataset, err)
	}
	out := make([]extract.PartitionMeta, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, extract.PartitionMeta{Name: cfg.ConfigName, Splits: cfg.DataFiles})
	}
	return out, nil
}

// Has reports whether result already declares a config named subset. A missing
// result dataset is reported as false.
func (c *Client) Has(ctx context.Context, result, subset string) (bool, error) {
	card, err := c.readCard(ctx, result, c.resultRevision)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	configs, err := parseConfigs(card)
	if err != nil {
		return false, fmt.Errorf("%s: %w", result, err)
	}
	for _, cfg := range configs {
		if cfg.ConfigName == subset {
			return true, nil
		}
	}
	return false, nil
}
