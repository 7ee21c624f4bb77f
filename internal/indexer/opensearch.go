package indexer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"espcap/internal/logger"
	"espcap/internal/transform"
)

// OpenSearchConfig configures the bulk backend.
type OpenSearchConfig struct {
	// Node is one address or a comma separated list. A missing scheme
	// defaults to http.
	Node          string
	Username      string
	Password      string
	TLSSkipVerify bool
	// Action is the bulk action, "index" or "create"
	Action string
	// Prefix names the indices covered by the index template
	Prefix string
}

// OpenSearchBackend writes bulk requests to OpenSearch or Elasticsearch.
type OpenSearchBackend struct {
	client *opensearch.Client
	action string
	prefix string
	log    *logger.Logger
}

// NewOpenSearchBackend creates the client. It does not contact the cluster.
func NewOpenSearchBackend(cfg OpenSearchConfig) (*OpenSearchBackend, error) {
	addrs := nodeAddresses(cfg.Node)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no backend node configured")
	}
	action := cfg.Action
	if action == "" {
		action = "index"
	}
	if action != "index" && action != "create" {
		return nil, fmt.Errorf("unsupported bulk action %q", action)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = transform.DefaultPrefix
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:    addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearchBackend{
		client: client,
		action: action,
		prefix: prefix,
		log:    logger.GetLogger(),
	}, nil
}

func nodeAddresses(node string) []string {
	var addrs []string
	for _, n := range strings.Split(node, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !strings.Contains(n, "://") {
			n = "http://" + n
		}
		addrs = append(addrs, strings.TrimRight(n, "/"))
	}
	return addrs
}

// Ping checks that the cluster answers.
func (b *OpenSearchBackend) Ping(ctx context.Context) error {
	res, err := b.client.Info(b.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

// EnsureTemplate installs the index template for <prefix>-* indices.
func (b *OpenSearchBackend) EnsureTemplate(ctx context.Context) error {
	body, err := json.Marshal(indexTemplate(b.prefix))
	if err != nil {
		return err
	}
	res, err := b.client.Indices.PutIndexTemplate(
		b.prefix+"-template",
		bytes.NewReader(body),
		b.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("failed to create index template: %s - %s", res.Status(), string(msg))
	}
	b.log.Info("[indexer] index template %s-template installed", b.prefix)
	return nil
}

func indexTemplate(prefix string) map[string]interface{} {
	return map[string]interface{}{
		"index_patterns": []string{prefix + "-*"},
		"template": map[string]interface{}{
			"mappings": map[string]interface{}{
				"dynamic_templates": []interface{}{
					map[string]interface{}{
						"strings_as_keyword": map[string]interface{}{
							"match_mapping_type": "string",
							"mapping": map[string]interface{}{
								"type":         "keyword",
								"ignore_above": 1024,
							},
						},
					},
				},
				"properties": map[string]interface{}{
					"@timestamp": map[string]interface{}{"type": "date"},
					"timestamp":  map[string]interface{}{"type": "date", "format": "epoch_millis"},
					"protocols":  map[string]interface{}{"type": "keyword"},
					"capture": map[string]interface{}{
						"properties": map[string]interface{}{
							"source":   map[string]interface{}{"type": "keyword"},
							"session":  map[string]interface{}{"type": "keyword"},
							"sequence": map[string]interface{}{"type": "long"},
						},
					},
				},
			},
		},
		"priority": 100,
	}
}

// Bulk sends docs as one NDJSON bulk request. A document that cannot be
// encoded is left out of the request and answered with a failed result in
// its position, so one bad document never fails the whole chunk.
func (b *OpenSearchBackend) Bulk(ctx context.Context, docs []transform.IndexDocument) ([]ItemResult, error) {
	results := make([]ItemResult, len(docs))
	sent := make([]int, 0, len(docs))

	var body bytes.Buffer
	for i, doc := range docs {
		source, err := json.Marshal(doc.Body)
		if err != nil {
			results[i] = ItemResult{
				Action: b.action,
				Index:  doc.Index,
				Error:  &ItemError{Type: EncodeErrorType, Reason: err.Error()},
			}
			continue
		}
		meta, err := json.Marshal(map[string]map[string]string{b.action: {"_index": doc.Index}})
		if err != nil {
			return nil, err
		}
		body.Write(meta)
		body.WriteByte('\n')
		body.Write(source)
		body.WriteByte('\n')
		sent = append(sent, i)
	}
	if len(sent) == 0 {
		return results, nil
	}

	res, err := b.client.Bulk(bytes.NewReader(body.Bytes()), b.client.Bulk.WithContext(ctx))
	if err != nil {
		return nil, &BackendUnavailableError{Err: err}
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &BackendUnavailableError{Err: fmt.Errorf("%s: %s", res.Status(), strings.TrimSpace(string(msg)))}
	}

	var parsed opensearchutil.BulkIndexerResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, &BackendUnavailableError{Err: fmt.Errorf("decode bulk response: %w", err)}
	}
	if len(parsed.Items) != len(sent) {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrResultMismatch, len(sent), len(parsed.Items))
	}

	for n, entry := range parsed.Items {
		for action, item := range entry {
			results[sent[n]] = itemResult(action, item)
		}
	}
	return results, nil
}

func itemResult(action string, item opensearchutil.BulkIndexerResponseItem) ItemResult {
	r := ItemResult{
		OK:     item.Status >= 200 && item.Status < 300 && item.Error.Type == "",
		Action: action,
		Status: item.Status,
		Index:  item.Index,
		ID:     item.DocumentID,
		Result: item.Result,
	}
	if item.Error.Type != "" || item.Error.Reason != "" {
		r.Error = &ItemError{Type: item.Error.Type, Reason: item.Error.Reason}
	}
	return r
}
