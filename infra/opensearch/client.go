package opensearch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mstgnz/nativepay/infra/config"
	"github.com/mstgnz/nativepay/infra/logger"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

const (
	indexPrefix     = "nativepay-"
	systemLogsIndex = indexPrefix + "system-logs"
)

// providers that get a dedicated call index at startup
var providers = []string{"wechatpay"}

// Client wraps the OpenSearch client
type Client struct {
	client *opensearch.Client
	config *config.AppConfig
}

// NewClient creates a new OpenSearch client. Index setup is only attempted
// when logging is enabled, and its failure is not fatal.
func NewClient(cfg *config.AppConfig) (*Client, error) {
	opensearchConfig := opensearch.Config{
		Addresses: []string{cfg.OpenSearchURL},
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.OpenSearchInsecure,
			},
		},
		MaxRetries:    3,
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			return time.Duration(i) * 100 * time.Millisecond
		},
	}

	if cfg.OpenSearchUser != "" && cfg.OpenSearchPass != "" {
		opensearchConfig.Username = cfg.OpenSearchUser
		opensearchConfig.Password = cfg.OpenSearchPass
	}

	client, err := opensearch.NewClient(opensearchConfig)
	if err != nil {
		return nil, fmt.Errorf("opensearch client: %w", err)
	}

	osClient := &Client{
		client: client,
		config: cfg,
	}

	if osClient.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := osClient.setupIndices(ctx); err != nil {
			logger.Warn("Failed to setup OpenSearch indices", logger.LogContext{
				Fields: map[string]any{"error": err.Error()},
			})
		}
	}

	return osClient, nil
}

// GetClient returns the underlying OpenSearch client
func (c *Client) GetClient() *opensearch.Client {
	return c.client
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch ping: %s", res.Status())
	}
	return nil
}

// setupIndices creates the call index of every provider plus the system index
func (c *Client) setupIndices(ctx context.Context) error {
	indices := make([]string, 0, len(providers)+1)
	for _, p := range providers {
		indices = append(indices, c.GetLogIndexName(p))
	}
	indices = append(indices, systemLogsIndex)

	var firstErr error
	for _, indexName := range indices {
		exists, err := c.indexExists(ctx, indexName)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("check index %s: %w", indexName, err)
			}
			continue
		}
		if exists {
			continue
		}

		mapping := callIndexMapping
		if indexName == systemLogsIndex {
			mapping = systemIndexMapping
		}
		if err := c.createIndex(ctx, indexName, mapping); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("create index %s: %w", indexName, err)
			}
			continue
		}
		logger.Info("Created OpenSearch index", logger.LogContext{
			Fields: map[string]any{"index": indexName},
		})
	}

	return firstErr
}

// indexExists checks if an index exists
func (c *Client) indexExists(ctx context.Context, indexName string) (bool, error) {
	req := opensearchapi.IndicesExistsRequest{
		Index: []string{indexName},
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusOK, nil
}

func (c *Client) createIndex(ctx context.Context, indexName, mapping string) error {
	req := opensearchapi.IndicesCreateRequest{
		Index: indexName,
		Body:  strings.NewReader(mapping),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index creation error: %s", res.String())
	}

	return nil
}

// GetLogIndexName returns the call index of a provider, e.g. nativepay-wechatpay-calls
func (c *Client) GetLogIndexName(provider string) string {
	return indexPrefix + provider + "-calls"
}

// IsEnabled returns whether OpenSearch logging is enabled
func (c *Client) IsEnabled() bool {
	return c.config.EnableLogging
}

const callIndexMapping = `{
	"mappings": {
		"properties": {
			"id":          {"type": "keyword"},
			"timestamp":   {"type": "date", "format": "strict_date_optional_time||epoch_millis"},
			"provider":    {"type": "keyword"},
			"operation":   {"type": "keyword"},
			"method":      {"type": "keyword"},
			"endpoint":    {"type": "keyword"},
			"order_id":    {"type": "keyword"},
			"status_code": {"type": "integer"},
			"request_id":  {"type": "keyword"},
			"error_class": {"type": "keyword"},
			"error":       {"type": "text"},
			"duration":    {"type": "long"}
		}
	},
	"settings": {
		"number_of_shards": 1,
		"number_of_replicas": 0
	}
}`

const systemIndexMapping = `{
	"mappings": {
		"properties": {
			"timestamp":   {"type": "date", "format": "strict_date_optional_time||epoch_millis"},
			"level":       {"type": "keyword"},
			"message":     {"type": "text"},
			"component":   {"type": "keyword"},
			"function":    {"type": "keyword"},
			"provider":    {"type": "keyword"},
			"request_id":  {"type": "keyword"},
			"error":       {"type": "text"},
			"environment": {"type": "keyword"},
			"service":     {"type": "keyword"}
		}
	},
	"settings": {
		"number_of_shards": 1,
		"number_of_replicas": 0
	}
}`
