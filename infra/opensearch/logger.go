package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/nativepay/provider"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// Logger ships gateway call records and system logs to OpenSearch
type Logger struct {
	client *Client
}

// NewLogger creates a new OpenSearch logger
func NewLogger(client *Client) *Logger {
	return &Logger{
		client: client,
	}
}

var _ provider.CallLogger = (*Logger)(nil)

// LogCall indexes one gateway call. The entry ID is the document ID, so a
// retried write does not duplicate the record.
func (l *Logger) LogCall(ctx context.Context, entry provider.CallLog) error {
	if !l.client.IsEnabled() {
		return nil
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Error = SanitizeForLog(entry.Error)

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal call log: %w", err)
	}

	return l.index(ctx, l.client.GetLogIndexName(entry.Provider), entry.ID, body)
}

// LogSystemEvent implements logger.Sink.
func (l *Logger) LogSystemEvent(ctx context.Context, entry any) error {
	if !l.client.IsEnabled() {
		return nil
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal system log: %w", err)
	}

	return l.index(ctx, systemLogsIndex, "", body)
}

func (l *Logger) index(ctx context.Context, indexName, documentID string, body []byte) error {
	req := opensearchapi.IndexRequest{
		Index:      indexName,
		DocumentID: documentID,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return fmt.Errorf("failed to index into %s: %w", indexName, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch error: %s", res.String())
	}

	return nil
}

// SearchCalls returns the newest calls recorded for an order, up to size.
func (l *Logger) SearchCalls(ctx context.Context, providerName, orderID string, size int) ([]provider.CallLog, error) {
	if !l.client.IsEnabled() {
		return nil, fmt.Errorf("logging is disabled")
	}
	if size <= 0 {
		size = 50
	}

	query := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"order_id": orderID},
		},
		"sort": []map[string]any{
			{"timestamp": map[string]string{"order": "desc"}},
		},
		"size": size,
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req := opensearchapi.SearchRequest{
		Index: []string{l.client.GetLogIndexName(providerName)},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("opensearch search error: %s", res.String())
	}

	var searchResult struct {
		Hits struct {
			Hits []struct {
				Source provider.CallLog `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	calls := make([]provider.CallLog, len(searchResult.Hits.Hits))
	for i, hit := range searchResult.Hits.Hits {
		calls[i] = hit.Source
	}
	return calls, nil
}

var sensitivePatterns = func() []*regexp.Regexp {
	fields := []string{
		"authorization", "signature", "api_v3_key", "apiv3_key", "private_key",
		"ciphertext", "openid", "code_url",
	}
	var out []*regexp.Regexp
	for _, field := range fields {
		out = append(out,
			regexp.MustCompile(fmt.Sprintf(`(?i)"%s"\s*:\s*"[^"]*"`, field)),
			regexp.MustCompile(fmt.Sprintf(`(?i)\b%s=("[^"]*"|[^\s,&]+)`, field)),
		)
	}
	return out
}()

// SanitizeForLog redacts credentials and payer identifiers from free text
// such as gateway error messages.
func SanitizeForLog(data string) string {
	if data == "" {
		return data
	}
	result := data
	for i, re := range sensitivePatterns {
		if i%2 == 0 {
			result = re.ReplaceAllStringFunc(result, func(m string) string {
				key := m[:strings.IndexByte(m, ':')]
				return key + `:"***REDACTED***"`
			})
			continue
		}
		result = re.ReplaceAllStringFunc(result, func(m string) string {
			key := m[:strings.IndexByte(m, '=')]
			return key + "=***REDACTED***"
		})
	}
	return result
}
