// Package opensearch indexes lifecycle events into OpenSearch or
// Elasticsearch through the document REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/history"
)

// Sink writes one document per event with PUT {base}/{index}/_create/{id}.
// The id is derived from the event, so a retried send never duplicates.
type Sink struct {
	client *http.Client
	base   string
	index  string
	user   *url.Userinfo
}

func New(baseURL, index string) *Sink {
	s := &Sink{client: &http.Client{Timeout: 5 * time.Second}, index: index}
	if u, err := url.Parse(baseURL); err == nil && u.User != nil {
		s.user = u.User
		u.User = nil
		baseURL = u.String()
	}
	s.base = strings.TrimRight(baseURL, "/")
	return s
}

// document is the indexed shape: the record flattened next to the event
// type under the conventional @timestamp field.
type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Type      history.EventType `json:"type"`
	history.Record
}

// DocumentID identifies e within the index.
func DocumentID(e history.Event) string {
	return strings.Join([]string{
		e.Record.Pool,
		strconv.Itoa(e.Record.PID),
		strconv.FormatUint(e.Record.Age, 10),
		string(e.Type),
		strconv.FormatInt(e.OccurredAt.UnixNano(), 10),
	}, "-")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{Timestamp: e.OccurredAt.UTC(), Type: e.Type, Record: e.Record})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_create/%s", s.base, url.PathEscape(s.index), url.PathEscape(DocumentID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != nil {
		pw, _ := s.user.Password()
		req.SetBasicAuth(s.user.Username(), pw)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusConflict:
		// already indexed by an earlier attempt
		return nil
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: %s %s: %s", req.Method, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
