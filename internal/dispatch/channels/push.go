package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// PushConfig holds the configuration for the push gateway channel.
type PushConfig struct {
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"`           // POST or PUT (default POST)
	Headers         map[string]string `yaml:"headers"`          // custom headers, e.g. an API key
	PayloadTemplate string            `yaml:"payload_template"` // Go template for the JSON body
}

// PushSender forwards push intents to an HTTP push gateway. The recipient is
// the device or topic token understood by the gateway.
type PushSender struct {
	config PushConfig
	client *http.Client
	tmpl   *template.Template
}

// NewPushSender creates a PushSender from the given config.
func NewPushSender(config PushConfig) (*PushSender, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url is required for push channel")
	}
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	config.Method = strings.ToUpper(config.Method)

	s := &PushSender{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}

	if config.PayloadTemplate != "" {
		tmpl, err := template.New("push").Parse(config.PayloadTemplate)
		if err != nil {
			return nil, fmt.Errorf("invalid payload template: %w", err)
		}
		s.tmpl = tmpl
	}

	return s, nil
}

func (s *PushSender) Channel() dispatch.Channel { return dispatch.ChannelPush }

func (s *PushSender) Send(ctx context.Context, in dispatch.Intent) error {
	var body []byte
	var err error

	if s.tmpl != nil {
		var buf bytes.Buffer
		if err := s.tmpl.Execute(&buf, in); err != nil {
			return fmt.Errorf("execute payload template: %w", err)
		}
		body = buf.Bytes()
	} else {
		body, err = json.Marshal(defaultPushPayload(in))
		if err != nil {
			return fmt.Errorf("marshal default payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, s.config.Method, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.CorrelationID)
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func defaultPushPayload(in dispatch.Intent) map[string]interface{} {
	return map[string]interface{}{
		"id":    in.CorrelationID,
		"to":    in.Recipient,
		"title": in.Subject,
		"body":  in.Message,
	}
}
