package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/keel/pkg/llm"
	"github.com/openai/openai-go"
)

// Settings configures a single vendor client.
type Settings struct {
	Kind        string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// New builds the vendor adapter named by s.Kind.
func New(s Settings) (llm.Provider, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %q", s.Kind)
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 4096
	}
	switch s.Kind {
	case "anthropic":
		return NewAnthropic(s), nil
	case "openai":
		return NewOpenAI(s), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", s.Kind)
	}
}

// IsRetryable reports whether err is transient: rate limits, server errors and
// connection resets.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return retryableStatus(aerr.StatusCode)
	}
	var oerr *openai.Error
	if errors.As(err, &oerr) {
		return retryableStatus(oerr.StatusCode)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "timeout", "429", "rate limit", "500", "502", "503", "504", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
