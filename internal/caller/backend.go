package caller

import (
	"fmt"
	"net/url"
	"strings"
)

type BackendKind string

const (
	BackendHosted     BackendKind = "hosted"
	BackendSelfHosted BackendKind = "self_hosted"
)

// Backend selects where completions are served from. APIBase is only used
// by self-hosted backends.
type Backend struct {
	Kind    BackendKind
	APIBase string
}

// selfHostedMarkers are substrings of model ids served by local inference,
// with the endpoint used when no api base is configured.
var selfHostedMarkers = []struct {
	marker      string
	defaultBase string
}{
	{"ollama", "http://localhost:11434/v1"},
	{"huggingface", "https://router.huggingface.co/v1"},
}

func Hosted() Backend {
	return Backend{Kind: BackendHosted}
}

func SelfHosted(apiBase string) Backend {
	return Backend{Kind: BackendSelfHosted, APIBase: strings.TrimSpace(apiBase)}
}

func (b Backend) IsSelfHosted() bool {
	return b.Kind == BackendSelfHosted
}

func (b Backend) String() string {
	if b.Kind == "" {
		return string(BackendHosted)
	}
	return string(b.Kind)
}

// DetectBackend picks a backend from the model id: ids mentioning a local
// inference marker are self-hosted and get apiBase, or the marker's default
// endpoint when apiBase is empty.
func DetectBackend(model, apiBase string) Backend {
	for _, m := range selfHostedMarkers {
		if !strings.Contains(model, m.marker) {
			continue
		}
		if strings.TrimSpace(apiBase) == "" {
			apiBase = m.defaultBase
		}
		return SelfHosted(apiBase)
	}
	return Hosted()
}

// ParseBackend resolves a configured backend name; "auto" and "" defer to
// DetectBackend.
func ParseBackend(name, model, apiBase string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return DetectBackend(model, apiBase), nil
	case "hosted":
		return Hosted(), nil
	case "self_hosted", "self-hosted", "selfhosted", "local":
		if strings.TrimSpace(apiBase) == "" {
			return Backend{}, fmt.Errorf("self-hosted backend requires an api base")
		}
		return SelfHosted(apiBase), nil
	default:
		return Backend{}, fmt.Errorf("unsupported backend %q", name)
	}
}

// wireModel strips the provider qualifier from ids like "ollama/llama3".
func wireModel(model string) string {
	prefix, rest, ok := strings.Cut(model, "/")
	if !ok {
		return model
	}
	switch strings.ToLower(prefix) {
	case "ollama", "ollama_chat", "huggingface", "openai":
		return rest
	default:
		return model
	}
}

// normalizeAPIBase makes sure the base ends with the /v1 prefix used by
// OpenAI-compatible servers.
func normalizeAPIBase(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("api base is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse api base: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("api base %q must be an absolute url", base)
	}
	path := strings.TrimSuffix(u.Path, "/")
	path = strings.TrimSuffix(path, "/chat/completions")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	u.Path = path
	return u.String(), nil
}
