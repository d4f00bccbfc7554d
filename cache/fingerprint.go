package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/planforge/planforge/llm"
)

// Fingerprint derives the cache key for a request: a SHA-256 digest over the
// canonical encoding of every field that affects generated output. Two
// requests differing in any such field never share a key; encoding/json
// sorts map keys, so function schemas hash deterministically.
func Fingerprint(req *llm.Request) string {
	canonical, err := json.Marshal(struct {
		Prompt      string                   `json:"prompt"`
		Model       string                   `json:"model"`
		MaxTokens   int64                    `json:"max_tokens"`
		Temperature *float64                 `json:"temperature"`
		TopP        *float64                 `json:"top_p"`
		Functions   []llm.FunctionDefinition `json:"functions,omitempty"`
	}{req.Prompt, req.Model, req.MaxTokens, req.Temperature, req.TopP, req.Functions})
	if err != nil {
		// Marshal can only fail on unencodable schema values; hash the prompt
		// alone rather than panicking on a logging-adjacent path.
		canonical = []byte(req.Prompt)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
