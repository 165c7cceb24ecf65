package docdb

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cosmoblob/attachments/feed"
)

// encodeToken wraps a backend resume position into an opaque feed token.
// A nil or empty position yields the empty token.
func encodeToken(position map[string]string) (feed.Token, error) {
	if len(position) == 0 {
		return "", nil
	}

	data, err := json.Marshal(position)
	if err != nil {
		return "", fmt.Errorf("failed to encode continuation token: %w", err)
	}

	return feed.Token(base64.RawURLEncoding.EncodeToString(data)), nil
}

// decodeToken reverses encodeToken. The empty token decodes to a nil position.
func decodeToken(token feed.Token) (map[string]string, error) {
	if token == "" {
		return nil, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(string(token))
	if err != nil {
		return nil, fmt.Errorf("invalid continuation token: %w", err)
	}

	var position map[string]string
	if err := json.Unmarshal(data, &position); err != nil {
		return nil, fmt.Errorf("invalid continuation token: %w", err)
	}

	return position, nil
}
