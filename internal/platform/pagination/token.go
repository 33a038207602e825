package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// tokenVersion prefixes every page token so the cursor layout can change
// without old tokens being misread.
const tokenVersion = "v1."

// EncodeToken returns "" for an empty cursor, meaning there is no next page.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return tokenVersion + base64.RawURLEncoding.EncodeToString(data), nil
}

func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	payload, ok := strings.CutPrefix(token, tokenVersion)
	if !ok {
		return Cursor{}, fmt.Errorf("%w: unsupported token version", ErrInvalidPageToken)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if len(cursor.StartAfter) == 0 {
		return Cursor{}, fmt.Errorf("%w: empty cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}
