package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aridsondez/claimq/internal/queue"
)

func validateProject(project string) error {
	if len(project) > queue.MaxProjectLength || strings.ContainsRune(project, 0) {
		return queue.ErrInvalidProject
	}
	return nil
}

func validateQueueRef(project, name string) error {
	if err := validateProject(project); err != nil {
		return err
	}
	if !queue.ValidQueueName(name) {
		return fmt.Errorf("%w: %q", queue.ErrInvalidQueueName, name)
	}
	return nil
}

// compactBody returns the compact serialization of body and rejects it when
// that form exceeds max bytes.
func compactBody(body json.RawMessage, max int) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, queue.ErrInvalidBody
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrInvalidBody, err)
	}
	if buf.Len() > max {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", queue.ErrMessageTooLarge, buf.Len(), max)
	}
	return buf.Bytes(), nil
}

func checkMetadata(md map[string]any, max int) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("%w: %w", queue.ErrInvalidMetadata, err)
	}
	if len(raw) > max {
		return fmt.Errorf("%w: %d bytes, limit %d", queue.ErrMetadataTooLarge, len(raw), max)
	}
	return nil
}
