package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"

	"github.com/guyernest/taskvault/internal/task"
)

// defaultPageSize applies when a list request does not specify one.
const defaultPageSize = 50

// Page is one page of an owner's tasks plus an opaque continuation cursor.
// An empty cursor means the enumeration is complete.
type Page struct {
	Tasks      []*task.Record
	NextCursor string
}

// List enumerates the owner's live tasks in id order. The cursor returned in
// a page resumes the enumeration after its last entry; expired records are
// filtered out.
func (e *Engine) List(ctx context.Context, ownerID, cursor string, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	ids, err := e.backend.ListOwner(ctx, ownerID)
	if err != nil {
		return nil, e.backendErr("list", err)
	}
	sort.Strings(ids)

	page := &Page{}
	for _, id := range ids {
		if after != "" && id <= after {
			continue
		}
		rec, err := e.read(ctx, ownerID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // expired or raced with deletion
			}
			return nil, err
		}

		if len(page.Tasks) == pageSize {
			// One more live record exists beyond the page boundary.
			page.NextCursor = encodeCursor(page.Tasks[pageSize-1].ID)
			return page, nil
		}
		page.Tasks = append(page.Tasks, rec)
	}
	return page, nil
}

// Cursors are just the last-seen id, base64-wrapped so callers treat them as
// opaque.
func encodeCursor(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", errors.New("malformed cursor")
	}
	return string(raw), nil
}
