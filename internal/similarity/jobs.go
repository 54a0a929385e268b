package similarity

import (
	"context"
	"encoding/json"
	"fmt"

	"horse.fit/similarity/internal/jobs"
)

const (
	JobGenerate   = "similarity.generate"
	JobRegenerate = "similarity.regenerate"
)

const generateArgsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["item_ids"],
  "properties": {
    "item_ids": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10000,
      "items": {"type": "integer", "minimum": 1}
    },
    "force": {"type": "boolean"}
  }
}`

const regenerateArgsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["item_id"],
  "properties": {
    "item_id": {"type": "integer", "minimum": 1}
  }
}`

type GenerateArgs struct {
	ItemIDs []int64 `json:"item_ids"`
	Force   bool    `json:"force,omitempty"`
}

type RegenerateArgs struct {
	ItemID int64 `json:"item_id"`
}

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// RegisterJobs binds the generation jobs to q.
func (s *Service) RegisterJobs(q *jobs.Queue) error {
	if err := q.Register(JobGenerate, generateArgsSchema, s.handleGenerateJob); err != nil {
		return err
	}
	return q.Register(JobRegenerate, regenerateArgsSchema, s.handleRegenerateJob)
}

// EnqueueGenerate schedules a generation batch for ids outside the caller.
func EnqueueGenerate(ctx context.Context, q Enqueuer, ids []int64, force bool) (string, error) {
	ids = uniquePositive(ids)
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: no item ids", ErrInvalidInput)
	}
	raw, err := json.Marshal(GenerateArgs{ItemIDs: ids, Force: force})
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, JobGenerate, raw)
}

func EnqueueRegenerate(ctx context.Context, q Enqueuer, itemID int64) (string, error) {
	if itemID <= 0 {
		return "", fmt.Errorf("%w: item id must be positive", ErrInvalidInput)
	}
	raw, err := json.Marshal(RegenerateArgs{ItemID: itemID})
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, JobRegenerate, raw)
}

func (s *Service) handleGenerateJob(ctx context.Context, raw json.RawMessage) error {
	var args GenerateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode %s arguments: %w", JobGenerate, err)
	}
	results, err := s.GenerateBatch(ctx, args.ItemIDs, GenerateOptions{Force: args.Force})
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed == len(results) {
		return fmt.Errorf("all %d items failed", failed)
	}
	return nil
}

func (s *Service) handleRegenerateJob(ctx context.Context, raw json.RawMessage) error {
	var args RegenerateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode %s arguments: %w", JobRegenerate, err)
	}
	_, err := s.Regenerate(ctx, args.ItemID)
	return err
}
