package worker

import (
	"context"
	"errors"
)

// ErrToxicFile marks a pipeline failure attributable to the file being
// processed. The worker parks the file instead of crashing; wrap this
// sentinel so errors.Is finds it.
var ErrToxicFile = errors.New("toxic file")

// Pipeline processes one library file. Implementations write their own
// results (predictions, tag records); the worker only flips the file's
// work-state flags afterwards and never introspects what the pipeline
// produced.
type Pipeline interface {
	Process(ctx context.Context, fileKey string) error
	Version() string
}
