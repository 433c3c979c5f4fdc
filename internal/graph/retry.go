package graph

import (
	"context"
	"errors"
	"time"

	"github.com/rawblock/ringwatch/pkg/models"
)

// Retry runs fn up to attempts times while it fails with ErrTransient,
// sleeping backoff, 2*backoff, ... between tries. Any other error, or a
// cancelled context, ends the loop immediately.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, models.ErrTransient) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff * time.Duration(1<<i)):
		}
	}
	return err
}
