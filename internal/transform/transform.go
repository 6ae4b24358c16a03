// Package transform talks to the service that recompresses images.
package transform

import (
	"context"
	"math/rand/v2"
	"time"
)

// Transformer returns an optimized rendition of content.
type Transformer interface {
	Transform(ctx context.Context, content []byte) ([]byte, error)
}

// Dummy stands in for the remote service. It waits a random time within
// [MinDelay, MaxDelay] and returns the content unchanged.
type Dummy struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

func NewDummy(minDelay, maxDelay time.Duration) *Dummy {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Dummy{MinDelay: minDelay, MaxDelay: maxDelay}
}

func (d *Dummy) Transform(ctx context.Context, content []byte) ([]byte, error) {
	delay := d.MinDelay
	if spread := d.MaxDelay - d.MinDelay; spread > 0 {
		delay += rand.N(spread)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

var _ Transformer = (*Dummy)(nil)
