package service

import (
	"io"

	"camo-proxy-go/internal/model"
)

// limitedBody passes through at most remaining bytes. Reading past the limit
// returns the bytes still allowed together with model.ErrSizeExceeded.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, model.ErrSizeExceeded
	}
	// One extra byte tells an exact fit apart from an overflow.
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n + int(b.remaining), model.ErrSizeExceeded
	}
	return n, err
}
