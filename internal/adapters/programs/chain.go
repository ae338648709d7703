package programs

import (
	"context"
	"errors"
	"io/fs"

	"rvexec/internal/coordinator"
	"rvexec/internal/fixtures"
)

// Chain tries each store in order and returns the first hit. A store that
// does not know the cid is skipped; any other error stops the search.
type Chain []coordinator.ProgramStore

func (c Chain) FetchProgram(ctx context.Context, cid string) ([]byte, error) {
	err := error(fs.ErrNotExist)
	for _, s := range c {
		var data []byte
		data, err = s.FetchProgram(ctx, cid)
		if err == nil {
			return data, nil
		}
		if !missing(err) {
			return nil, err
		}
	}
	return nil, err
}

func missing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fixtures.ErrUnknownFixture) ||
		errors.Is(err, ErrInvalidCID)
}
