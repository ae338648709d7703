package programs

import (
	"context"
	"fmt"
	"strings"

	"rvexec/internal/fixtures"
)

// ReferenceCID names the embedded reference wasm module in FixtureStore.
const ReferenceCID = "reference.wasm"

// FixtureStore serves the embedded sample programs as "<name>.s" and the
// reference module as ReferenceCID, so the demo runs without any files.
type FixtureStore struct{}

func (FixtureStore) FetchProgram(_ context.Context, cid string) ([]byte, error) {
	if cid == ReferenceCID {
		return fixtures.ReferenceWasm(), nil
	}
	name, ok := strings.CutSuffix(cid, ".s")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCID, cid)
	}
	return fixtures.Source(name)
}
