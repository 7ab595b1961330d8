package orcherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageFormats(t *testing.T) {
	plain := New(KindGraphNotFound, "graph g1")
	assert.Equal(t, "GRAPH_NOT_FOUND: graph g1", plain.Error())

	wrapped := Wrap(KindActionFailed, "dispatch", errors.New("connection refused"))
	assert.Equal(t, "ACTION_FAILED: dispatch: connection refused", wrapped.Error())
	assert.Equal(t, "connection refused", wrapped.Unwrap().Error())
}

func TestKindOf_UnwrapsNestedErrors(t *testing.T) {
	inner := New(KindTimeout, "execute exceeded 30s")
	outer := fmt.Errorf("cycle aborted: %w", inner)

	assert.Equal(t, KindTimeout, KindOf(outer))
	assert.Equal(t, KindTimeout, KindOf(inner))
}

func TestKindOf_ForeignErrorsAreUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorsIs_WorksThroughWrap(t *testing.T) {
	cause := errors.New("root")
	wrapped := Wrap(KindCompensationFailed, "compensate", cause)
	assert.True(t, errors.Is(wrapped, cause))
}
