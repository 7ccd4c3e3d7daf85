package testutil

import (
	"context"

	"collateraloracle/pkg/requestcontext"
)

// Ctx returns a context attributed to actor with a fixed request ID, the
// shape a call arriving through the ops middleware has.
func Ctx(actor string) context.Context {
	ctx := requestcontext.WithActor(context.Background(), actor)
	return requestcontext.WithRequestID(ctx, "test-request")
}
