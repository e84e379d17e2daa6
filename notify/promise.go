package notify

import "context"

// PromiseMessages are the toast texts shown around an operation. An empty
// Error uses the error text.
type PromiseMessages struct {
	Loading string
	Success string
	Error   string
}

// Promise shows a persistent loading toast while op runs, then turns it into
// a success or error toast. The error of op is returned unchanged.
func Promise[T any](ctx context.Context, q *Queue, op func(context.Context) (T, error), msgs PromiseMessages) (T, error) {
	id := q.Add(Options{Message: msgs.Loading, Category: CategoryLoading, Persistent: true})
	v, err := op(ctx)
	if err != nil {
		msg := msgs.Error
		if msg == "" {
			msg = err.Error()
		}
		if !q.Update(id, Options{Message: msg, Category: CategoryError}) {
			q.Error(msg)
		}
		return v, err
	}
	if !q.Update(id, Options{Message: msgs.Success, Category: CategorySuccess}) {
		q.Success(msgs.Success)
	}
	return v, nil
}
