package aibroker

import "context"

// FakeModelClient is a deterministic ModelClient used by tests: it
// returns a queued response per call, or an error once the queue is
// exhausted.
type FakeModelClient struct {
	Responses []FakeResponse
	calls     int
}

type FakeResponse struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Err          error
}

func (f *FakeModelClient) Complete(_ context.Context, _ string, _ []byte) (string, int64, int64, error) {
	if f.calls >= len(f.Responses) {
		return "", 0, 0, errExhausted
	}
	r := f.Responses[f.calls]
	f.calls++
	if r.Err != nil {
		return "", 0, 0, r.Err
	}
	return r.Text, r.InputTokens, r.OutputTokens, nil
}

var errExhausted = fakeErr("fake model client: no more queued responses")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
