package provider

import "context"

// Mock satisfies Client for testing. Each field can be scripted per test.
type Mock struct {
	NameValue string
	AskFunc   func(ctx context.Context, prompt string) (*Response, error)
}

func (m *Mock) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

func (m *Mock) Ask(ctx context.Context, prompt string) (*Response, error) {
	if m.AskFunc != nil {
		return m.AskFunc(ctx, prompt)
	}
	return &Response{Text: "mock answer", Model: "mock-v1"}, nil
}

// NewFailingMock returns a Mock that always returns the given error
func NewFailingMock(name string, err error) *Mock {
	return &Mock{
		NameValue: name,
		AskFunc: func(_ context.Context, _ string) (*Response, error) {
			return nil, err
		},
	}
}

// NewTimeoutMock returns a Mock that blocks until the context is cancelled
func NewTimeoutMock(name string) *Mock {
	return &Mock{
		NameValue: name,
		AskFunc: func(ctx context.Context, _ string) (*Response, error) {
			<-ctx.Done()
			return nil, ErrTimeout
		},
	}
}

var _ Client = (*Mock)(nil)
