package backend

import "context"

// MockAdapter is an in-process Backend for tests that do not want to shell
// out to a real CLI. It echoes the message content back as the response
// unless Respond is set, in which case Respond supplies the response.
type MockAdapter struct {
	sessionID string
	workDir   string
	closed    bool

	// Respond, when set, overrides the echoed response content.
	Respond func(Message) (Response, error)
}

// NewMockAdapter creates a MockAdapter that echoes whatever it is sent.
func NewMockAdapter(cfg Config) *MockAdapter {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = "mock-session"
	}
	return &MockAdapter{sessionID: sessionID, workDir: cfg.WorkDir}
}

// Send implements Backend.
func (m *MockAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if m.Respond != nil {
		return m.Respond(msg)
	}
	return Response{Content: msg.Content, SessionID: m.sessionID}, nil
}

// Close implements Backend.
func (m *MockAdapter) Close() error {
	m.closed = true
	return nil
}

// SessionID implements Backend.
func (m *MockAdapter) SessionID() string {
	return m.sessionID
}
