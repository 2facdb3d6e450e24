package auth

import (
	"time"
)

// MockProvider records calls and delegates to the Func fields. Unset funcs
// succeed.
type MockProvider struct {
	AcceptFunc      func(req *AcceptRequest) (AcceptResult, Status)
	CompleteFunc    func(h ContextHandle, out *Buffer) Status
	QueryTokenFunc  func(h ContextHandle) (AccessToken, Status)
	ImpersonateFunc func(h ContextHandle) Status
	RevertFunc      func(h ContextHandle) Status
	DeleteFunc      func(h ContextHandle) Status

	Calls   []string
	Deleted []ContextHandle
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) AcceptSecurityContext(req *AcceptRequest) (AcceptResult, Status) {
	m.Calls = append(m.Calls, "accept")
	if m.AcceptFunc != nil {
		return m.AcceptFunc(req)
	}
	return AcceptResult{Context: testHandle}, StatusOK
}

func (m *MockProvider) CompleteAuthToken(h ContextHandle, out *Buffer) Status {
	m.Calls = append(m.Calls, "complete")
	if m.CompleteFunc != nil {
		return m.CompleteFunc(h, out)
	}
	return StatusOK
}

func (m *MockProvider) QuerySecurityContextToken(h ContextHandle) (AccessToken, Status) {
	m.Calls = append(m.Calls, "query")
	if m.QueryTokenFunc != nil {
		return m.QueryTokenFunc(h)
	}
	return PrincipalToken(`CONTOSO\alice`), StatusOK
}

func (m *MockProvider) ImpersonateSecurityContext(h ContextHandle) Status {
	m.Calls = append(m.Calls, "impersonate")
	if m.ImpersonateFunc != nil {
		return m.ImpersonateFunc(h)
	}
	return StatusOK
}

func (m *MockProvider) RevertSecurityContext(h ContextHandle) Status {
	m.Calls = append(m.Calls, "revert")
	if m.RevertFunc != nil {
		return m.RevertFunc(h)
	}
	return StatusOK
}

func (m *MockProvider) DeleteSecurityContext(h ContextHandle) Status {
	m.Calls = append(m.Calls, "delete")
	m.Deleted = append(m.Deleted, h)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(h)
	}
	return StatusOK
}

// step is one scripted AcceptSecurityContext result.
type step struct {
	status Status
	out    []byte
	flags  ContextFlags
	expiry time.Time
}

var testHandle = ContextHandle{Lower: 0x10, Upper: 0x20}

// scripted returns a provider that answers accept calls with steps in order
// and records every request it saw.
func scripted(steps ...step) (*MockProvider, *[]*AcceptRequest) {
	var seen []*AcceptRequest
	m := &MockProvider{}
	m.AcceptFunc = func(req *AcceptRequest) (AcceptResult, Status) {
		cp := *req
		seen = append(seen, &cp)
		i := len(seen) - 1
		if i >= len(steps) {
			return AcceptResult{}, StatusInternalError
		}
		s := steps[i]
		if err := req.Output.Set(s.out); err != nil {
			return AcceptResult{Context: testHandle, Err: err}, StatusBufferTooSmall
		}
		return AcceptResult{Context: testHandle, Flags: s.flags, Expiry: s.expiry}, s.status
	}
	return m, &seen
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}
