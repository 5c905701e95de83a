package provider

import (
	"context"
	"time"
)

// FakeGenerator is a table-driven canned-response Generator used by
// this package's arbiter tests in place of live network calls.
type FakeGenerator struct {
	Responses []string
	Errs      []error
	calls     int
}

func (f *FakeGenerator) Generate(ctx context.Context, prompt string) (string, Usage, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.Errs) {
		err = f.Errs[i]
	}
	if err != nil {
		return "", Usage{}, err
	}
	var text string
	if i < len(f.Responses) {
		text = f.Responses[i]
	}
	return text, Usage{TokensUsed: 10}, nil
}

// NewFakeProvider builds a provider backed by a FakeGenerator, useful
// for exercising the arbiter/session/tournament without network I/O.
// A non-empty credential is implied (fake providers are always
// "configured").
func NewFakeProvider(name string, priority int, gen *FakeGenerator) *BaseProvider {
	p := newBaseProvider(name, priority, "fake-model", "fake-credential", gen, defaultFailureThreshold, defaultCircuitReset)
	return p
}

// NewFakeProviderWithClock is identical to NewFakeProvider but lets
// tests control the provider's notion of "now" to exercise circuit
// reset timing deterministically.
func NewFakeProviderWithClock(name string, priority int, gen *FakeGenerator, now func() time.Time) *BaseProvider {
	p := NewFakeProvider(name, priority, gen)
	p.now = now
	return p
}
