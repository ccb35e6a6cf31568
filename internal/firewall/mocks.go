package firewall

import (
	"github.com/coreos/go-iptables/iptables"
	"github.com/stretchr/testify/mock"
)

// MockIPTables is a mock implementation of IPTables for testing.
type MockIPTables struct {
	mock.Mock
}

func (m *MockIPTables) Append(table, chain string, rulespec ...string) error {
	args := m.Called(table, chain, rulespec)
	return args.Error(0)
}

func (m *MockIPTables) ClearChain(table, chain string) error {
	args := m.Called(table, chain)
	return args.Error(0)
}

func (m *MockIPTables) ChangePolicy(table, chain, target string) error {
	args := m.Called(table, chain, target)
	return args.Error(0)
}

func (m *MockIPTables) ListChains(table string) ([]string, error) {
	args := m.Called(table)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockIPTables) StructuredStats(table, chain string) ([]iptables.Stat, error) {
	args := m.Called(table, chain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]iptables.Stat), args.Error(1)
}

// MockCommandRunner is a mock implementation of CommandRunner for testing.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Output(name string, args ...string) ([]byte, error) {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockCommandRunner) RunFiles(stdin, log string, name string, args ...string) error {
	callArgs := make([]interface{}, 0, len(args)+3)
	callArgs = append(callArgs, stdin, log, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	return result.Error(0)
}
