// File: internal/mocks/mocks.go
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/deeperseek/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// NewMockConfig returns a MockConfig whose getters answer with the sections of cfg. The
// expectations are optional, so tests only assert on the calls they care about.
func NewMockConfig(cfg *config.Config) *MockConfig {
	m := new(MockConfig)
	m.On("Logger").Return(cfg.Logger()).Maybe()
	m.On("Database").Return(cfg.Database()).Maybe()
	m.On("Browser").Return(cfg.Browser()).Maybe()
	m.On("Account").Return(cfg.Account()).Maybe()
	m.On("Chat").Return(cfg.Chat()).Maybe()
	return m
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Account() config.AccountConfig {
	args := m.Called()
	return args.Get(0).(config.AccountConfig)
}

func (m *MockConfig) Chat() config.ChatConfig {
	args := m.Called()
	return args.Get(0).(config.ChatConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetLoggerVerbose(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetChatConversationID(id string) {
	m.Called(id)
}
