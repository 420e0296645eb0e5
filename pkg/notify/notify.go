// Package notify carries user-facing success/error/warning messages.
//
// State-changing operations report their outcome through a Notifier. The HTTP
// layer drains a per-client Collector into the response envelope, and the
// zap-backed notifier mirrors every notice into the service log.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Level 通知级别
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notice 单条用户通知
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Notifier receives user-facing notices.
type Notifier interface {
	Success(message string)
	Error(message string)
	Warn(message string)
}

// maxPending caps undrained notices per collector.
const maxPending = 50

// Collector buffers notices until the next Drain.
type Collector struct {
	mu      sync.Mutex
	notices []Notice
}

// NewCollector 创建通知收集器
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) add(level Level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.notices) >= maxPending {
		c.notices = c.notices[1:]
	}
	c.notices = append(c.notices, Notice{Level: level, Message: message})
}

func (c *Collector) Success(message string) { c.add(LevelSuccess, message) }
func (c *Collector) Error(message string)   { c.add(LevelError, message) }
func (c *Collector) Warn(message string)    { c.add(LevelWarning, message) }

// Drain returns and clears buffered notices.
func (c *Collector) Drain() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.notices
	c.notices = nil
	return out
}

// LogNotifier writes notices to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Success(message string) { n.logger.Info(message, zap.String("level", string(LevelSuccess))) }
func (n *LogNotifier) Error(message string)   { n.logger.Warn(message, zap.String("level", string(LevelError))) }
func (n *LogNotifier) Warn(message string)    { n.logger.Warn(message, zap.String("level", string(LevelWarning))) }

// Multi fans out to several notifiers.
type Multi []Notifier

func (m Multi) Success(message string) {
	for _, n := range m {
		n.Success(message)
	}
}

func (m Multi) Error(message string) {
	for _, n := range m {
		n.Error(message)
	}
}

func (m Multi) Warn(message string) {
	for _, n := range m {
		n.Warn(message)
	}
}

// Discard drops every notice.
var Discard Notifier = Multi(nil)
