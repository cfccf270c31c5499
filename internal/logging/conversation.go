package logging

// WithConversation returns a logger that tags lines with the conversation
// and user the work belongs to. Tags carry IDs only, never message text.
func WithConversation(logger Logger, conversationID, userID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if conversationID == "" && userID == "" {
		return logger
	}
	return &conversationLogger{logger: logger, conversationID: conversationID, userID: userID}
}

type conversationLogger struct {
	logger         Logger
	conversationID string
	userID         string
}

func (l *conversationLogger) prefix(format string) string {
	tag := ""
	if l.conversationID != "" {
		tag = "conversation=" + l.conversationID
	}
	if l.userID != "" {
		if tag != "" {
			tag += " "
		}
		tag += "user=" + l.userID
	}
	if tag == "" {
		return format
	}
	return tag + " " + format
}

func (l *conversationLogger) Debug(format string, args ...any) {
	l.logger.Debug(l.prefix(format), args...)
}

func (l *conversationLogger) Info(format string, args ...any) {
	l.logger.Info(l.prefix(format), args...)
}

func (l *conversationLogger) Warn(format string, args ...any) {
	l.logger.Warn(l.prefix(format), args...)
}

func (l *conversationLogger) Error(format string, args ...any) {
	l.logger.Error(l.prefix(format), args...)
}
